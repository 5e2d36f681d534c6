package marketplace

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
)

// OperationRecorder receives per-operation outcomes for metrics
type OperationRecorder interface {
	RecordOperation(operation string, err error, duration time.Duration)
	RecordDownload()
}

type noopRecorder struct{}

func (noopRecorder) RecordOperation(string, error, time.Duration) {}
func (noopRecorder) RecordDownload()                              {}

// Option configures a Service
type Option func(*Service)

// WithLogger sets the service logger
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithRecorder sets the metrics recorder
func WithRecorder(r OperationRecorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithArtifactStore enables package uploads and downloads
func WithArtifactStore(a ArtifactStore) Option {
	return func(s *Service) { s.artifacts = a }
}

// WithPaginator replaces the default listing validator
func WithPaginator(p Paginator) Option {
	return func(s *Service) { s.paginator = p }
}

// WithTransitions replaces the default transition commands
func WithTransitions(t Transitions) Option {
	return func(s *Service) { s.transitions = t }
}

// WithClock overrides the time source used for upload dates
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Service orchestrates the extension lifecycle. It keeps no state between calls.
type Service struct {
	extensions  ExtensionStore
	actors      ActorStore
	tags        TagResolver
	metadata    MetadataResolver
	artifacts   ArtifactStore
	paginator   Paginator
	transitions Transitions
	now         func() time.Time
	logger      logrus.FieldLogger
	recorder    OperationRecorder
}

// NewService creates a new lifecycle service
func NewService(extensions ExtensionStore, actors ActorStore, tags TagResolver, metadata MetadataResolver, opts ...Option) *Service {
	s := &Service{
		extensions:  extensions,
		actors:      actors,
		tags:        tags,
		metadata:    metadata,
		paginator:   NewPaginator(SupportedSortKeys, 0),
		transitions: DefaultTransitions(),
		now:         time.Now,
		logger:      logrus.StandardLogger(),
		recorder:    noopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) observe(operation string, start time.Time, err *error) {
	s.recorder.RecordOperation(operation, *err, time.Since(start))
}

// Create submits a new extension owned by actorID. New extensions always start
// pending, not featured and never downloaded.
func (s *Service) Create(ctx context.Context, spec ExtensionSpec, actorID int64) (view ExtensionView, err error) {
	defer s.observe("create", time.Now(), &err)

	actor, err := s.loadActor(ctx, actorID)
	if err != nil {
		return ExtensionView{}, err
	}

	tags := s.tags.Resolve(spec.Tags)
	metadata, err := s.resolveMetadata(ctx, spec.Github)
	if err != nil {
		return ExtensionView{}, err
	}

	ext := Extension{
		Pending:    true,
		Featured:   false,
		UploadDate: s.now(),
		Owner:      actor,
	}.withDetails(spec.Name, spec.Version, spec.Description, tags, metadata)

	saved, err := s.extensions.Save(ctx, ext)
	if err != nil {
		return ExtensionView{}, fmt.Errorf("failed to save extension: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"operation":    "create",
		"extension_id": saved.ID,
		"actor_id":     actorID,
	}).Info("extension submitted for review")

	return NewView(saved), nil
}

// Update overwrites the descriptive fields of an extension. Ownership, moderation
// state, counters and the upload date are kept.
func (s *Service) Update(ctx context.Context, id int64, spec ExtensionSpec, actorID int64) (view ExtensionView, err error) {
	defer s.observe("update", time.Now(), &err)

	ext, actor, err := s.loadForModification(ctx, "update", id, actorID)
	if err != nil {
		return ExtensionView{}, err
	}

	tags := s.tags.Resolve(spec.Tags)
	metadata, err := s.resolveMetadata(ctx, spec.Github)
	if err != nil {
		return ExtensionView{}, err
	}

	updated := ext.withDetails(spec.Name, spec.Version, spec.Description, tags, metadata)
	saved, err := s.extensions.Save(ctx, updated)
	if err != nil {
		return ExtensionView{}, fmt.Errorf("failed to save extension: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"operation":    "update",
		"extension_id": id,
		"actor_id":     actor.ID,
	}).Info("extension updated")

	return NewView(saved), nil
}

// Delete removes an extension and its package
func (s *Service) Delete(ctx context.Context, id int64, actorID int64) (err error) {
	defer s.observe("delete", time.Now(), &err)

	ext, actor, err := s.loadForModification(ctx, "delete", id, actorID)
	if err != nil {
		return err
	}

	if err := s.extensions.Delete(ctx, ext); err != nil {
		return fmt.Errorf("failed to delete extension: %w", err)
	}

	log := s.logger.WithFields(logrus.Fields{
		"operation":    "delete",
		"extension_id": id,
		"actor_id":     actor.ID,
	})
	// the record is gone; an orphaned package is only logged
	if ext.Artifact != nil && s.artifacts != nil {
		if err := s.artifacts.Delete(ctx, *ext.Artifact); err != nil {
			log.WithError(err).Warn("failed to delete extension package")
		}
	}
	log.Info("extension deleted")

	return nil
}

// SetPublishedState applies a publish or unpublish command. Callers restrict
// access to administrators before invoking it.
func (s *Service) SetPublishedState(ctx context.Context, id int64, command string) (view ExtensionView, err error) {
	defer s.observe("set_published_state", time.Now(), &err)
	return s.applyTransition(ctx, id, command, s.transitions.ApplyPublish)
}

// SetFeaturedState applies a feature or unfeature command. Callers restrict
// access to administrators before invoking it.
func (s *Service) SetFeaturedState(ctx context.Context, id int64, command string) (view ExtensionView, err error) {
	defer s.observe("set_featured_state", time.Now(), &err)
	return s.applyTransition(ctx, id, command, s.transitions.ApplyFeature)
}

func (s *Service) applyTransition(ctx context.Context, id int64, command string, apply func(Extension, string) (Extension, error)) (ExtensionView, error) {
	ext, err := s.loadExtension(ctx, id)
	if err != nil {
		return ExtensionView{}, err
	}

	updated, err := apply(ext, command)
	if err != nil {
		return ExtensionView{}, err
	}

	saved, err := s.extensions.Save(ctx, updated)
	if err != nil {
		return ExtensionView{}, fmt.Errorf("failed to save extension: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"operation":    "transition",
		"extension_id": id,
		"command":      command,
		"pending":      saved.Pending,
		"featured":     saved.Featured,
	}).Info("extension state changed")

	return NewView(saved), nil
}

// FindByID returns the extension if the requester may see it
func (s *Service) FindByID(ctx context.Context, id int64, req Requester) (view ExtensionView, err error) {
	defer s.observe("find_by_id", time.Now(), &err)

	ext, err := s.loadExtension(ctx, id)
	if err != nil {
		return ExtensionView{}, err
	}

	if d := CanView(ext, req); !d.Allowed {
		s.logger.WithFields(logrus.Fields{
			"operation":    "find_by_id",
			"extension_id": id,
			"reason":       d.Reason,
		}).Debug("extension hidden from requester")
		return ExtensionView{}, d.Err()
	}

	return NewView(ext), nil
}

// IncreaseDownloadCount counts one download of a publicly visible extension
func (s *Service) IncreaseDownloadCount(ctx context.Context, id int64) (view ExtensionView, err error) {
	defer s.observe("increase_download_count", time.Now(), &err)

	ext, err := s.loadDownloadable(ctx, id)
	if err != nil {
		return ExtensionView{}, err
	}

	counted, err := s.countDownload(ctx, ext)
	if err != nil {
		return ExtensionView{}, err
	}
	return NewView(counted), nil
}

func (s *Service) loadDownloadable(ctx context.Context, id int64) (Extension, error) {
	ext, err := s.loadExtension(ctx, id)
	if err != nil {
		return Extension{}, err
	}
	if d := CanView(ext, Anonymous()); !d.Allowed {
		return Extension{}, d.Err()
	}
	return ext, nil
}

// countDownload prefers the store's atomic increment; without one the
// load-derive-save sequence is last-writer-wins under concurrency.
func (s *Service) countDownload(ctx context.Context, ext Extension) (Extension, error) {
	var (
		counted Extension
		err     error
	)
	if inc, ok := s.extensions.(DownloadIncrementer); ok {
		counted, err = inc.IncrementDownloads(ctx, ext.ID)
	} else {
		counted, err = s.extensions.Save(ctx, ext.withDownload())
	}
	if err != nil {
		return Extension{}, fmt.Errorf("failed to record download: %w", err)
	}
	s.recorder.RecordDownload()
	return counted, nil
}

// FindAll returns one page of the public listing
func (s *Service) FindAll(ctx context.Context, nameFilter, sortKey string, page, perPage int) (result PageView, err error) {
	defer s.observe("find_all", time.Now(), &err)

	if _, err := s.paginator.ValidateSortKey(sortKey); err != nil {
		return PageView{}, err
	}

	total, err := s.extensions.CountMatching(ctx, nameFilter)
	if err != nil {
		return PageView{}, fmt.Errorf("failed to count extensions: %w", err)
	}

	bounds, err := s.paginator.Paginate(total, sortKey, page, perPage)
	if err != nil {
		return PageView{}, err
	}

	result = PageView{
		Extensions:   []ExtensionView{},
		TotalResults: total,
		CurrentPage:  bounds.Page,
		TotalPages:   bounds.TotalPages,
	}
	if bounds.Empty() {
		return result, nil
	}

	exts, err := s.extensions.ListMatching(ctx, nameFilter, bounds.SortKey, bounds.Offset, bounds.Limit)
	if err != nil {
		return PageView{}, fmt.Errorf("failed to list extensions: %w", err)
	}
	result.Extensions = NewViews(exts)
	return result, nil
}

// FindPending lists extensions awaiting moderation. Intended for administrators.
func (s *Service) FindPending(ctx context.Context) (views []ExtensionView, err error) {
	defer s.observe("find_pending", time.Now(), &err)
	return s.listWhere(ctx, FlagPending)
}

// FindFeatured lists featured extensions
func (s *Service) FindFeatured(ctx context.Context) (views []ExtensionView, err error) {
	defer s.observe("find_featured", time.Now(), &err)
	return s.listWhere(ctx, FlagFeatured)
}

func (s *Service) listWhere(ctx context.Context, flag Flag) ([]ExtensionView, error) {
	exts, err := s.extensions.ListWhere(ctx, flag)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s extensions: %w", flag, err)
	}
	return NewViews(exts), nil
}

// FetchMetadata re-resolves the repository metadata of an extension.
// Only administrators may trigger a refresh.
func (s *Service) FetchMetadata(ctx context.Context, id int64, actorID int64) (view ExtensionView, err error) {
	defer s.observe("fetch_metadata", time.Now(), &err)

	ext, err := s.loadExtension(ctx, id)
	if err != nil {
		return ExtensionView{}, err
	}
	actor, err := s.loadActor(ctx, actorID)
	if err != nil {
		return ExtensionView{}, err
	}
	if !actor.IsAdmin() {
		return ExtensionView{}, fmt.Errorf("%w: user %d may not refresh repository metadata", ErrUnauthorized, actorID)
	}

	link := ext.RepositoryLink()
	if link == "" {
		return ExtensionView{}, fmt.Errorf("%w: extension %d has no repository link", ErrInvalidParameter, id)
	}

	metadata, err := s.refreshMetadata(ctx, link)
	if err != nil {
		return ExtensionView{}, fmt.Errorf("failed to resolve repository metadata: %w", err)
	}

	saved, err := s.extensions.Save(ctx, ext.withMetadata(metadata))
	if err != nil {
		return ExtensionView{}, fmt.Errorf("failed to save extension: %w", err)
	}
	return NewView(saved), nil
}

// RefreshAllMetadata re-resolves metadata for every published extension with a
// repository link. A failing extension is logged and counted; the sweep continues.
func (s *Service) RefreshAllMetadata(ctx context.Context) (report RefreshReport, err error) {
	defer s.observe("refresh_all_metadata", time.Now(), &err)

	exts, err := s.extensions.ListWhere(ctx, FlagPublished)
	if err != nil {
		return RefreshReport{}, fmt.Errorf("failed to list published extensions: %w", err)
	}

	for _, ext := range exts {
		if err := ctx.Err(); err != nil {
			return report, err
		}

		link := ext.RepositoryLink()
		if link == "" {
			continue
		}
		report.Checked++

		log := s.logger.WithFields(logrus.Fields{"extension_id": ext.ID, "link": link})

		metadata, err := s.refreshMetadata(ctx, link)
		if err != nil {
			report.Failed++
			log.WithError(err).Warn("repository metadata refresh failed")
			continue
		}
		if _, err := s.extensions.Save(ctx, ext.withMetadata(metadata)); err != nil {
			report.Failed++
			log.WithError(err).Warn("failed to save refreshed metadata")
			continue
		}
		report.Refreshed++
	}

	s.logger.WithFields(logrus.Fields{
		"checked":   report.Checked,
		"refreshed": report.Refreshed,
		"failed":    report.Failed,
	}).Info("repository metadata refresh finished")

	return report, nil
}

// UploadArtifact stores the package of an extension the actor may modify
func (s *Service) UploadArtifact(ctx context.Context, id int64, actorID int64, content io.Reader, contentType string) (view ExtensionView, err error) {
	defer s.observe("upload_artifact", time.Now(), &err)

	ext, actor, err := s.loadForModification(ctx, "upload_artifact", id, actorID)
	if err != nil {
		return ExtensionView{}, err
	}
	if s.artifacts == nil {
		return ExtensionView{}, fmt.Errorf("%w: package storage is not configured", ErrInvalidState)
	}

	artifact, err := s.artifacts.Put(ctx, id, content, contentType)
	if err != nil {
		return ExtensionView{}, fmt.Errorf("failed to store extension package: %w", err)
	}

	saved, err := s.extensions.Save(ctx, ext.withArtifact(artifact))
	if err != nil {
		return ExtensionView{}, fmt.Errorf("failed to save extension: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"operation":    "upload_artifact",
		"extension_id": id,
		"actor_id":     actor.ID,
		"size_bytes":   artifact.SizeBytes,
	}).Info("extension package uploaded")

	return NewView(saved), nil
}

// DownloadArtifact opens the package of a publicly visible extension and counts
// the download. The caller closes the returned reader.
func (s *Service) DownloadArtifact(ctx context.Context, id int64) (ExtensionView, Artifact, io.ReadCloser, error) {
	var err error
	defer s.observe("download_artifact", time.Now(), &err)

	ext, err := s.loadDownloadable(ctx, id)
	if err != nil {
		return ExtensionView{}, Artifact{}, nil, err
	}
	if s.artifacts == nil {
		err = fmt.Errorf("%w: package storage is not configured", ErrInvalidState)
		return ExtensionView{}, Artifact{}, nil, err
	}
	if ext.Artifact == nil {
		err = fmt.Errorf("%w: extension %d has no package", ErrNotFound, id)
		return ExtensionView{}, Artifact{}, nil, err
	}

	body, err := s.artifacts.Open(ctx, *ext.Artifact)
	if err != nil {
		err = fmt.Errorf("failed to open extension package: %w", err)
		return ExtensionView{}, Artifact{}, nil, err
	}

	counted, err := s.countDownload(ctx, ext)
	if err != nil {
		body.Close()
		return ExtensionView{}, Artifact{}, nil, err
	}

	return NewView(counted), *ext.Artifact, body, nil
}

func (s *Service) loadExtension(ctx context.Context, id int64) (Extension, error) {
	ext, ok, err := s.extensions.Get(ctx, id)
	if err != nil {
		return Extension{}, fmt.Errorf("failed to load extension: %w", err)
	}
	if !ok {
		return Extension{}, fmt.Errorf("%w: extension %d", ErrNotFound, id)
	}
	return ext, nil
}

func (s *Service) loadActor(ctx context.Context, id int64) (Actor, error) {
	actor, ok, err := s.actors.GetActor(ctx, id)
	if err != nil {
		return Actor{}, fmt.Errorf("failed to load user: %w", err)
	}
	if !ok {
		return Actor{}, fmt.Errorf("%w: user %d", ErrNotFound, id)
	}
	return actor, nil
}

func (s *Service) loadForModification(ctx context.Context, operation string, id, actorID int64) (Extension, Actor, error) {
	ext, err := s.loadExtension(ctx, id)
	if err != nil {
		return Extension{}, Actor{}, err
	}
	actor, err := s.loadActor(ctx, actorID)
	if err != nil {
		return Extension{}, Actor{}, err
	}

	if d := CanModify(ext, actor); !d.Allowed {
		s.logger.WithFields(logrus.Fields{
			"operation":    operation,
			"extension_id": id,
			"actor_id":     actorID,
		}).Warn(d.Reason)
		return Extension{}, Actor{}, d.Err()
	}
	return ext, actor, nil
}

// refreshMetadata resolves link past any resolver cache
func (s *Service) refreshMetadata(ctx context.Context, link string) (RepositoryMetadata, error) {
	if r, ok := s.metadata.(MetadataRefresher); ok {
		return r.Refresh(ctx, link)
	}
	return s.metadata.Resolve(ctx, link)
}

func (s *Service) resolveMetadata(ctx context.Context, link string) (*RepositoryMetadata, error) {
	if link == "" {
		return nil, nil
	}
	m, err := s.metadata.Resolve(ctx, link)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve repository metadata: %w", err)
	}
	return &m, nil
}
