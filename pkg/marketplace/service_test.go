package marketplace_test

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plughub/pkg/marketplace"
	"github.com/platinummonkey/plughub/pkg/storage"
	"github.com/platinummonkey/plughub/pkg/storage/memory"
	"github.com/platinummonkey/plughub/pkg/tags"
)

var (
	owner    = marketplace.Actor{ID: 1, Username: "alice", Role: marketplace.RoleRegular, Active: true}
	stranger = marketplace.Actor{ID: 2, Username: "bob", Role: marketplace.RoleRegular, Active: true}
	admin    = marketplace.Actor{ID: 3, Username: "root", Role: marketplace.RoleAdmin, Active: true}
	now      = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
)

type fakeMetadata struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]error
}

func (f *fakeMetadata) Resolve(_ context.Context, link string) (marketplace.RepositoryMetadata, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, link)
	if err := f.fail[link]; err != nil {
		return marketplace.RepositoryMetadata{}, err
	}
	return marketplace.RepositoryMetadata{
		Link:         link,
		LastCommit:   now.Add(-time.Hour),
		OpenIssues:   len(f.calls),
		PullRequests: 2,
		FetchedAt:    now,
	}, nil
}

// cachingMetadata serves the first snapshot per link from Resolve and a fresh
// one from Refresh
type cachingMetadata struct {
	fakeMetadata
	cached    map[string]marketplace.RepositoryMetadata
	refreshes int
}

func (c *cachingMetadata) Resolve(ctx context.Context, link string) (marketplace.RepositoryMetadata, error) {
	if m, ok := c.cached[link]; ok {
		return m, nil
	}
	m, err := c.fakeMetadata.Resolve(ctx, link)
	if err == nil {
		c.cached[link] = m
	}
	return m, err
}

func (c *cachingMetadata) Refresh(ctx context.Context, link string) (marketplace.RepositoryMetadata, error) {
	c.refreshes++
	delete(c.cached, link)
	return c.Resolve(ctx, link)
}

type recorder struct {
	mu        sync.Mutex
	ops       map[string]int
	failures  map[string]int
	downloads int
}

func (r *recorder) RecordOperation(op string, err error, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ops[op]++
	if err != nil {
		r.failures[op]++
	}
}

func (r *recorder) RecordDownload() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downloads++
}

// saveOnlyStore hides the atomic increment of the memory store
type saveOnlyStore struct {
	marketplace.ExtensionStore
}

type fixture struct {
	svc      *marketplace.Service
	store    *memory.Store
	metadata *fakeMetadata
	recorder *recorder
	logs     *test.Hook
}

func newFixture(t *testing.T, opts ...marketplace.Option) *fixture {
	t.Helper()
	store := memory.New()
	for _, a := range []marketplace.Actor{owner, stranger, admin} {
		store.PutActor(a)
	}

	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)

	f := &fixture{
		store:    store,
		metadata: &fakeMetadata{fail: map[string]error{}},
		recorder: &recorder{ops: map[string]int{}, failures: map[string]int{}},
		logs:     hook,
	}

	base := []marketplace.Option{
		marketplace.WithLogger(logger),
		marketplace.WithRecorder(f.recorder),
		marketplace.WithClock(func() time.Time { return now }),
	}
	f.svc = marketplace.NewService(store, store, tags.NewResolver(), f.metadata, append(base, opts...)...)
	return f
}

func (f *fixture) create(t *testing.T, name string, actor marketplace.Actor) marketplace.ExtensionView {
	t.Helper()
	view, err := f.svc.Create(context.Background(), marketplace.ExtensionSpec{
		Name:    name,
		Version: "1.0.0",
		Github:  "https://github.com/acme/" + name,
		Tags:    "Lint, code style",
	}, actor.ID)
	require.NoError(t, err)
	return view
}

func (f *fixture) publish(t *testing.T, id int64) {
	t.Helper()
	_, err := f.svc.SetPublishedState(context.Background(), id, "publish")
	require.NoError(t, err)
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	view := f.create(t, "formatter", owner)

	assert.NotZero(t, view.ID)
	assert.True(t, view.Pending)
	assert.False(t, view.Featured)
	assert.Equal(t, int64(0), view.TimesDownloaded)
	assert.Equal(t, now, view.UploadDate)
	assert.Equal(t, owner.ID, view.OwnerID)
	assert.Equal(t, "alice", view.OwnerName)
	assert.Equal(t, []string{"code-style", "lint"}, view.Tags)
	assert.Equal(t, "https://github.com/acme/formatter", view.GitHubLink)
	assert.Equal(t, 2, view.PullRequests)
	require.NotNil(t, view.LastCommit)
	assert.Equal(t, 1, f.recorder.ops["create"])
}

func TestCreate_UnknownActor(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.Create(context.Background(), marketplace.ExtensionSpec{Name: "x"}, 404)
	assert.True(t, errors.Is(err, marketplace.ErrNotFound))
	assert.Equal(t, 1, f.recorder.failures["create"])
}

func TestCreate_WithoutLinkSkipsMetadata(t *testing.T) {
	f := newFixture(t)

	view, err := f.svc.Create(context.Background(), marketplace.ExtensionSpec{Name: "x"}, owner.ID)
	require.NoError(t, err)
	assert.Empty(t, view.GitHubLink)
	assert.Nil(t, view.LastCommit)
	assert.Empty(t, f.metadata.calls)
}

func TestCreate_MetadataFailure(t *testing.T) {
	f := newFixture(t)
	f.metadata.fail["https://github.com/acme/broken"] = errors.New("rate limited")

	_, err := f.svc.Create(context.Background(), marketplace.ExtensionSpec{
		Name:   "broken",
		Github: "https://github.com/acme/broken",
	}, owner.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
	assert.Equal(t, "internal", marketplace.ErrorCode(err))
}

func TestUpdate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "formatter", owner)
	f.publish(t, created.ID)
	_, err := f.svc.SetFeaturedState(ctx, created.ID, "feature")
	require.NoError(t, err)
	_, err = f.svc.IncreaseDownloadCount(ctx, created.ID)
	require.NoError(t, err)

	updated, err := f.svc.Update(ctx, created.ID, marketplace.ExtensionSpec{
		Name:        "formatter-pro",
		Version:     "2.0.0",
		Description: "faster",
		Tags:        "speed",
	}, owner.ID)
	require.NoError(t, err)

	assert.Equal(t, "formatter-pro", updated.Name)
	assert.Equal(t, "2.0.0", updated.Version)
	assert.Equal(t, []string{"speed"}, updated.Tags)
	assert.Empty(t, updated.GitHubLink)

	assert.Equal(t, created.ID, updated.ID)
	assert.Equal(t, created.OwnerID, updated.OwnerID)
	assert.Equal(t, created.UploadDate, updated.UploadDate)
	assert.False(t, updated.Pending)
	assert.True(t, updated.Featured)
	assert.Equal(t, int64(1), updated.TimesDownloaded)
}

func TestUpdate_Authorization(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "formatter", owner)
	spec := marketplace.ExtensionSpec{Name: "renamed"}

	_, err := f.svc.Update(ctx, created.ID, spec, stranger.ID)
	assert.True(t, errors.Is(err, marketplace.ErrUnauthorized))

	view, err := f.svc.Update(ctx, created.ID, spec, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", view.Name)
	assert.Equal(t, owner.ID, view.OwnerID, "admin edits keep the owner")

	_, err = f.svc.Update(ctx, 999, spec, owner.ID)
	assert.True(t, errors.Is(err, marketplace.ErrNotFound))

	_, err = f.svc.Update(ctx, created.ID, spec, 999)
	assert.True(t, errors.Is(err, marketplace.ErrNotFound))
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "formatter", owner)

	err := f.svc.Delete(ctx, created.ID, stranger.ID)
	assert.True(t, errors.Is(err, marketplace.ErrUnauthorized))

	require.NoError(t, f.svc.Delete(ctx, created.ID, owner.ID))

	_, err = f.svc.FindByID(ctx, created.ID, marketplace.AsActor(admin))
	assert.True(t, errors.Is(err, marketplace.ErrNotFound))

	err = f.svc.Delete(ctx, created.ID, owner.ID)
	assert.True(t, errors.Is(err, marketplace.ErrNotFound))
}

func TestSetPublishedState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "formatter", owner)

	view, err := f.svc.SetPublishedState(ctx, created.ID, "publish")
	require.NoError(t, err)
	assert.False(t, view.Pending)

	view, err = f.svc.SetPublishedState(ctx, created.ID, "unpublish")
	require.NoError(t, err)
	assert.True(t, view.Pending)

	_, err = f.svc.SetPublishedState(ctx, created.ID, "approve")
	assert.True(t, errors.Is(err, marketplace.ErrInvalidState))

	got, err := f.svc.FindByID(ctx, created.ID, marketplace.AsActor(admin))
	require.NoError(t, err)
	assert.True(t, got.Pending, "failed command leaves pending unchanged")

	_, err = f.svc.SetPublishedState(ctx, 999, "publish")
	assert.True(t, errors.Is(err, marketplace.ErrNotFound))
}

func TestSetFeaturedStateIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "formatter", owner)

	first, err := f.svc.SetFeaturedState(ctx, created.ID, "feature")
	require.NoError(t, err)
	second, err := f.svc.SetFeaturedState(ctx, created.ID, "feature")
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.True(t, second.Featured)

	_, err = f.svc.SetFeaturedState(ctx, created.ID, "star")
	assert.True(t, errors.Is(err, marketplace.ErrInvalidState))
}

func TestCustomTransitions(t *testing.T) {
	f := newFixture(t, marketplace.WithTransitions(marketplace.Transitions{
		Publish: marketplace.TransitionCommands{On: "approve", Off: "reject"},
		Feature: marketplace.DefaultFeatureCommands,
	}))
	ctx := context.Background()
	created := f.create(t, "formatter", owner)

	view, err := f.svc.SetPublishedState(ctx, created.ID, "approve")
	require.NoError(t, err)
	assert.False(t, view.Pending)

	_, err = f.svc.SetPublishedState(ctx, created.ID, "publish")
	assert.True(t, errors.Is(err, marketplace.ErrInvalidState))
}

func TestFindByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "formatter", owner)

	_, err := f.svc.FindByID(ctx, created.ID, marketplace.Anonymous())
	assert.True(t, errors.Is(err, marketplace.ErrUnavailable))

	_, err = f.svc.FindByID(ctx, created.ID, marketplace.AsActor(stranger))
	assert.True(t, errors.Is(err, marketplace.ErrUnavailable))

	_, err = f.svc.FindByID(ctx, created.ID, marketplace.AsActor(owner))
	assert.NoError(t, err)

	f.publish(t, created.ID)
	_, err = f.svc.FindByID(ctx, created.ID, marketplace.Anonymous())
	assert.NoError(t, err)

	inactive := owner
	inactive.Active = false
	f.store.PutActor(inactive)

	_, err = f.svc.FindByID(ctx, created.ID, marketplace.Anonymous())
	assert.True(t, errors.Is(err, marketplace.ErrUnavailable))
	_, err = f.svc.FindByID(ctx, created.ID, marketplace.AsActor(admin))
	assert.NoError(t, err)

	for _, req := range []marketplace.Requester{marketplace.Anonymous(), marketplace.AsActor(admin)} {
		_, err = f.svc.FindByID(ctx, 999, req)
		assert.True(t, errors.Is(err, marketplace.ErrNotFound))
	}
}

func TestIncreaseDownloadCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "formatter", owner)

	_, err := f.svc.IncreaseDownloadCount(ctx, created.ID)
	assert.True(t, errors.Is(err, marketplace.ErrUnavailable))

	got, err := f.svc.FindByID(ctx, created.ID, marketplace.AsActor(owner))
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.TimesDownloaded)

	f.publish(t, created.ID)
	view, err := f.svc.IncreaseDownloadCount(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.TimesDownloaded)

	view, err = f.svc.IncreaseDownloadCount(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), view.TimesDownloaded)
	assert.Equal(t, 2, f.recorder.downloads)

	_, err = f.svc.IncreaseDownloadCount(ctx, 999)
	assert.True(t, errors.Is(err, marketplace.ErrNotFound))
}

func TestIncreaseDownloadCount_WithoutAtomicIncrement(t *testing.T) {
	store := memory.New()
	store.PutActor(owner)
	svc := marketplace.NewService(saveOnlyStore{store}, store, tags.NewResolver(), &fakeMetadata{},
		marketplace.WithLogger(logrus.New()))
	ctx := context.Background()

	created, err := svc.Create(ctx, marketplace.ExtensionSpec{Name: "x"}, owner.ID)
	require.NoError(t, err)
	_, err = svc.SetPublishedState(ctx, created.ID, "publish")
	require.NoError(t, err)

	view, err := svc.IncreaseDownloadCount(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), view.TimesDownloaded)
}

func TestFindAll(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 21; i++ {
		v := f.create(t, "ext-"+string(rune('a'+i)), owner)
		f.publish(t, v.ID)
	}
	f.create(t, "ext-pending", owner)

	page, err := f.svc.FindAll(ctx, "", "name", 3, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(21), page.TotalResults)
	assert.Equal(t, 3, page.TotalPages)
	assert.Equal(t, 3, page.CurrentPage)
	require.Len(t, page.Extensions, 1)
	assert.Equal(t, "ext-u", page.Extensions[0].Name)

	_, err = f.svc.FindAll(ctx, "", "name", 5, 10)
	assert.True(t, errors.Is(err, marketplace.ErrInvalidParameter))

	_, err = f.svc.FindAll(ctx, "", "rating", 1, 10)
	assert.True(t, errors.Is(err, marketplace.ErrInvalidParameter))

	empty, err := f.svc.FindAll(ctx, "no-such-name", "name", 5, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(0), empty.TotalResults)
	assert.Empty(t, empty.Extensions)
	assert.NotNil(t, empty.Extensions)

	_, err = f.svc.FindAll(ctx, "no-such-name", "rating", 1, 10)
	assert.True(t, errors.Is(err, marketplace.ErrInvalidParameter), "sort key is checked even for empty listings")
}

func TestFindAll_PageSizeCap(t *testing.T) {
	f := newFixture(t, marketplace.WithPaginator(marketplace.NewPaginator(marketplace.SupportedSortKeys, 5)))

	_, err := f.svc.FindAll(context.Background(), "", "date", 1, 6)
	assert.True(t, errors.Is(err, marketplace.ErrInvalidParameter))
}

func TestFindPendingAndFeatured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.create(t, "a", owner)
	b := f.create(t, "b", owner)
	f.publish(t, b.ID)
	_, err := f.svc.SetFeaturedState(ctx, b.ID, "feature")
	require.NoError(t, err)

	pending, err := f.svc.FindPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, a.ID, pending[0].ID)

	featured, err := f.svc.FindFeatured(ctx)
	require.NoError(t, err)
	require.Len(t, featured, 1)
	assert.Equal(t, b.ID, featured[0].ID)
}

func TestFetchMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "formatter", owner)

	_, err := f.svc.FetchMetadata(ctx, created.ID, owner.ID)
	assert.True(t, errors.Is(err, marketplace.ErrUnauthorized))

	view, err := f.svc.FetchMetadata(ctx, created.ID, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.OpenIssues, "second resolver call")

	bare, err := f.svc.Create(ctx, marketplace.ExtensionSpec{Name: "bare"}, owner.ID)
	require.NoError(t, err)
	_, err = f.svc.FetchMetadata(ctx, bare.ID, admin.ID)
	assert.True(t, errors.Is(err, marketplace.ErrInvalidParameter))

	_, err = f.svc.FetchMetadata(ctx, 999, admin.ID)
	assert.True(t, errors.Is(err, marketplace.ErrNotFound))
}

func TestFetchMetadata_BypassesResolverCache(t *testing.T) {
	store := memory.New()
	for _, a := range []marketplace.Actor{owner, admin} {
		store.PutActor(a)
	}
	logger, _ := test.NewNullLogger()
	metadata := &cachingMetadata{fakeMetadata: fakeMetadata{fail: map[string]error{}}, cached: map[string]marketplace.RepositoryMetadata{}}
	svc := marketplace.NewService(store, store, tags.NewResolver(), metadata, marketplace.WithLogger(logger))
	ctx := context.Background()

	created, err := svc.Create(ctx, marketplace.ExtensionSpec{Name: "formatter", Github: "https://github.com/acme/formatter"}, owner.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, created.OpenIssues)

	view, err := svc.FetchMetadata(ctx, created.ID, admin.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, view.OpenIssues)
	assert.Equal(t, 1, metadata.refreshes)

	_, err = svc.SetPublishedState(ctx, created.ID, "publish")
	require.NoError(t, err)
	report, err := svc.RefreshAllMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Refreshed)
	assert.Equal(t, 2, metadata.refreshes)

	found, err := svc.FindByID(ctx, created.ID, marketplace.Anonymous())
	require.NoError(t, err)
	assert.Equal(t, 3, found.OpenIssues)
}

func TestRefreshAllMetadata(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	good := f.create(t, "good", owner)
	bad := f.create(t, "bad", owner)
	pending := f.create(t, "pending", owner)
	bare, err := f.svc.Create(ctx, marketplace.ExtensionSpec{Name: "bare"}, owner.ID)
	require.NoError(t, err)
	for _, id := range []int64{good.ID, bad.ID, bare.ID} {
		f.publish(t, id)
	}
	f.metadata.fail["https://github.com/acme/bad"] = errors.New("not found upstream")
	f.metadata.calls = nil

	report, err := f.svc.RefreshAllMetadata(ctx)
	require.NoError(t, err)
	assert.Equal(t, marketplace.RefreshReport{Checked: 2, Refreshed: 1, Failed: 1}, report)
	assert.NotContains(t, f.metadata.calls, "https://github.com/acme/"+pending.Name)

	var warned bool
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Data["extension_id"] == bad.ID {
			warned = true
		}
	}
	assert.True(t, warned, "failed refresh is logged")
}

func TestArtifacts(t *testing.T) {
	artifacts, err := storage.NewFileSystemArtifactStore(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, marketplace.WithArtifactStore(artifacts))
	ctx := context.Background()
	created := f.create(t, "formatter", owner)

	_, err = f.svc.UploadArtifact(ctx, created.ID, stranger.ID, strings.NewReader("zip"), "application/zip")
	assert.True(t, errors.Is(err, marketplace.ErrUnauthorized))

	_, _, _, err = f.svc.DownloadArtifact(ctx, created.ID)
	assert.True(t, errors.Is(err, marketplace.ErrUnavailable))

	f.publish(t, created.ID)
	_, _, _, err = f.svc.DownloadArtifact(ctx, created.ID)
	assert.True(t, errors.Is(err, marketplace.ErrNotFound), "no package uploaded yet")

	view, err := f.svc.UploadArtifact(ctx, created.ID, owner.ID, strings.NewReader("zip"), "application/zip")
	require.NoError(t, err)
	assert.True(t, view.HasArtifact)
	assert.Equal(t, int64(3), view.ArtifactSize)

	counted, artifact, body, err := f.svc.DownloadArtifact(ctx, created.ID)
	require.NoError(t, err)
	data, err := io.ReadAll(body)
	require.NoError(t, err)
	require.NoError(t, body.Close())
	assert.Equal(t, "zip", string(data))
	assert.Equal(t, "application/zip", artifact.ContentType)
	assert.Equal(t, int64(1), counted.TimesDownloaded)

	require.NoError(t, f.svc.Delete(ctx, created.ID, owner.ID))
	_, err = artifacts.Open(ctx, artifact)
	assert.Error(t, err, "package is removed with the extension")
}

func TestArtifacts_NotConfigured(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created := f.create(t, "formatter", owner)
	f.publish(t, created.ID)

	_, err := f.svc.UploadArtifact(ctx, created.ID, owner.ID, strings.NewReader("x"), "")
	assert.True(t, errors.Is(err, marketplace.ErrInvalidState))

	_, _, _, err = f.svc.DownloadArtifact(ctx, created.ID)
	assert.True(t, errors.Is(err, marketplace.ErrInvalidState))

	_, _, _, err = f.svc.DownloadArtifact(ctx, 999)
	assert.True(t, errors.Is(err, marketplace.ErrNotFound), "unknown id wins over missing storage")

	_, err = f.svc.UploadArtifact(ctx, 999, owner.ID, strings.NewReader("x"), "")
	assert.True(t, errors.Is(err, marketplace.ErrNotFound))
}

// failingDeleteStore refuses to delete records
type failingDeleteStore struct {
	*memory.Store
}

func (failingDeleteStore) Delete(context.Context, marketplace.Extension) error {
	return errors.New("connection reset")
}

// failingArtifacts wraps a store whose deletes fail
type failingArtifacts struct {
	marketplace.ArtifactStore
}

func (failingArtifacts) Delete(context.Context, marketplace.Artifact) error {
	return errors.New("bucket unavailable")
}

func TestDelete_PackageOutlivesFailedRecordDelete(t *testing.T) {
	artifacts, err := storage.NewFileSystemArtifactStore(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, marketplace.WithArtifactStore(artifacts))
	ctx := context.Background()
	created := f.create(t, "formatter", owner)
	f.publish(t, created.ID)
	_, err = f.svc.UploadArtifact(ctx, created.ID, owner.ID, strings.NewReader("zip"), "application/zip")
	require.NoError(t, err)

	logger, _ := test.NewNullLogger()
	broken := marketplace.NewService(failingDeleteStore{f.store}, f.store, tags.NewResolver(), f.metadata,
		marketplace.WithLogger(logger), marketplace.WithArtifactStore(artifacts))
	require.Error(t, broken.Delete(ctx, created.ID, owner.ID))

	_, _, body, err := f.svc.DownloadArtifact(ctx, created.ID)
	require.NoError(t, err, "record and package are still consistent")
	require.NoError(t, body.Close())
}

func TestDelete_PackageFailureIsLogged(t *testing.T) {
	artifacts, err := storage.NewFileSystemArtifactStore(t.TempDir())
	require.NoError(t, err)
	f := newFixture(t, marketplace.WithArtifactStore(failingArtifacts{artifacts}))
	ctx := context.Background()
	created := f.create(t, "formatter", owner)
	_, err = f.svc.UploadArtifact(ctx, created.ID, owner.ID, strings.NewReader("zip"), "application/zip")
	require.NoError(t, err)

	require.NoError(t, f.svc.Delete(ctx, created.ID, owner.ID))
	_, err = f.svc.FindByID(ctx, created.ID, marketplace.AsActor(admin))
	assert.True(t, errors.Is(err, marketplace.ErrNotFound))

	var warned bool
	for _, e := range f.logs.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "failed to delete extension package" {
			warned = true
		}
	}
	assert.True(t, warned)
}
