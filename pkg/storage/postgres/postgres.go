// Package postgres provides the PostgreSQL extension and actor store, a Redis
// read-through cache in front of it and an S3 artifact store.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/platinummonkey/plughub/pkg/marketplace"
)

var tracer = otel.Tracer("plughub/storage/postgres")

const extensionColumns = `e.id, e.name, e.version, e.description, e.pending, e.featured,
	e.upload_date, e.times_downloaded, e.tags,
	e.github_link, e.last_commit, e.open_issues, e.pull_requests, e.metadata_fetched_at,
	e.artifact_key, e.artifact_content_type, e.artifact_size, e.artifact_checksum,
	u.id, u.username, u.role, u.is_active`

const extensionFrom = ` FROM extensions e JOIN users u ON u.id = e.owner_id`

// listed restricts queries to extensions the public listing may show
const listed = ` WHERE e.pending = FALSE AND u.is_active AND e.name ILIKE $1`

var orderings = map[marketplace.SortKey]string{
	marketplace.SortByName:      "LOWER(e.name) ASC",
	marketplace.SortByDate:      "e.upload_date DESC",
	marketplace.SortByDownloads: "e.times_downloaded DESC",
	marketplace.SortByCommits:   "e.last_commit DESC NULLS LAST",
}

// Store implements marketplace.ExtensionStore, marketplace.ActorStore and
// marketplace.DownloadIncrementer on PostgreSQL. Reads go to a replica when one
// is configured.
type Store struct {
	conns  *ConnectionManager
	logger logrus.FieldLogger
}

// NewStore creates a store over the given connections
func NewStore(conns *ConnectionManager, logger logrus.FieldLogger) *Store {
	return &Store{conns: conns, logger: logger}
}

// Get implements marketplace.ExtensionStore
func (s *Store) Get(ctx context.Context, id int64) (ext marketplace.Extension, found bool, err error) {
	ctx, span := startSpan(ctx, "Get", attribute.Int64("extension.id", id))
	defer func() { endSpan(span, err) }()

	row := s.conns.Replica().QueryRowContext(ctx, `SELECT `+extensionColumns+extensionFrom+` WHERE e.id = $1`, id)
	ext, err = scanExtension(row)
	if errors.Is(err, sql.ErrNoRows) {
		return marketplace.Extension{}, false, nil
	}
	if err != nil {
		return marketplace.Extension{}, false, fmt.Errorf("failed to get extension %d: %w", id, err)
	}
	return ext, true, nil
}

// Save implements marketplace.ExtensionStore
func (s *Store) Save(ctx context.Context, ext marketplace.Extension) (_ marketplace.Extension, err error) {
	ctx, span := startSpan(ctx, "Save", attribute.Int64("extension.id", ext.ID))
	defer func() { endSpan(span, err) }()

	m := metadataColumns(ext.Metadata)
	a := artifactColumns(ext.Artifact)
	args := []interface{}{
		ext.Name, ext.Version, ext.Description, ext.Pending, ext.Featured,
		ext.UploadDate, ext.TimesDownloaded, ext.Owner.ID, pq.Array(tagNames(ext.Tags)),
		m.link, m.lastCommit, m.openIssues, m.pullRequests, m.fetchedAt,
		a.key, a.contentType, a.size, a.checksum,
	}

	db := s.conns.Primary()
	if ext.ID == 0 {
		query := `
			INSERT INTO extensions (
				name, version, description, pending, featured,
				upload_date, times_downloaded, owner_id, tags,
				github_link, last_commit, open_issues, pull_requests, metadata_fetched_at,
				artifact_key, artifact_content_type, artifact_size, artifact_checksum
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			RETURNING id
		`
		if err := db.QueryRowContext(ctx, query, args...).Scan(&ext.ID); err != nil {
			return marketplace.Extension{}, fmt.Errorf("failed to insert extension: %w", err)
		}
		return ext, nil
	}

	query := `
		UPDATE extensions SET
			name = $1, version = $2, description = $3, pending = $4, featured = $5,
			upload_date = $6, times_downloaded = $7, owner_id = $8, tags = $9,
			github_link = $10, last_commit = $11, open_issues = $12, pull_requests = $13,
			metadata_fetched_at = $14, artifact_key = $15, artifact_content_type = $16,
			artifact_size = $17, artifact_checksum = $18
		WHERE id = $19
	`
	res, err := db.ExecContext(ctx, query, append(args, ext.ID)...)
	if err != nil {
		return marketplace.Extension{}, fmt.Errorf("failed to update extension %d: %w", ext.ID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return marketplace.Extension{}, fmt.Errorf("extension %d does not exist", ext.ID)
	}
	return ext, nil
}

// Delete implements marketplace.ExtensionStore
func (s *Store) Delete(ctx context.Context, ext marketplace.Extension) (err error) {
	ctx, span := startSpan(ctx, "Delete", attribute.Int64("extension.id", ext.ID))
	defer func() { endSpan(span, err) }()

	if _, err := s.conns.Primary().ExecContext(ctx, `DELETE FROM extensions WHERE id = $1`, ext.ID); err != nil {
		return fmt.Errorf("failed to delete extension %d: %w", ext.ID, err)
	}
	return nil
}

// IncrementDownloads implements marketplace.DownloadIncrementer with a single
// UPDATE so concurrent downloads are never lost
func (s *Store) IncrementDownloads(ctx context.Context, id int64) (ext marketplace.Extension, err error) {
	ctx, span := startSpan(ctx, "IncrementDownloads", attribute.Int64("extension.id", id))
	defer func() { endSpan(span, err) }()

	query := `
		WITH e AS (
			UPDATE extensions SET times_downloaded = times_downloaded + 1
			WHERE id = $1
			RETURNING *
		)
		SELECT ` + extensionColumns + ` FROM e JOIN users u ON u.id = e.owner_id`

	ext, err = scanExtension(s.conns.Primary().QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return marketplace.Extension{}, fmt.Errorf("%w: extension %d", marketplace.ErrNotFound, id)
	}
	if err != nil {
		return marketplace.Extension{}, fmt.Errorf("failed to increment downloads of %d: %w", id, err)
	}
	return ext, nil
}

// CountMatching implements marketplace.ExtensionStore
func (s *Store) CountMatching(ctx context.Context, nameFilter string) (total int64, err error) {
	ctx, span := startSpan(ctx, "CountMatching", attribute.String("filter", nameFilter))
	defer func() { endSpan(span, err) }()

	query := `SELECT COUNT(*)` + extensionFrom + listed
	if err := s.conns.Replica().QueryRowContext(ctx, query, likePattern(nameFilter)).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to count extensions: %w", err)
	}
	return total, nil
}

// ListMatching implements marketplace.ExtensionStore
func (s *Store) ListMatching(ctx context.Context, nameFilter string, sortKey marketplace.SortKey, offset, limit int) (_ []marketplace.Extension, err error) {
	ctx, span := startSpan(ctx, "ListMatching",
		attribute.String("filter", nameFilter),
		attribute.String("sort", string(sortKey)),
		attribute.Int("offset", offset),
		attribute.Int("limit", limit),
	)
	defer func() { endSpan(span, err) }()

	order, ok := orderings[sortKey]
	if !ok {
		return nil, fmt.Errorf("%w: unknown sort key %q", marketplace.ErrInvalidParameter, sortKey)
	}

	query := `SELECT ` + extensionColumns + extensionFrom + listed +
		` ORDER BY ` + order + `, e.id ASC LIMIT $2 OFFSET $3`
	return s.query(ctx, query, likePattern(nameFilter), limit, offset)
}

// ListWhere implements marketplace.ExtensionStore
func (s *Store) ListWhere(ctx context.Context, flag marketplace.Flag) (_ []marketplace.Extension, err error) {
	ctx, span := startSpan(ctx, "ListWhere", attribute.String("flag", flag.String()))
	defer func() { endSpan(span, err) }()

	var where string
	switch flag {
	case marketplace.FlagPending:
		where = `e.pending`
	case marketplace.FlagFeatured:
		where = `e.featured`
	case marketplace.FlagPublished:
		where = `NOT e.pending`
	default:
		return nil, fmt.Errorf("unsupported flag: %s", flag)
	}

	return s.query(ctx, `SELECT `+extensionColumns+extensionFrom+` WHERE `+where+` ORDER BY e.id ASC`)
}

// GetActor implements marketplace.ActorStore
func (s *Store) GetActor(ctx context.Context, id int64) (actor marketplace.Actor, found bool, err error) {
	ctx, span := startSpan(ctx, "GetActor", attribute.Int64("actor.id", id))
	defer func() { endSpan(span, err) }()

	var role string
	err = s.conns.Replica().QueryRowContext(ctx,
		`SELECT id, username, role, is_active FROM users WHERE id = $1`, id,
	).Scan(&actor.ID, &actor.Username, &role, &actor.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return marketplace.Actor{}, false, nil
	}
	if err != nil {
		return marketplace.Actor{}, false, fmt.Errorf("failed to get actor %d: %w", id, err)
	}
	if actor.Role, err = marketplace.ParseRole(role); err != nil {
		return marketplace.Actor{}, false, err
	}
	return actor, true, nil
}

// PutActor inserts or replaces an actor. Used for seeding; actors are otherwise
// managed outside the marketplace.
func (s *Store) PutActor(ctx context.Context, a marketplace.Actor) error {
	_, err := s.conns.Primary().ExecContext(ctx, `
		INSERT INTO users (id, username, role, is_active) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET username = EXCLUDED.username, role = EXCLUDED.role, is_active = EXCLUDED.is_active
	`, a.ID, a.Username, string(a.Role), a.Active)
	if err != nil {
		return fmt.Errorf("failed to upsert actor %d: %w", a.ID, err)
	}
	return nil
}

// HealthCheck implements storage.HealthChecker
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.conns.HealthCheck(ctx)
}

// Close closes the underlying connections
func (s *Store) Close() error {
	return s.conns.Close()
}

func (s *Store) query(ctx context.Context, query string, args ...interface{}) ([]marketplace.Extension, error) {
	rows, err := s.conns.Replica().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list extensions: %w", err)
	}
	defer rows.Close()

	out := make([]marketplace.Extension, 0)
	for rows.Next() {
		ext, err := scanExtension(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan extension: %w", err)
		}
		out = append(out, ext)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate extensions: %w", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExtension(row scanner) (marketplace.Extension, error) {
	var (
		ext          marketplace.Extension
		tags         []string
		link         sql.NullString
		lastCommit   sql.NullTime
		openIssues   sql.NullInt64
		pullRequests sql.NullInt64
		fetchedAt    sql.NullTime
		artKey       sql.NullString
		artType      sql.NullString
		artSize      sql.NullInt64
		artChecksum  sql.NullString
		role         string
	)

	err := row.Scan(
		&ext.ID, &ext.Name, &ext.Version, &ext.Description, &ext.Pending, &ext.Featured,
		&ext.UploadDate, &ext.TimesDownloaded, pq.Array(&tags),
		&link, &lastCommit, &openIssues, &pullRequests, &fetchedAt,
		&artKey, &artType, &artSize, &artChecksum,
		&ext.Owner.ID, &ext.Owner.Username, &role, &ext.Owner.Active,
	)
	if err != nil {
		return marketplace.Extension{}, err
	}

	if ext.Owner.Role, err = marketplace.ParseRole(role); err != nil {
		return marketplace.Extension{}, err
	}
	ext.Tags = make([]marketplace.Tag, 0, len(tags))
	for _, name := range tags {
		ext.Tags = append(ext.Tags, marketplace.Tag{Name: name})
	}
	if link.Valid {
		ext.Metadata = &marketplace.RepositoryMetadata{
			Link:         link.String,
			LastCommit:   lastCommit.Time,
			OpenIssues:   int(openIssues.Int64),
			PullRequests: int(pullRequests.Int64),
			FetchedAt:    fetchedAt.Time,
		}
	}
	if artKey.Valid {
		ext.Artifact = &marketplace.Artifact{
			Key:         artKey.String,
			ContentType: artType.String,
			SizeBytes:   artSize.Int64,
			Checksum:    artChecksum.String,
		}
	}
	return ext, nil
}

type metadataRow struct {
	link         sql.NullString
	lastCommit   sql.NullTime
	openIssues   sql.NullInt64
	pullRequests sql.NullInt64
	fetchedAt    sql.NullTime
}

func metadataColumns(m *marketplace.RepositoryMetadata) metadataRow {
	if m == nil {
		return metadataRow{}
	}
	return metadataRow{
		link:         sql.NullString{String: m.Link, Valid: true},
		lastCommit:   nullTime(m.LastCommit),
		openIssues:   sql.NullInt64{Int64: int64(m.OpenIssues), Valid: true},
		pullRequests: sql.NullInt64{Int64: int64(m.PullRequests), Valid: true},
		fetchedAt:    nullTime(m.FetchedAt),
	}
}

type artifactRow struct {
	key         sql.NullString
	contentType sql.NullString
	size        sql.NullInt64
	checksum    sql.NullString
}

func artifactColumns(a *marketplace.Artifact) artifactRow {
	if a == nil {
		return artifactRow{}
	}
	return artifactRow{
		key:         sql.NullString{String: a.Key, Valid: true},
		contentType: sql.NullString{String: a.ContentType, Valid: true},
		size:        sql.NullInt64{Int64: a.SizeBytes, Valid: true},
		checksum:    sql.NullString{String: a.Checksum, Valid: true},
	}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func tagNames(tags []marketplace.Tag) []string {
	names := make([]string, len(tags))
	for i, t := range tags {
		names[i] = t.Name
	}
	return names
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// likePattern matches names containing filter anywhere
func likePattern(filter string) string {
	return "%" + likeEscaper.Replace(filter) + "%"
}

func startSpan(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs, attribute.String("db.system", "postgresql"), attribute.String("db.operation", op))
	return tracer.Start(ctx, "Postgres."+op, trace.WithAttributes(attrs...))
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
