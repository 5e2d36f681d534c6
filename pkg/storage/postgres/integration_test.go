//go:build integration

package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/platinummonkey/plughub/pkg/marketplace"
)

func setupPostgres(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:15-alpine",
		tcpostgres.WithDatabase("plughub_test"),
		tcpostgres.WithUsername("plughub"),
		tcpostgres.WithPassword("plughub_test_password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := container.Terminate(cleanupCtx); err != nil {
			t.Logf("Warning: failed to terminate container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	db, err := sql.Open("postgres", connStr)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.PingContext(ctx))
	require.NoError(t, Migrate(ctx, db))
	require.NoError(t, Migrate(ctx, db), "migrations are idempotent")

	logger, _ := test.NewNullLogger()
	return NewStore(NewConnectionManagerFromDB(db, logger), logger)
}

func TestStore_Integration(t *testing.T) {
	store := setupPostgres(t)
	ctx := context.Background()

	alice := marketplace.Actor{ID: 1, Username: "alice", Role: marketplace.RoleRegular, Active: true}
	ghost := marketplace.Actor{ID: 2, Username: "ghost", Role: marketplace.RoleRegular, Active: false}
	require.NoError(t, store.PutActor(ctx, alice))
	require.NoError(t, store.PutActor(ctx, ghost))

	save := func(name string, owner marketplace.Actor, pending bool, downloads int64) marketplace.Extension {
		ext, err := store.Save(ctx, marketplace.Extension{
			Name:            name,
			Version:         "1.0.0",
			Pending:         pending,
			UploadDate:      time.Now().UTC().Truncate(time.Microsecond),
			TimesDownloaded: downloads,
			Owner:           owner,
			Tags:            []marketplace.Tag{{Name: "go"}},
			Metadata:        &marketplace.RepositoryMetadata{Link: "https://github.com/acme/" + name},
		})
		require.NoError(t, err)
		return ext
	}

	formatter := save("Formatter", alice, false, 5)
	save("linter", alice, false, 9)
	save("format-draft", alice, true, 0)
	save("format-ghost", ghost, false, 0)

	got, found, err := store.Get(ctx, formatter.ID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, alice, got.Owner)
	assert.Equal(t, []marketplace.Tag{{Name: "go"}}, got.Tags)
	assert.Equal(t, "https://github.com/acme/Formatter", got.RepositoryLink())

	total, err := store.CountMatching(ctx, "FORMAT")
	require.NoError(t, err)
	assert.Equal(t, int64(1), total, "pending and inactive-owner extensions are not listed")

	page, err := store.ListMatching(ctx, "", marketplace.SortByDownloads, 0, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, "linter", page[0].Name)

	updated, err := store.IncrementDownloads(ctx, formatter.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(6), updated.TimesDownloaded)

	pending, err := store.ListWhere(ctx, marketplace.FlagPending)
	require.NoError(t, err)
	assert.Len(t, pending, 1)

	require.NoError(t, store.Delete(ctx, formatter))
	_, found, err = store.Get(ctx, formatter.ID)
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, store.HealthCheck(ctx))
}
