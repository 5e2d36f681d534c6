package postgres

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/plughub/pkg/marketplace"
)

func pingMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	return db, mock
}

func TestParseReplicaURLs(t *testing.T) {
	assert.Nil(t, ParseReplicaURLs(""))
	assert.Equal(t,
		[]string{"postgres://r1/db", "postgres://r2/db"},
		ParseReplicaURLs(" postgres://r1/db, ,postgres://r2/db "),
	)
}

func TestConnectionManager_Replica(t *testing.T) {
	logger, _ := test.NewNullLogger()
	primary, _ := pingMock(t)
	r1, _ := pingMock(t)
	r2, _ := pingMock(t)

	t.Run("falls back to primary", func(t *testing.T) {
		cm := NewConnectionManagerFromDB(primary, logger)
		assert.Same(t, primary, cm.Replica())
	})

	t.Run("round robin", func(t *testing.T) {
		cm := NewConnectionManagerFromDB(primary, logger, r1, r2)
		seen := map[*sql.DB]int{}
		for i := 0; i < 4; i++ {
			seen[cm.Replica()]++
		}
		assert.Equal(t, map[*sql.DB]int{r1: 2, r2: 2}, seen)
	})
}

func TestConnectionManager_ReadsUseReplica(t *testing.T) {
	logger, _ := test.NewNullLogger()
	primary, primaryMock, err := sqlmock.New()
	require.NoError(t, err)
	replica, replicaMock, err := sqlmock.New()
	require.NoError(t, err)

	store := NewStore(NewConnectionManagerFromDB(primary, logger, replica), logger)

	replicaMock.ExpectQuery(`SELECT COUNT`).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(0)))
	_, err = store.CountMatching(context.Background(), "")
	require.NoError(t, err)

	primaryMock.ExpectExec(`DELETE FROM extensions`).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, store.Delete(context.Background(), marketplace.Extension{ID: 1}))

	assert.NoError(t, primaryMock.ExpectationsWereMet())
	assert.NoError(t, replicaMock.ExpectationsWereMet())
}

func TestConnectionManager_HealthCheck(t *testing.T) {
	logger, _ := test.NewNullLogger()

	t.Run("healthy", func(t *testing.T) {
		primary, pm := pingMock(t)
		replica, rm := pingMock(t)
		pm.ExpectPing()
		rm.ExpectPing()

		cm := NewConnectionManagerFromDB(primary, logger, replica)
		assert.NoError(t, cm.HealthCheck(context.Background()))
	})

	t.Run("primary down", func(t *testing.T) {
		primary, pm := pingMock(t)
		pm.ExpectPing().WillReturnError(errors.New("refused"))

		cm := NewConnectionManagerFromDB(primary, logger)
		assert.ErrorContains(t, cm.HealthCheck(context.Background()), "primary unhealthy")
	})

	t.Run("all replicas down", func(t *testing.T) {
		primary, pm := pingMock(t)
		replica, rm := pingMock(t)
		pm.ExpectPing()
		rm.ExpectPing().WillReturnError(errors.New("refused"))

		cm := NewConnectionManagerFromDB(primary, logger, replica)
		assert.ErrorContains(t, cm.HealthCheck(context.Background()), "all replicas unhealthy")
	})
}

func TestConnectionManager_RemoveUnhealthyReplicas(t *testing.T) {
	logger, _ := test.NewNullLogger()
	primary, _ := pingMock(t)
	good, gm := pingMock(t)
	bad, bm := pingMock(t)
	gm.ExpectPing()
	bm.ExpectPing().WillReturnError(errors.New("refused"))
	bm.ExpectClose()

	cm := NewConnectionManagerFromDB(primary, logger, good, bad)
	assert.Equal(t, 1, cm.RemoveUnhealthyReplicas(context.Background()))
	assert.Same(t, good, cm.Replica())
}
