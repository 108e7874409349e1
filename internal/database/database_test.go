package database

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "stratlab/internal/errors"
	"stratlab/internal/logger"
	"stratlab/internal/types"
)

var created = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func openSQLite(t *testing.T, maxPayload int) *DB {
	t.Helper()
	db, err := NewConnection(&Config{
		Driver:          DriverSQLite,
		Path:            filepath.Join(t.TempDir(), "runs.db"),
		MaxPayloadBytes: maxPayload,
	}, logger.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	m, err := NewMigrator(db)
	require.NoError(t, err)
	require.NoError(t, m.Up())
	require.NoError(t, m.Close())
	return db
}

func sampleRun(id string, status types.RunStatus, offset time.Duration) *types.BacktestRun {
	at := created.Add(offset)
	run := &types.BacktestRun{
		ID:        id,
		GraphHash: "abc123",
		Graph:     []byte(`{"nodes":[]}`),
		Config: types.RunConfig{
			Symbol:    "BTCUSDT",
			Timeframe: types.Timeframe1h,
			Start:     created.AddDate(0, -1, 0),
			End:       created,
			Priority:  types.PriorityInteractive,
		},
		Status:      types.RunStatusQueued,
		CreatedAt:   at,
		Transitions: []types.StatusTransition{{To: types.RunStatusQueued, At: at}},
	}
	if status != types.RunStatusQueued {
		run.Status = status
		run.FinishedAt = &at
	}
	return run
}

func TestRebind(t *testing.T) {
	pg := &DB{config: &Config{Driver: DriverPostgres}}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", pg.Rebind("SELECT a FROM t WHERE x = ? AND y = ?"))

	lite := &DB{config: &Config{Driver: DriverSQLite}}
	assert.Equal(t, "WHERE x = ?", lite.Rebind("WHERE x = ?"))
}

func TestSQLiteDSN(t *testing.T) {
	cfg := &Config{Driver: DriverSQLite, Path: "/tmp/runs.db"}
	assert.True(t, strings.HasPrefix(cfg.DSN(), "file:/tmp/runs.db?"))

	cfg.setDefaults()
	assert.Equal(t, 1, cfg.MaxOpen)
	assert.Equal(t, 16<<20, cfg.MaxPayloadBytes)
}

func TestMigratorVersion(t *testing.T) {
	db := openSQLite(t, 0)
	m, err := NewMigrator(db)
	require.NoError(t, err)
	defer m.Close()

	v, err := m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(1), v)

	// re-running is a no-op
	require.NoError(t, m.Up())

	require.NoError(t, m.Down())
	v, err = m.Version()
	require.NoError(t, err)
	assert.Equal(t, uint(0), v)

	require.NoError(t, db.HealthCheck(context.Background()))
}

func TestRunRepositoryRoundTrip(t *testing.T) {
	repo := NewRunRepository(openSQLite(t, 0))
	ctx := context.Background()

	run := sampleRun("r1", types.RunStatusQueued, 0)
	require.NoError(t, repo.Save(ctx, run))

	got, err := repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusQueued, got.Status)
	assert.Equal(t, "BTCUSDT", got.Config.Symbol)
	assert.True(t, got.CreatedAt.Equal(run.CreatedAt))
	assert.JSONEq(t, `{"nodes":[]}`, string(got.Graph))

	// upsert to terminal with results
	finished := created.Add(time.Minute)
	require.NoError(t, run.Transition(types.RunStatusPreparing, "", finished))
	require.NoError(t, run.Transition(types.RunStatusRunning, "", finished))
	require.NoError(t, run.Transition(types.RunStatusCompleted, "", finished))
	run.Metrics = &types.Metrics{TradeCount: 2, TotalPnL: 12.5}
	run.Trades = []types.Trade{{PnL: 10}, {PnL: 2.5}}
	run.Progress = 100
	require.NoError(t, repo.Save(ctx, run))

	got, err = repo.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, types.RunStatusCompleted, got.Status)
	require.NotNil(t, got.Metrics)
	assert.Equal(t, 12.5, got.Metrics.TotalPnL)
	assert.Len(t, got.Trades, 2)
	assert.Len(t, got.Transitions, 4)
	require.NotNil(t, got.FinishedAt)
	assert.True(t, got.FinishedAt.Equal(finished))

	_, err = repo.Get(ctx, "missing")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRunNotFound))
}

func TestRunRepositoryList(t *testing.T) {
	repo := NewRunRepository(openSQLite(t, 0))
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleRun("a", types.RunStatusCompleted, 0)))
	require.NoError(t, repo.Save(ctx, sampleRun("b", types.RunStatusFailed, time.Minute)))
	require.NoError(t, repo.Save(ctx, sampleRun("c", types.RunStatusCompleted, 2*time.Minute)))
	require.NoError(t, repo.Save(ctx, sampleRun("d", types.RunStatusQueued, 3*time.Minute)))

	all, err := repo.List(ctx, types.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 4)
	assert.Equal(t, "d", all[0].ID)
	assert.Equal(t, "a", all[3].ID)

	completed, err := repo.List(ctx, types.RunFilter{Status: types.RunStatusCompleted})
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, "c", completed[0].ID)
	assert.Equal(t, "a", completed[1].ID)

	limited, err := repo.List(ctx, types.RunFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, limited, 2)
	assert.Equal(t, "c", limited[1].ID)
}

func TestRunRepositoryPayloadLimit(t *testing.T) {
	repo := NewRunRepository(openSQLite(t, 2048))
	ctx := context.Background()

	run := sampleRun("big", types.RunStatusCompleted, 0)
	for i := range 100 {
		run.Trades = append(run.Trades, types.Trade{PnL: float64(i)})
	}
	err := repo.Save(ctx, run)
	require.True(t, apperrors.HasCode(err, apperrors.ErrCodePayloadTooLarge))

	_, err = repo.Get(ctx, "big")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeRunNotFound))

	run.StripPayload()
	require.NoError(t, repo.Save(ctx, run))
	got, err := repo.Get(ctx, "big")
	require.NoError(t, err)
	assert.Empty(t, got.Trades)
}

func TestRunRepositoryPrune(t *testing.T) {
	repo := NewRunRepository(openSQLite(t, 0))
	ctx := context.Background()

	require.NoError(t, repo.Save(ctx, sampleRun("old", types.RunStatusCompleted, 0)))
	require.NoError(t, repo.Save(ctx, sampleRun("new", types.RunStatusCompleted, 48*time.Hour)))
	require.NoError(t, repo.Save(ctx, sampleRun("live", types.RunStatusQueued, 0)))

	n, err := repo.PruneFinished(ctx, created.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	runs, err := repo.List(ctx, types.RunFilter{})
	require.NoError(t, err)
	var ids []string
	for _, r := range runs {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{"new", "live"}, ids)
}
