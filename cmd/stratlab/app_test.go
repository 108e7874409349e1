package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stratlab/internal/config"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.App.Env = "test"
	cfg.Server.Mode = "test"
	cfg.Logging.Output = "discard"
	cfg.Storage.Path = filepath.Join(t.TempDir(), "runs.db")
	return cfg
}

func TestAppWiring(t *testing.T) {
	app, err := NewApp(testConfig(t), "")
	require.NoError(t, err)
	require.NotNil(t, app.runs)

	rec := httptest.NewRecorder()
	app.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "database")

	rec = httptest.NewRecorder()
	app.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")

	app.prune()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, app.Shutdown(ctx))
}

func TestAppWithoutStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Enabled = false

	app, err := NewApp(cfg, "")
	require.NoError(t, err)
	assert.Nil(t, app.db)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, app.Shutdown(ctx))
}

func TestAppLoadsRecurringRuns(t *testing.T) {
	cfg, err := config.Load("../../configs/config.yaml")
	require.NoError(t, err)
	cfg.Logging.Output = "discard"
	cfg.Server.Mode = "test"
	cfg.Storage.Enabled = false

	app, err := NewApp(cfg, "../../configs/config.yaml")
	require.NoError(t, err)

	list := app.recurrer.List()
	require.Len(t, list, 1)
	assert.Equal(t, "nightly-sma-cross", list[0].Name)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, app.Shutdown(ctx))
}
