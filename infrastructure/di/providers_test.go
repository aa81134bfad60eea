package di

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"graphcollab/application/broadcast"
	"graphcollab/application/presence"
	"graphcollab/application/reconcile"
	"graphcollab/application/session"
	"graphcollab/infrastructure/config"
	"graphcollab/infrastructure/persistence/memory"
)

func TestInitializeContainer_MemoryBackend(t *testing.T) {
	// Arrange
	t.Setenv("AWS_ACCESS_KEY_ID", "test")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "test")
	cfg := config.Defaults()
	cfg.EnableMetrics = true
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Act
	container, cleanup, err := InitializeContainer(ctx, cfg)
	require.NoError(t, err)
	defer cleanup()
	container.Start(ctx)
	defer container.Shutdown(context.Background())

	// Assert
	assert.IsType(t, &memory.Store{}, container.Store)
	assert.Nil(t, container.Watcher)

	handler := container.Router.Setup()
	for _, path := range []string{"/health", "/ready", "/metrics"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		assert.Equal(t, http.StatusOK, rec.Code, path)
	}
}

func TestProvideValidator_DevelopmentFallback(t *testing.T) {
	cfg := config.Defaults()

	validator, err := ProvideValidator(cfg, zap.NewNop())

	require.NoError(t, err)
	token, err := validator.Issue("alice", "", nil)
	require.NoError(t, err)
	user, err := validator.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", user.UserID)
}

func TestProvideValidator_ProductionNeedsSecret(t *testing.T) {
	cfg := config.Defaults()
	cfg.Environment = "production"

	_, err := ProvideValidator(cfg, zap.NewNop())

	assert.Error(t, err)
}

func TestProvideLogLevel(t *testing.T) {
	cfg := config.Defaults()
	cfg.LogLevel = "debug"
	assert.Equal(t, zapcore.DebugLevel, ProvideLogLevel(cfg).Level())

	cfg.LogLevel = "loud"
	assert.Equal(t, zapcore.InfoLevel, ProvideLogLevel(cfg).Level())
}

func TestProvideWatcher_AppliesLiveTunables(t *testing.T) {
	// Arrange
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logLevel: info\ncollab:\n  presenceTTL: 30s\n"), 0o600))
	cfg := config.Defaults()
	cfg.ConfigFile = path
	level := ProvideLogLevel(cfg)
	logger := zap.NewNop()
	bus := broadcast.NewBus(4, logger)
	tracker := presence.NewTracker(bus, nil, cfg.Collab.PresenceTTL, logger)
	store := memory.NewStore(nil, logger)
	sessions := session.NewManager(store, bus, tracker, reconcile.NewApplier(store, 2, logger), nil, session.DefaultSettings(), logger)

	watcher, cleanup, err := ProvideWatcher(cfg, level, tracker, sessions, logger)
	require.NoError(t, err)
	defer cleanup()
	watcher.Start()

	// Act
	require.NoError(t, os.WriteFile(path, []byte("logLevel: warn\ncollab:\n  presenceTTL: 45s\n"), 0o600))

	// Assert
	assert.Eventually(t, func() bool {
		return tracker.TTL() == 45*time.Second &&
			sessions.LivenessHorizon() == 45*time.Second &&
			level.Level() == zapcore.WarnLevel
	}, 2*time.Second, 20*time.Millisecond)
}

func TestProvideWatcher_NoFile(t *testing.T) {
	watcher, cleanup, err := ProvideWatcher(config.Defaults(), ProvideLogLevel(config.Defaults()), nil, nil, zap.NewNop())

	require.NoError(t, err)
	assert.Nil(t, watcher)
	cleanup()
}
