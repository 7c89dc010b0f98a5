package app

import (
	"github.com/ghuser/whatsup/pkg/cache"
	"github.com/ghuser/whatsup/pkg/database"
	"github.com/ghuser/whatsup/pkg/events"
	"github.com/ghuser/whatsup/pkg/logger"
	"github.com/ghuser/whatsup/services/assistant/infrastructure/search"
)

// Application holds shared infrastructure dependencies for the worker.
//
// Logging: app.Logger is backed by a trace-aware handler. Use slog's context
// methods and trace_id and span_id are injected automatically:
//
//	app.Logger.InfoContext(ctx, "processing message", "event_id", id)
//	app.Logger.ErrorContext(ctx, "failed to append", "error", err)
//
// Use app.Logger.Info/Error (no context) only for startup and shutdown messages.
type Application struct {
	Db       *database.Database
	Logger   logger.Logger
	EventBus *events.EventBus
	Redis    *cache.RedisClient
	Search   *search.Index
}
