// Package logger owns the slog setup shared by the broker and worker
// binaries: JSON records on stderr, level adjustable at runtime through
// LogLevel, and every record stamped with the active trace context so log
// lines and spans correlate.
package logger

import (
	"log/slog"
	"os"

	slogotel "github.com/remychantenay/slog-otel"
)

var LogLevel = new(slog.LevelVar)

var jsonHandler = slog.NewJSONHandler(
	os.Stderr,
	&slog.HandlerOptions{AddSource: true, Level: LogLevel},
)
var otelHandler = slogotel.NewOtelHandler(slogotel.WithNoTraceEvents(true))
var Handler = otelHandler(jsonHandler)
var Logger = slog.New(Handler)

// InitSlog installs the shared logger as the slog default. Binaries call it
// before anything else in main; the level starts at debug and gets narrowed
// once config has loaded.
func InitSlog() {
	slog.SetDefault(Logger)
	LogLevel.Set(slog.LevelDebug)
}
