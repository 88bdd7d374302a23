package v1

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bisectbot/bisectbot/cmd/broker/internal/response"
	"github.com/bisectbot/bisectbot/internal/logger"
	"github.com/bisectbot/bisectbot/internal/metrics"
	"github.com/bisectbot/bisectbot/internal/store"
	"github.com/bisectbot/bisectbot/internal/types"
)

// maxLogAppendBytes bounds one append so a runaway runner cannot balloon a
// single request.
const maxLogAppendBytes = 1 << 20

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

func (h *Handler) AppendJobLog(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "AppendJobLog", trace.WithAttributes(
		attribute.String("job.id", c.Param("job_id")),
	))
	defer span.End()

	text, err := io.ReadAll(io.LimitReader(c.Request().Body, maxLogAppendBytes+1))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read request body")
		return response.InternalServerError
	}
	if len(text) > maxLogAppendBytes {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "append too large")
		return echo.NewHTTPError(
			http.StatusRequestEntityTooLarge,
			types.StringError("log appends must be <= 1mb"),
		)
	}
	if len(text) == 0 {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "empty append")
		return c.NoContent(http.StatusOK)
	}

	if err := h.Store.AppendLog(c.Param("job_id"), text); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "job not found")
			return response.NotFoundError
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to append to job log")
		return response.InternalServerError
	}

	h.Streamer.Broadcast(c.Param("job_id"), text)
	metrics.LogAppends.Inc()

	span.AddEvent("appended to job log", trace.WithAttributes(
		attribute.Int("bytes", len(text)),
	))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "appended to job log")
	return c.NoContent(http.StatusOK)
}

func (h *Handler) ReadJobLog(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "ReadJobLog", trace.WithAttributes(
		attribute.String("job.id", c.Param("job_id")),
	))
	defer span.End()

	text, err := h.Store.ReadLog(c.Param("job_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "job not found")
			return response.NotFoundError
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read job log")
		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "read job log")
	return c.Blob(http.StatusOK, "text/plain; charset=utf-8", text)
}

// StreamJobLog upgrades to a websocket, replays the log so far, then relays
// live appends until the peer hangs up.
func (h *Handler) StreamJobLog(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "StreamJobLog", trace.WithAttributes(
		attribute.String("job.id", c.Param("job_id")),
	))
	defer span.End()

	jobID := c.Param("job_id")

	text, err := h.Store.ReadLog(jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "job not found")
			return response.NotFoundError
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read job log")
		return response.InternalServerError
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upgrade connection")
		return nil
	}

	if len(text) > 0 {
		if err := conn.WriteMessage(websocket.TextMessage, text); err != nil {
			logger.Logger.DebugContext(ctx, "subscriber gone before replay finished",
				"jobID", jobID, "error", err)
			conn.Close()
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "subscriber hung up")
			return nil
		}
	}

	h.Streamer.Subscribe(jobID, conn)
	defer h.Streamer.Unsubscribe(jobID, conn)

	span.AddEvent("streaming job log")
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "streaming job log")

	for {
		if _, _, err := conn.NextReader(); err != nil {
			conn.Close()
			break
		}
	}
	return nil
}
