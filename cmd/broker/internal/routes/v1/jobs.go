package v1

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bisectbot/bisectbot/cmd/broker/internal/response"
	"github.com/bisectbot/bisectbot/internal/metrics"
	"github.com/bisectbot/bisectbot/internal/store"
	"github.com/bisectbot/bisectbot/internal/types"
)

type createJobRequest struct {
	Platform      *types.Platform `json:"platform"        validate:"omitempty,oneof=darwin linux win32"`
	BotClientData any             `json:"bot_client_data"`
	Type          types.JobType   `json:"type"            validate:"required,oneof=bisect test"`
	Gist          string          `json:"gist"            validate:"required"`
	Version       string          `json:"version"         validate:"required_if=Type test,excluded_if=Type bisect"`
	BisectRange   []string        `json:"bisect_range"    validate:"omitempty,len=2"`
}

func (h *Handler) CreateJob(c echo.Context) error {
	ctx, span := tracer.Start(c.Request().Context(), "CreateJob")
	defer span.End()

	span.AddEvent("parsing request body")
	var rdata createJobRequest
	if err := c.Bind(&rdata); err != nil {
		span.SetStatus(codes.Ok, "failed to parse request data")
		span.RecordError(err)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("failed to parse request data"),
		)
	}

	span.AddEvent("validating request body")
	if err := c.Validate(rdata); err != nil {
		span.SetStatus(codes.Ok, "failed to validate request data")
		span.RecordError(err)
		return echo.NewHTTPError(http.StatusUnprocessableEntity, types.ValidationError(err))
	}

	var job *types.Job
	var err error
	switch rdata.Type {
	case types.JobTypeBisect:
		rangeStart, rangeEnd := "", ""
		if len(rdata.BisectRange) == 2 {
			rangeStart, rangeEnd = rdata.BisectRange[0], rdata.BisectRange[1]
		} else {
			// An omitted range means "the whole supported window".
			span.AddEvent("defaulting bisect range from the release catalog")
			rangeStart, err = h.Catalog.DefaultBisectStart(ctx)
			if err == nil {
				rangeEnd, err = h.Catalog.LatestVersion(ctx)
			}
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "failed to default bisect range")
				return response.InternalServerError
			}
		}
		job, err = types.NewBisectJob(
			rdata.Gist,
			rdata.Platform,
			rangeStart,
			rangeEnd,
			rdata.BotClientData,
			time.Now(),
		)
	case types.JobTypeTest:
		job, err = types.NewTestJob(
			rdata.Gist,
			rdata.Platform,
			rdata.Version,
			rdata.BotClientData,
			time.Now(),
		)
	}
	if err != nil {
		var invalid *types.InvalidFieldError
		if errors.As(err, &invalid) {
			span.SetStatus(codes.Ok, "rejected invalid job")
			span.RecordError(err)
			return echo.NewHTTPError(
				http.StatusUnprocessableEntity,
				types.FieldError(invalid.Field, invalid.Reason),
			)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to construct job")
		return response.InternalServerError
	}

	if err := h.Store.Add(job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to store job")
		return response.InternalServerError
	}

	created, etag, err := h.Store.Get(job.ID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read back stored job")
		return response.InternalServerError
	}

	metrics.JobsCreated.WithLabelValues(string(job.Type)).Inc()

	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
	)
	span.AddEvent("created job")
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created job")

	c.Response().Header().Set("ETag", etag)
	return c.JSON(http.StatusCreated, created)
}

func (h *Handler) ListJobs(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "ListJobs")
	defer span.End()

	filters := make(map[string]string)
	for key, values := range c.QueryParams() {
		if len(values) > 0 {
			filters[key] = values[0]
		}
	}
	span.SetAttributes(attribute.Int("filters", len(filters)))

	jobs, err := h.Store.List(filters)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs")
		return response.InternalServerError
	}

	span.AddEvent("listed jobs", trace.WithAttributes(attribute.Int("count", len(jobs))))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "listed jobs")
	return c.JSON(http.StatusOK, jobs)
}

func (h *Handler) GetJob(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "GetJob", trace.WithAttributes(
		attribute.String("job.id", c.Param("job_id")),
	))
	defer span.End()

	job, etag, err := h.Store.Get(c.Param("job_id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "job not found")
			return response.NotFoundError
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job")
		return response.InternalServerError
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "got job")
	c.Response().Header().Set("ETag", etag)
	return c.JSON(http.StatusOK, job)
}

func (h *Handler) PatchJob(c echo.Context) error {
	_, span := tracer.Start(c.Request().Context(), "PatchJob", trace.WithAttributes(
		attribute.String("job.id", c.Param("job_id")),
	))
	defer span.End()

	etag := c.Request().Header.Get("If-Match")
	if etag == "" {
		span.RecordError(nil)
		span.SetStatus(codes.Ok, "missing If-Match header")
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("updates must carry the job's current token in If-Match"),
		)
	}

	span.AddEvent("parsing request body")
	var ops []types.PatchOperation
	if err := c.Bind(&ops); err != nil {
		span.SetStatus(codes.Ok, "failed to parse request data")
		span.RecordError(err)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("failed to parse request data"),
		)
	}
	if len(ops) == 0 {
		span.SetStatus(codes.Ok, "empty patch")
		span.RecordError(nil)
		return echo.NewHTTPError(
			http.StatusBadRequest,
			types.StringError("a patch needs at least one operation"),
		)
	}

	span.AddEvent("validating request body")
	for _, op := range ops {
		if err := c.Validate(op); err != nil {
			span.SetStatus(codes.Ok, "failed to validate request data")
			span.RecordError(err)
			return echo.NewHTTPError(http.StatusUnprocessableEntity, types.ValidationError(err))
		}
	}

	newEtag, err := h.Store.Patch(c.Param("job_id"), etag, ops)
	if err != nil {
		var patchErr *store.PatchError
		switch {
		case errors.Is(err, store.ErrNotFound):
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "job not found")
			return response.NotFoundError
		case errors.Is(err, store.ErrConflict):
			metrics.PatchConflicts.Inc()
			span.RecordError(nil)
			span.SetStatus(codes.Ok, "stale concurrency token")
			return response.ConflictError
		case errors.As(err, &patchErr):
			span.RecordError(err)
			span.SetStatus(codes.Ok, "rejected invalid patch")
			return echo.NewHTTPError(
				http.StatusUnprocessableEntity,
				types.FieldError(patchErr.Path, patchErr.Reason),
			)
		default:
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to patch job")
			return response.InternalServerError
		}
	}

	metrics.PatchesApplied.Inc()
	recordPatchMetrics(ops)

	span.AddEvent("patched job", trace.WithAttributes(attribute.Int("ops", len(ops))))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "patched job")

	c.Response().Header().Set("ETag", newEtag)
	return c.NoContent(http.StatusOK)
}

// recordPatchMetrics feeds the claim and per-status result counters from an
// applied patch's operations.
func recordPatchMetrics(ops []types.PatchOperation) {
	for _, op := range ops {
		if op.Op == types.PatchOpRemove {
			continue
		}
		switch op.Path {
		case "/current":
			metrics.ClaimsWon.Inc()
		case "/last":
			var result types.Result
			if err := json.Unmarshal(op.Value, &result); err != nil {
				continue
			}
			metrics.ResultsReported.WithLabelValues(string(result.Status)).Inc()
		}
	}
}
