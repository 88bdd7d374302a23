package v1_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	servermiddleware "github.com/bisectbot/bisectbot/cmd/broker/internal/middleware"
	"github.com/bisectbot/bisectbot/cmd/broker/internal/routes"
	v1 "github.com/bisectbot/bisectbot/cmd/broker/internal/routes/v1"
	"github.com/bisectbot/bisectbot/internal/auth"
	"github.com/bisectbot/bisectbot/internal/logstream"
	"github.com/bisectbot/bisectbot/internal/store"
	"github.com/bisectbot/bisectbot/internal/types"
	"github.com/bisectbot/bisectbot/internal/versions"
)

const (
	botToken    = "bot-token-for-tests"
	workerToken = "worker-token-for-tests"
	adminToken  = "admin-token-for-tests"

	testGist = "0123456789abcdef0123456789abcdef"
)

// feedFetcher serves a canned releases feed so the catalog never touches the
// network in tests.
type feedFetcher struct{}

func (feedFetcher) Fetch(context.Context, string) (io.ReadCloser, error) {
	releases := []string{
		"1.0.0", "1.1.0",
		"2.0.0", "2.5.0",
		"3.0.0", "3.2.1",
		"4.0.0", "4.1.0",
		"5.0.0", "5.3.0",
		"6.0.0", "6.4.0",
		"7.0.0-beta.1",
	}
	entries := make([]map[string]string, 0, len(releases))
	for _, r := range releases {
		entries = append(entries, map[string]string{"version": r})
	}
	raw, err := json.Marshal(entries)
	if err != nil {
		return nil, err
	}
	return io.NopCloser(bytes.NewReader(raw)), nil
}

func newTestServer(t *testing.T) *echo.Echo {
	t.Helper()

	registry := auth.NewRegistry()
	registry.Seed(botToken, auth.ScopeCreateJobs)
	registry.Seed(workerToken, auth.ScopeUpdateJobs)
	registry.Seed(adminToken, auth.ScopeControlTokens)

	catalog := versions.New(feedFetcher{}, "https://releases.test/index.json")

	e, err := routes.BuildEcho(slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	handler := v1.NewHandler(store.New(), registry, catalog, logstream.New())
	middlewareHandler := servermiddleware.Handler{Registry: registry}
	handler.AddRoutes(e, &middlewareHandler)
	return e
}

func do(
	e *echo.Echo,
	method, path, token string,
	body any,
	etag string,
) *httptest.ResponseRecorder {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	if _, isText := body.(string); isText {
		req.Header.Set(echo.HeaderContentType, echo.MIMETextPlain)
	} else {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token)
	}
	if etag != "" {
		req.Header.Set("If-Match", etag)
	}

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) types.Job {
	t.Helper()
	var job types.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	return job
}

func TestCreateJobAuth(t *testing.T) {
	e := newTestServer(t)
	body := map[string]any{"type": "bisect", "gist": testGist}

	t.Run("MissingToken", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/v1/jobs", "", body, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("UnknownToken", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/v1/jobs", "who-is-this", body, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("WrongScope", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/v1/jobs", workerToken, body, "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("Allowed", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/v1/jobs", botToken, body, "")
		assert.Equal(t, http.StatusCreated, rec.Code)
	})
}

func TestCreateBisectJob(t *testing.T) {
	e := newTestServer(t)

	t.Run("ExplicitRange", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/v1/jobs", botToken, map[string]any{
			"type":            "bisect",
			"gist":            testGist,
			"platform":        "linux",
			"bisect_range":    []string{"3.0.0", "5.3.0"},
			"bot_client_data": map[string]any{"issue": 1234},
		}, "")
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		job := decodeJob(t, rec)
		assert.NotEmpty(t, job.ID)
		assert.Equal(t, types.JobTypeBisect, job.Type)
		assert.Equal(t, []string{"3.0.0", "5.3.0"}, job.BisectRange)
		require.NotNil(t, job.Platform)
		assert.Equal(t, types.PlatformLinux, *job.Platform)
		assert.Nil(t, job.Current)
		assert.Nil(t, job.Last)
		assert.Empty(t, job.History)
		assert.NotEmpty(t, rec.Header().Get("ETag"))
	})

	t.Run("DefaultedRange", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/v1/jobs", botToken, map[string]any{
			"type": "bisect",
			"gist": testGist,
		}, "")
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		job := decodeJob(t, rec)
		assert.Equal(t, []string{"1.0.0", "7.0.0-beta.1"}, job.BisectRange,
			"an omitted range spans the catalog's oldest version to test through the newest release")
	})

	t.Run("BadGist", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/v1/jobs", botToken, map[string]any{
			"type": "bisect",
			"gist": "https://gist.github.com/someone/abc",
		}, "")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("BadPlatform", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/v1/jobs", botToken, map[string]any{
			"type":     "bisect",
			"gist":     testGist,
			"platform": "amiga",
		}, "")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func TestCreateTestJob(t *testing.T) {
	e := newTestServer(t)

	t.Run("Valid", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/v1/jobs", botToken, map[string]any{
			"type":    "test",
			"gist":    testGist,
			"version": "5.3.0",
		}, "")
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		job := decodeJob(t, rec)
		assert.Equal(t, types.JobTypeTest, job.Type)
		assert.Equal(t, "5.3.0", job.Version)
		assert.Empty(t, job.BisectRange)
	})

	t.Run("MissingVersion", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/v1/jobs", botToken, map[string]any{
			"type": "test",
			"gist": testGist,
		}, "")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})
}

func claimOps(runner string) []types.PatchOperation {
	value, _ := json.Marshal(types.Current{Runner: runner, TimeBegun: 1700000000000})
	return []types.PatchOperation{
		{Op: types.PatchOpAdd, Path: "/current", Value: value},
	}
}

func reportOps(result types.Result) []types.PatchOperation {
	value, _ := json.Marshal(result)
	return []types.PatchOperation{
		{Op: types.PatchOpAdd, Path: "/history/-", Value: value},
		{Op: types.PatchOpAdd, Path: "/last", Value: value},
		{Op: types.PatchOpRemove, Path: "/current"},
	}
}

func TestJobLifecycle(t *testing.T) {
	e := newTestServer(t)

	rec := do(e, http.MethodPost, "/v1/jobs", botToken, map[string]any{
		"type":         "bisect",
		"gist":         testGist,
		"bisect_range": []string{"3.0.0", "6.4.0"},
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	job := decodeJob(t, rec)
	etag := rec.Header().Get("ETag")

	t.Run("ListSeesUnclaimedJob", func(t *testing.T) {
		rec := do(e, http.MethodGet,
			"/v1/jobs?type=bisect&current=undefined&last=undefined", workerToken, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var jobs []types.Job
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
		require.Len(t, jobs, 1)
		assert.Equal(t, job.ID, jobs[0].ID)
	})

	t.Run("PatchNeedsIfMatch", func(t *testing.T) {
		rec := do(e, http.MethodPatch, "/v1/jobs/"+job.ID, workerToken, claimOps("w1"), "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("ClaimRotatesToken", func(t *testing.T) {
		rec := do(e, http.MethodPatch, "/v1/jobs/"+job.ID, workerToken, claimOps("w1"), etag)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

		fresh := rec.Header().Get("ETag")
		require.NotEmpty(t, fresh)
		assert.NotEqual(t, etag, fresh)

		// The old token is now stale.
		rec = do(e, http.MethodPatch, "/v1/jobs/"+job.ID, workerToken, claimOps("w2"), etag)
		assert.Equal(t, http.StatusConflict, rec.Code)

		etag = fresh
	})

	t.Run("ClaimedJobDropsOutOfWorkerQuery", func(t *testing.T) {
		rec := do(e, http.MethodGet,
			"/v1/jobs?current=undefined&last=undefined", workerToken, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)

		var jobs []types.Job
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &jobs))
		assert.Empty(t, jobs)
	})

	t.Run("ReportMakesJobTerminal", func(t *testing.T) {
		result := types.Result{
			Runner:      "w1",
			Status:      types.StatusSuccess,
			TimeBegun:   1700000000000,
			TimeEnded:   1700000100000,
			BisectRange: []string{"4.0.0", "4.1.0"},
		}
		rec := do(e, http.MethodPatch, "/v1/jobs/"+job.ID, workerToken, reportOps(result), etag)
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		etag = rec.Header().Get("ETag")

		rec = do(e, http.MethodGet, "/v1/jobs/"+job.ID, workerToken, nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		got := decodeJob(t, rec)
		assert.Nil(t, got.Current)
		require.NotNil(t, got.Last)
		assert.Equal(t, result, *got.Last)
		require.Len(t, got.History, 1)
		assert.Equal(t, result, got.History[0])
	})

	t.Run("TerminalJobRejectsClaims", func(t *testing.T) {
		rec := do(e, http.MethodPatch, "/v1/jobs/"+job.ID, workerToken, claimOps("w3"), etag)
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("UnknownJob", func(t *testing.T) {
		rec := do(e, http.MethodGet, "/v1/jobs/no-such-job", workerToken, nil, "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestJobLog(t *testing.T) {
	e := newTestServer(t)

	rec := do(e, http.MethodPost, "/v1/jobs", botToken, map[string]any{
		"type":    "test",
		"gist":    testGist,
		"version": "5.3.0",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code)
	job := decodeJob(t, rec)

	t.Run("AppendNeedsUpdateScope", func(t *testing.T) {
		rec := do(e, http.MethodPut, "/v1/jobs/"+job.ID+"/log", botToken, "nope", "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	t.Run("AppendAndRead", func(t *testing.T) {
		rec := do(e, http.MethodPut, "/v1/jobs/"+job.ID+"/log", workerToken, "line one\n", "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		rec = do(e, http.MethodPut, "/v1/jobs/"+job.ID+"/log", workerToken, "line two\n", "")
		require.Equal(t, http.StatusOK, rec.Code)

		// Reads are open; no token needed.
		rec = do(e, http.MethodGet, "/v1/jobs/"+job.ID+"/log", "", nil, "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "line one\nline two\n", rec.Body.String())
	})

	t.Run("AppendToUnknownJob", func(t *testing.T) {
		rec := do(e, http.MethodPut, "/v1/jobs/no-such-job/log", workerToken, "hello", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestTokenAdmin(t *testing.T) {
	e := newTestServer(t)

	t.Run("MintingNeedsControlScope", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/v1/tokens", botToken, map[string]any{
			"scopes": []string{"create-jobs"},
		}, "")
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})

	var minted string
	t.Run("MintAndUse", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/v1/tokens", adminToken, map[string]any{
			"note":   "nightly bot",
			"scopes": []string{"create-jobs"},
		}, "")
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

		var resp struct {
			Token string `json:"token"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
		require.NotEmpty(t, resp.Token)
		minted = resp.Token

		rec = do(e, http.MethodPost, "/v1/jobs", minted, map[string]any{
			"type": "bisect",
			"gist": testGist,
		}, "")
		assert.Equal(t, http.StatusCreated, rec.Code)
	})

	t.Run("UnknownScopeRejected", func(t *testing.T) {
		rec := do(e, http.MethodPost, "/v1/tokens", adminToken, map[string]any{
			"scopes": []string{"rule-the-world"},
		}, "")
		assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	})

	t.Run("RevokeCutsAccess", func(t *testing.T) {
		rec := do(e, http.MethodDelete, "/v1/tokens", adminToken, map[string]any{
			"token": minted,
		}, "")
		require.Equal(t, http.StatusOK, rec.Code)

		rec = do(e, http.MethodPost, "/v1/jobs", minted, map[string]any{
			"type": "bisect",
			"gist": testGist,
		}, "")
		assert.Equal(t, http.StatusUnauthorized, rec.Code)

		rec = do(e, http.MethodDelete, "/v1/tokens", adminToken, map[string]any{
			"token": minted,
		}, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, "revoking twice reports the token gone")
	})
}
