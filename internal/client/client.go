// Package client is a typed HTTP client for the broker's v1 API. It is the
// only way workers talk to the broker.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bisectbot/bisectbot/internal/types"
)

var tracer = otel.Tracer("github.com/bisectbot/bisectbot/internal/client")

var (
	// ErrConflict is returned when a guarded update loses the race: the
	// version token sent no longer matches the job's current one.
	ErrConflict     = errors.New("job changed since it was read")
	ErrNotFound     = errors.New("job not found")
	ErrUnauthorized = errors.New("token missing or lacking the required scope")
)

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 3
	retryClient.Logger = nil
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   token,
		http:    retryClient.StandardClient(),
	}
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any) (*http.Response, error) {
	var reader io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
		contentType = "text/plain"
	default:
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(encoded)
		contentType = "application/json"
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	return c.http.Do(req)
}

// checkStatus maps the broker's error statuses onto the client's sentinel
// errors and drains the body so the connection can be reused.
func checkStatus(resp *http.Response, want int) error {
	if resp.StatusCode == want {
		return nil
	}
	payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	switch resp.StatusCode {
	case http.StatusNotFound:
		return ErrNotFound
	case http.StatusConflict:
		return ErrConflict
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	default:
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
}

// ListJobs fetches the jobs matching the given filters. Filter values follow
// the broker's query semantics: "undefined" matches an absent field, dotted
// keys descend into nested fields, and comma-separated values are
// alternatives.
func (c *Client) ListJobs(ctx context.Context, filters map[string]string) ([]types.Job, error) {
	ctx, span := tracer.Start(ctx, "Client.ListJobs")
	defer span.End()

	query := url.Values{}
	for key, value := range filters {
		query.Set(key, value)
	}

	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs", query, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs")
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs")
		return nil, err
	}

	var jobs []types.Job
	if err := json.NewDecoder(resp.Body).Decode(&jobs); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode job list")
		return nil, fmt.Errorf("failed to decode job list: %w", err)
	}

	span.AddEvent("listed jobs", trace.WithAttributes(attribute.Int("count", len(jobs))))
	span.SetStatus(codes.Ok, "successfully listed jobs")
	return jobs, nil
}

// GetJob fetches one job along with its current version token.
func (c *Client) GetJob(ctx context.Context, id string) (*types.Job, string, error) {
	ctx, span := tracer.Start(ctx, "Client.GetJob", trace.WithAttributes(
		attribute.String("job.id", id),
	))
	defer span.End()

	resp, err := c.do(ctx, http.MethodGet, "/v1/jobs/"+url.PathEscape(id), nil, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job")
		return nil, "", fmt.Errorf("failed to get job: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job")
		return nil, "", err
	}

	var job types.Job
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode job")
		return nil, "", fmt.Errorf("failed to decode job: %w", err)
	}

	span.SetStatus(codes.Ok, "successfully got job")
	return &job, resp.Header.Get("ETag"), nil
}

// PatchJob applies a guarded partial update. The etag must be the token
// returned by the last read; on success the rotated token is returned. A
// stale token yields ErrConflict.
func (c *Client) PatchJob(ctx context.Context, id, etag string, ops []types.PatchOperation) (string, error) {
	ctx, span := tracer.Start(ctx, "Client.PatchJob", trace.WithAttributes(
		attribute.String("job.id", id),
		attribute.Int("ops", len(ops)),
	))
	defer span.End()

	encoded, err := json.Marshal(ops)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to encode patch")
		return "", fmt.Errorf("failed to encode patch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		c.baseURL+"/v1/jobs/"+url.PathEscape(id), bytes.NewReader(encoded))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create request")
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("If-Match", etag)

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to patch job")
		return "", fmt.Errorf("failed to patch job: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to patch job")
		return "", err
	}

	span.SetStatus(codes.Ok, "successfully patched job")
	return resp.Header.Get("ETag"), nil
}

// AppendLog appends raw text to a job's log. Appends are unguarded; the log
// is outside the job's versioned document.
func (c *Client) AppendLog(ctx context.Context, id, text string) error {
	ctx, span := tracer.Start(ctx, "Client.AppendLog", trace.WithAttributes(
		attribute.String("job.id", id),
		attribute.Int("bytes", len(text)),
	))
	defer span.End()

	resp, err := c.do(ctx, http.MethodPut, "/v1/jobs/"+url.PathEscape(id)+"/log", nil, text)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to append to job log")
		return fmt.Errorf("failed to append to job log: %w", err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, http.StatusOK); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to append to job log")
		return err
	}

	span.SetStatus(codes.Ok, "successfully appended to job log")
	return nil
}
