package fetch

import (
	"context"
	"io"

	"go.opentelemetry.io/otel"
)

var tracer = otel.Tracer("github.com/bisectbot/bisectbot/internal/fetch")

type Fetcher interface {
	Fetch(ctx context.Context, url string) (io.ReadCloser, error)
}
