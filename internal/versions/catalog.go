package versions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/coreos/go-semver/semver"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/bisectbot/bisectbot/internal/fetch"
	"github.com/bisectbot/bisectbot/internal/logger"
)

var tracer = otel.Tracer("github.com/bisectbot/bisectbot/internal/versions")

const (
	// How long a fetched release list stays trustworthy.
	freshnessWindow = 12 * time.Hour
	// Majors with at least one stable release that count as supported.
	supportedMajors = 4
	// Additional older majors taken past the supported budget.
	obsoleteMajors = 2
)

var ErrEmptyFeed = errors.New("releases feed contained no parseable versions")

// Catalog caches the set of known releases and answers version queries
// against it, refreshing from the feed when empty or stale. Clock and
// fetcher are injected so staleness is testable without wall-clock waits.
type Catalog struct {
	fetcher fetch.Fetcher
	feedURL string
	now     func() time.Time

	mu        sync.Mutex
	fetchedAt time.Time
	releases  []*semver.Version
}

type Option func(*Catalog)

func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		c.now = now
	}
}

func New(fetcher fetch.Fetcher, feedURL string, opts ...Option) *Catalog {
	c := &Catalog{
		fetcher: fetcher,
		feedURL: feedURL,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type feedEntry struct {
	Version string `json:"version"`
}

// snapshot returns the cached release list, refreshing first if the cache
// is empty or older than the freshness window. The returned slice is shared
// and must not be mutated.
func (c *Catalog) snapshot(ctx context.Context) ([]*semver.Version, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	age := c.now().Sub(c.fetchedAt)
	if len(c.releases) != 0 && age < freshnessWindow {
		return c.releases, nil
	}

	ctx, span := tracer.Start(ctx, "Catalog.refresh", trace.WithAttributes(
		attribute.String("feed.url", c.feedURL),
	))
	defer span.End()

	body, err := c.fetcher.Fetch(ctx, c.feedURL)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to fetch releases feed")
		// A stale cache beats no cache; refuse only when we have nothing.
		if len(c.releases) != 0 {
			logger.Logger.WarnContext(ctx, "serving stale release list", "error", err)
			return c.releases, nil
		}
		return nil, fmt.Errorf("failed to fetch releases feed: %w", err)
	}
	defer body.Close()

	var entries []feedEntry
	if err := json.NewDecoder(body).Decode(&entries); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to decode releases feed")
		return nil, fmt.Errorf("failed to decode releases feed: %w", err)
	}

	releases := make([]*semver.Version, 0, len(entries))
	for _, entry := range entries {
		v, err := semver.NewVersion(entry.Version)
		if err != nil {
			logger.Logger.WarnContext(ctx, "skipping unparseable release", "version", entry.Version)
			continue
		}
		releases = append(releases, v)
	}
	if len(releases) == 0 {
		span.RecordError(ErrEmptyFeed)
		span.SetStatus(codes.Error, ErrEmptyFeed.Error())
		return nil, ErrEmptyFeed
	}

	sort.Slice(releases, func(i, j int) bool { return Compare(releases[i], releases[j]) < 0 })

	c.releases = releases
	c.fetchedAt = c.now()

	span.AddEvent("refreshed", trace.WithAttributes(attribute.Int("releases", len(releases))))
	span.RecordError(nil)
	span.SetStatus(codes.Ok, "refreshed release list")
	return c.releases, nil
}

// IsVersion reports whether s names a known release.
func (c *Catalog) IsVersion(ctx context.Context, s string) (bool, error) {
	v, err := semver.NewVersion(s)
	if err != nil {
		return false, nil
	}

	releases, err := c.snapshot(ctx)
	if err != nil {
		return false, err
	}
	for _, r := range releases {
		if Compare(r, v) == 0 {
			return true, nil
		}
	}
	return false, nil
}

// LatestVersion returns the newest known release by the release-ordering
// rule.
func (c *Catalog) LatestVersion(ctx context.Context) (string, error) {
	releases, err := c.snapshot(ctx)
	if err != nil {
		return "", err
	}
	return releases[len(releases)-1].String(), nil
}

// VersionsInRange returns all known releases between a and b inclusive.
// Direction is normalized: (b, a) answers the same list as (a, b).
func (c *Catalog) VersionsInRange(ctx context.Context, a, b string) ([]string, error) {
	lo, err := semver.NewVersion(a)
	if err != nil {
		return nil, fmt.Errorf("not a version: %q", a)
	}
	hi, err := semver.NewVersion(b)
	if err != nil {
		return nil, fmt.Errorf("not a version: %q", b)
	}
	if Compare(lo, hi) > 0 {
		lo, hi = hi, lo
	}

	releases, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]string, 0)
	for _, r := range releases {
		if Compare(r, lo) >= 0 && Compare(r, hi) <= 0 {
			out = append(out, r.String())
		}
	}
	return out, nil
}

// VersionsToTest narrows "all releases" down to the versions worth testing:
// walking majors newest to oldest, a major with any stable release drops
// its pre-releases and counts toward the supported budget; each visited
// major contributes its oldest and newest post-filter release. The walk
// stops after the supported budget plus a fixed number of older majors.
func (c *Catalog) VersionsToTest(ctx context.Context) ([]string, error) {
	releases, err := c.snapshot(ctx)
	if err != nil {
		return nil, err
	}

	byMajor := make(map[int64][]*semver.Version)
	majors := make([]int64, 0)
	for _, r := range releases {
		if _, ok := byMajor[r.Major]; !ok {
			majors = append(majors, r.Major)
		}
		byMajor[r.Major] = append(byMajor[r.Major], r)
	}
	sort.Slice(majors, func(i, j int) bool { return majors[i] > majors[j] })

	selected := make([]*semver.Version, 0)
	supported := 0
	older := 0
	for _, major := range majors {
		if supported >= supportedMajors {
			if older >= obsoleteMajors {
				break
			}
			older++
		}

		list := byMajor[major]
		stable := make([]*semver.Version, 0, len(list))
		for _, r := range list {
			if channelOf(r) == channelStable {
				stable = append(stable, r)
			}
		}
		if len(stable) != 0 {
			list = stable
			if supported < supportedMajors {
				supported++
			}
		}

		selected = append(selected, list[0])
		if last := list[len(list)-1]; Compare(last, list[0]) != 0 {
			selected = append(selected, last)
		}
	}

	sort.Slice(selected, func(i, j int) bool { return Compare(selected[i], selected[j]) < 0 })

	out := make([]string, 0, len(selected))
	for _, r := range selected {
		out = append(out, r.String())
	}
	return out, nil
}

// DefaultBisectStart is the oldest version of the to-test set, the default
// lower endpoint for bisect jobs created without an explicit range.
func (c *Catalog) DefaultBisectStart(ctx context.Context) (string, error) {
	toTest, err := c.VersionsToTest(ctx)
	if err != nil {
		return "", err
	}
	return toTest[0], nil
}
