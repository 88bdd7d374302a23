package types

import (
	"fmt"
	"regexp"
	"time"

	"github.com/coreos/go-semver/semver"
	"github.com/google/uuid"
)

type JobType string

const (
	JobTypeBisect JobType = "bisect"
	JobTypeTest   JobType = "test"
)

type Platform string

const (
	PlatformDarwin Platform = "darwin"
	PlatformLinux  Platform = "linux"
	PlatformWin32  Platform = "win32"
)

func (p Platform) Known() bool {
	switch p {
	case PlatformDarwin, PlatformLinux, PlatformWin32:
		return true
	}
	return false
}

// Gists are referenced by their 32 character hex id, never by URL.
var gistPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// Current marks a job as held by a runner. Present iff a runner is actively
// working the job; TimeBegun is kept precise so an external reaper can apply
// a timeout policy.
type Current struct {
	Runner    string `json:"runner"`
	TimeBegun int64  `json:"time_begun"`
}

// Job is the unit of requested verification work. Exactly one of
// BisectRange / Version is populated depending on Type.
type Job struct {
	ID            string    `json:"id"`
	Type          JobType   `json:"type"`
	Gist          string    `json:"gist"`
	Platform      *Platform `json:"platform,omitempty"`
	TimeAdded     int64     `json:"time_added"`
	Current       *Current  `json:"current,omitempty"`
	Last          *Result   `json:"last,omitempty"`
	History       []Result  `json:"history"`
	BotClientData any       `json:"bot_client_data,omitempty"`

	BisectRange []string `json:"bisect_range,omitempty"`
	Version     string   `json:"version,omitempty"`
}

// InvalidFieldError names the offending field so the API layer can echo it
// back in a 422 without string matching.
type InvalidFieldError struct {
	Field  string
	Reason string
}

func (e *InvalidFieldError) Error() string {
	return fmt.Sprintf("invalid field %q: %s", e.Field, e.Reason)
}

func validateCommon(gist string, platform *Platform) error {
	if !gistPattern.MatchString(gist) {
		return &InvalidFieldError{Field: "gist", Reason: "must be a 32 character hex id"}
	}
	if platform != nil && !platform.Known() {
		return &InvalidFieldError{Field: "platform", Reason: "must be one of darwin, linux, win32"}
	}
	return nil
}

func validVersion(s string) bool {
	_, err := semver.NewVersion(s)
	return err == nil
}

// NewBisectJob builds a bisect job from named fields only. There is
// deliberately no map-based construction path; unknown input never lands on
// the job.
func NewBisectJob(
	gist string,
	platform *Platform,
	rangeStart, rangeEnd string,
	clientData any,
	now time.Time,
) (*Job, error) {
	if err := validateCommon(gist, platform); err != nil {
		return nil, err
	}
	if !validVersion(rangeStart) || !validVersion(rangeEnd) {
		return nil, &InvalidFieldError{
			Field:  "bisect_range",
			Reason: "endpoints must be semantic versions",
		}
	}
	if rangeStart == rangeEnd {
		return nil, &InvalidFieldError{
			Field:  "bisect_range",
			Reason: "endpoints must name two distinct versions",
		}
	}

	return &Job{
		ID:            uuid.NewString(),
		Type:          JobTypeBisect,
		Gist:          gist,
		Platform:      platform,
		TimeAdded:     now.UnixMilli(),
		History:       []Result{},
		BotClientData: clientData,
		BisectRange:   []string{rangeStart, rangeEnd},
	}, nil
}

// NewTestJob builds a single-version test job from named fields only.
func NewTestJob(
	gist string,
	platform *Platform,
	version string,
	clientData any,
	now time.Time,
) (*Job, error) {
	if err := validateCommon(gist, platform); err != nil {
		return nil, err
	}
	if !validVersion(version) {
		return nil, &InvalidFieldError{Field: "version", Reason: "must be a semantic version"}
	}

	return &Job{
		ID:            uuid.NewString(),
		Type:          JobTypeTest,
		Gist:          gist,
		Platform:      platform,
		TimeAdded:     now.UnixMilli(),
		History:       []Result{},
		BotClientData: clientData,
		Version:       version,
	}, nil
}
