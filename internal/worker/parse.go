package worker

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/coreos/go-semver/semver"

	"github.com/bisectbot/bisectbot/internal/command"
	"github.com/bisectbot/bisectbot/internal/types"
)

// The runner process reports its verdict on a single stdout line:
//
//	RESULT: success <version> <version>
//	RESULT: failure
//	RESULT: invalid
//
// Everything else on the stream is log noise. The last well-formed marker
// wins, so a runner that retries internally reports its final answer.
const resultMarker = "RESULT:"

type verdict string

const (
	verdictSuccess verdict = "success"
	verdictFailure verdict = "failure"
	verdictInvalid verdict = "invalid"
)

type marker struct {
	verdict    verdict
	rangeStart string
	rangeEnd   string
}

var errNoMarker = errors.New("runner produced no result marker")

func parseMarkerLine(line string) (*marker, error) {
	fields := strings.Fields(strings.TrimPrefix(line, resultMarker))
	if len(fields) == 0 {
		return nil, fmt.Errorf("malformed result marker %q", line)
	}

	switch v := verdict(fields[0]); v {
	case verdictSuccess:
		if len(fields) != 3 {
			return nil, fmt.Errorf("success marker needs exactly two versions, got %q", line)
		}
		return &marker{verdict: v, rangeStart: fields[1], rangeEnd: fields[2]}, nil
	case verdictFailure, verdictInvalid:
		if len(fields) != 1 {
			return nil, fmt.Errorf("%s marker takes no arguments, got %q", v, line)
		}
		return &marker{verdict: v}, nil
	default:
		return nil, fmt.Errorf("unknown result verdict %q", fields[0])
	}
}

func parseMarker(output []byte) (*marker, error) {
	var found *marker
	var parseErr error

	scanner := bufio.NewScanner(bytes.NewReader(output))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, resultMarker) {
			continue
		}
		m, err := parseMarkerLine(line)
		if err != nil {
			parseErr = err
			continue
		}
		found = m
	}

	if found == nil {
		if parseErr != nil {
			return nil, parseErr
		}
		return nil, errNoMarker
	}
	return found, nil
}

// normalizeRange canonicalizes both endpoints through the semver parser and
// orders them ascending regardless of how the runner printed them.
func normalizeRange(a, b string) ([]string, error) {
	va, err := semver.NewVersion(strings.TrimPrefix(a, "v"))
	if err != nil {
		return nil, fmt.Errorf("bad range endpoint %q: %w", a, err)
	}
	vb, err := semver.NewVersion(strings.TrimPrefix(b, "v"))
	if err != nil {
		return nil, fmt.Errorf("bad range endpoint %q: %w", b, err)
	}
	if vb.LessThan(*va) {
		va, vb = vb, va
	}
	return []string{va.String(), vb.String()}, nil
}

// classify maps a finished runner invocation onto a job outcome.
//
// A timeout or a missing/malformed marker is the system's fault, not the
// job's. An explicit "invalid" verdict paired with a nonzero exit means the
// runner examined the job and rejected it; "invalid" with exit 0 is a runner
// bug and stays a system error.
func classify(res *command.Result) (types.Status, string, []string) {
	if res.TimedOut {
		return types.StatusSystemError, "runner timed out", nil
	}

	m, err := parseMarker(res.Output)
	if err != nil {
		return types.StatusSystemError,
			fmt.Sprintf("%s (exit %d)", err, res.ExitCode), nil
	}

	switch m.verdict {
	case verdictSuccess:
		rng, err := normalizeRange(m.rangeStart, m.rangeEnd)
		if err != nil {
			return types.StatusSystemError, err.Error(), nil
		}
		return types.StatusSuccess, "", rng
	case verdictFailure:
		return types.StatusFailure, "", nil
	default:
		if res.ExitCode != 0 {
			return types.StatusTestError,
				fmt.Sprintf("runner rejected the job (exit %d)", res.ExitCode), nil
		}
		return types.StatusSystemError, "runner reported an invalid run but exited 0", nil
	}
}
