package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bisectbot/bisectbot/internal/command"
	"github.com/bisectbot/bisectbot/internal/types"
)

func TestParseMarker(t *testing.T) {
	t.Run("Success", func(t *testing.T) {
		m, err := parseMarker([]byte("cloning gist\nRESULT: success 10.3.2 10.4.0\n"))
		require.NoError(t, err)
		assert.Equal(t, verdictSuccess, m.verdict)
		assert.Equal(t, "10.3.2", m.rangeStart)
		assert.Equal(t, "10.4.0", m.rangeEnd)
	})

	t.Run("LastMarkerWins", func(t *testing.T) {
		m, err := parseMarker([]byte("RESULT: failure\nretrying\nRESULT: success 1.0.0 2.0.0\n"))
		require.NoError(t, err)
		assert.Equal(t, verdictSuccess, m.verdict)
	})

	t.Run("FailureAndInvalid", func(t *testing.T) {
		m, err := parseMarker([]byte("RESULT: failure\n"))
		require.NoError(t, err)
		assert.Equal(t, verdictFailure, m.verdict)

		m, err = parseMarker([]byte("RESULT: invalid\n"))
		require.NoError(t, err)
		assert.Equal(t, verdictInvalid, m.verdict)
	})

	t.Run("NoMarker", func(t *testing.T) {
		_, err := parseMarker([]byte("just a bunch\nof log lines\n"))
		assert.ErrorIs(t, err, errNoMarker)
	})

	t.Run("MalformedSuccess", func(t *testing.T) {
		_, err := parseMarker([]byte("RESULT: success 10.3.2\n"))
		assert.Error(t, err)
	})

	t.Run("UnknownVerdict", func(t *testing.T) {
		_, err := parseMarker([]byte("RESULT: maybe\n"))
		assert.Error(t, err)
	})
}

func TestNormalizeRange(t *testing.T) {
	t.Run("OrdersAscending", func(t *testing.T) {
		rng, err := normalizeRange("10.4.0", "10.3.2")
		require.NoError(t, err)
		assert.Equal(t, []string{"10.3.2", "10.4.0"}, rng)
	})

	t.Run("StripsVPrefix", func(t *testing.T) {
		rng, err := normalizeRange("v1.2.3", "v1.3.0")
		require.NoError(t, err)
		assert.Equal(t, []string{"1.2.3", "1.3.0"}, rng)
	})

	t.Run("BadEndpoint", func(t *testing.T) {
		_, err := normalizeRange("not-a-version", "1.0.0")
		assert.Error(t, err)
	})
}

func TestClassify(t *testing.T) {
	t.Run("Timeout", func(t *testing.T) {
		status, errMsg, rng := classify(&command.Result{TimedOut: true, ExitCode: -1})
		assert.Equal(t, types.StatusSystemError, status)
		assert.NotEmpty(t, errMsg)
		assert.Nil(t, rng)
	})

	t.Run("Success", func(t *testing.T) {
		status, errMsg, rng := classify(&command.Result{
			Output: []byte("RESULT: success 10.4.0 10.3.2\n"),
		})
		assert.Equal(t, types.StatusSuccess, status)
		assert.Empty(t, errMsg)
		assert.Equal(t, []string{"10.3.2", "10.4.0"}, rng)
	})

	t.Run("Failure", func(t *testing.T) {
		status, errMsg, _ := classify(&command.Result{
			Output: []byte("RESULT: failure\n"),
		})
		assert.Equal(t, types.StatusFailure, status)
		assert.Empty(t, errMsg)
	})

	t.Run("InvalidWithNonzeroExit", func(t *testing.T) {
		status, errMsg, _ := classify(&command.Result{
			Output:   []byte("RESULT: invalid\n"),
			ExitCode: 1,
		})
		assert.Equal(t, types.StatusTestError, status)
		assert.NotEmpty(t, errMsg)
	})

	t.Run("InvalidWithZeroExit", func(t *testing.T) {
		status, _, _ := classify(&command.Result{
			Output:   []byte("RESULT: invalid\n"),
			ExitCode: 0,
		})
		assert.Equal(t, types.StatusSystemError, status)
	})

	t.Run("NoMarker", func(t *testing.T) {
		status, errMsg, _ := classify(&command.Result{
			Output:   []byte("segfault\n"),
			ExitCode: 139,
		})
		assert.Equal(t, types.StatusSystemError, status)
		assert.Contains(t, errMsg, "139")
	})
}
