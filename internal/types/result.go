package types

type Status string

const (
	// The verification logic ran and produced a definitive answer.
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
	// The verification environment itself failed.
	StatusSystemError Status = "system_error"
	// The verification process ran but could not produce an interpretable answer.
	StatusTestError Status = "test_error"
)

func (s Status) Known() bool {
	switch s {
	case StatusSuccess, StatusFailure, StatusSystemError, StatusTestError:
		return true
	}
	return false
}

// Result is the terminal outcome record appended to a job's history.
type Result struct {
	Runner      string   `json:"runner"`
	Status      Status   `json:"status"`
	TimeBegun   int64    `json:"time_begun"`
	TimeEnded   int64    `json:"time_ended"`
	Error       string   `json:"error,omitempty"`
	BisectRange []string `json:"bisect_range,omitempty"`
}
