package models

import "time"

// Monitor check statuses, ordered by severity
const (
	CheckStatusOK      = "ok"
	CheckStatusWarning = "warning"
	CheckStatusError   = "error"
)

// CheckResult is the outcome of a single health check
type CheckResult struct {
	Name    string                 `json:"name"`
	Status  string                 `json:"status"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// MonitorReport aggregates all health checks into a worst-of overall status
type MonitorReport struct {
	Timestamp time.Time     `json:"timestamp"`
	Status    string        `json:"status"`
	Checks    []CheckResult `json:"checks"`
}

// Worst returns the more severe of two check statuses
func Worst(a, b string) string {
	rank := map[string]int{CheckStatusOK: 0, CheckStatusWarning: 1, CheckStatusError: 2}
	if rank[b] > rank[a] {
		return b
	}
	return a
}
