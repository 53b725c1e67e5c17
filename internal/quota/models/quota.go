package models

import (
	"time"

	dErrors "aegis/pkg/domain-errors"
)

// Metric identifies a quota-governed resource dimension.
type Metric string

const (
	MetricUsers              Metric = "users"
	MetricProjects           Metric = "projects"
	MetricAPICalls           Metric = "api_calls"
	MetricStorageBytes       Metric = "storage_bytes"
	MetricConcurrentSessions Metric = "concurrent_sessions"
)

func (m Metric) Valid() bool {
	switch m {
	case MetricUsers, MetricProjects, MetricAPICalls, MetricStorageBytes, MetricConcurrentSessions:
		return true
	}
	return false
}

// Windowed reports whether the metric resets on a calendar boundary.
// Absolute metrics track live counts and only move via reserve and release.
func (m Metric) Windowed() bool {
	return m == MetricAPICalls
}

// Limits holds the per-metric ceilings for one tenant.
type Limits struct {
	Users              int64 `json:"users"`
	Projects           int64 `json:"projects"`
	APICalls           int64 `json:"api_calls"`
	StorageBytes       int64 `json:"storage_bytes"`
	ConcurrentSessions int64 `json:"concurrent_sessions"`
}

func (l Limits) For(metric Metric) int64 {
	switch metric {
	case MetricUsers:
		return l.Users
	case MetricProjects:
		return l.Projects
	case MetricAPICalls:
		return l.APICalls
	case MetricStorageBytes:
		return l.StorageBytes
	case MetricConcurrentSessions:
		return l.ConcurrentSessions
	}
	return 0
}

var planLimits = map[string]Limits{
	"developer": {
		Users:              5,
		Projects:           3,
		APICalls:           10_000,
		StorageBytes:       1 << 30,
		ConcurrentSessions: 2,
	},
	"team": {
		Users:              25,
		Projects:           20,
		APICalls:           100_000,
		StorageBytes:       10 << 30,
		ConcurrentSessions: 10,
	},
	"enterprise": {
		Users:              500,
		Projects:           200,
		APICalls:           1_000_000,
		StorageBytes:       100 << 30,
		ConcurrentSessions: 100,
	},
}

// LimitsForPlan resolves the limit profile bound to a subscription plan.
func LimitsForPlan(plan string) (Limits, error) {
	limits, ok := planLimits[plan]
	if !ok {
		return Limits{}, dErrors.New(dErrors.CodeInvalidInput, "unknown plan: "+plan)
	}
	return limits, nil
}

// WindowStart returns the UTC start of the calendar month containing t.
// Windowed counters are keyed on this instant so rollover needs no sweeper.
func WindowStart(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// Usage is a point-in-time snapshot of one metric for one tenant.
type Usage struct {
	Metric      Metric    `json:"metric"`
	Used        int64     `json:"used"`
	Limit       int64     `json:"limit"`
	WindowStart time.Time `json:"window_start,omitempty"`
}
