package schema

import (
	"time"

	json "github.com/goccy/go-json"
)

// StrategyStatus enumerates whether a strategy is scheduled.
type StrategyStatus string

const (
	StrategyStatusActive  StrategyStatus = "ACTIVE"
	StrategyStatusStopped StrategyStatus = "STOPPED"
)

// Strategy is the persisted definition of a strategy instance.
type Strategy struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	AccountID   string          `json:"accountId"`
	Type        string          `json:"type"`
	Asset       string          `json:"asset"`
	Schedule    string          `json:"schedule"`
	Config      json.RawMessage `json:"config,omitempty"`
	State       json.RawMessage `json:"state,omitempty"`
	Status      StrategyStatus  `json:"status"`
	Archived    bool            `json:"archived"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// ExecutionStatus enumerates lifecycle states of one strategy run.
type ExecutionStatus string

const (
	ExecutionStatusPending    ExecutionStatus = "PENDING"
	ExecutionStatusInProgress ExecutionStatus = "IN_PROGRESS"
	ExecutionStatusCompleted  ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed     ExecutionStatus = "FAILED"
)

// Active reports whether the execution has not finished.
func (s ExecutionStatus) Active() bool {
	return s == ExecutionStatusPending || s == ExecutionStatusInProgress
}

// StrategyExecution records one orchestration run.
type StrategyExecution struct {
	ID           string          `json:"id"`
	StrategyID   string          `json:"strategyId"`
	Status       ExecutionStatus `json:"status"`
	Input        json.RawMessage `json:"input,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
	StartedAt    *time.Time      `json:"startedAt,omitempty"`
	CompletedAt  *time.Time      `json:"completedAt,omitempty"`
	FailedAt     *time.Time      `json:"failedAt,omitempty"`
}

// Lease grants one owner exclusive execution rights for a strategy until it expires.
type Lease struct {
	StrategyID string    `json:"strategyId"`
	Owner      string    `json:"owner"`
	ExpiresAt  time.Time `json:"expiresAt"`
}

// Held reports whether the lease is still valid at now.
func (l Lease) Held(now time.Time) bool {
	return l.Owner != "" && now.Before(l.ExpiresAt)
}
