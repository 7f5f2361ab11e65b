package models

import "time"

type OutcomeStatus string

const (
	OutcomeSucceeded OutcomeStatus = "succeeded"
	OutcomeFailed    OutcomeStatus = "failed"
	OutcomeRejected  OutcomeStatus = "rejected"
)

// Outcome records what happened to one control command. Outcomes are kept
// for operators and never sent back to the viewer that issued the command.
type Outcome struct {
	ID          string        `json:"id"`
	SessionID   string        `json:"session_id"`
	Action      string        `json:"action"`
	Target      string        `json:"target"`
	Status      OutcomeStatus `json:"status"`
	Error       string        `json:"error,omitempty"`
	RequestedAt time.Time     `json:"requested_at"`
	FinishedAt  time.Time     `json:"finished_at"`
}
