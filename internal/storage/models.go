package storage

import (
	"time"

	"snipr/internal/risk"
	"snipr/internal/snipe"
)

// RiskState is a user's persisted risk record. Profile is nil when the user
// never customised their limits.
type RiskState struct {
	UserID  string
	Profile *risk.Profile
	Metrics risk.Metrics
}

// AlertRecord captures an emitted outcome alert for de-duplication/auditing.
type AlertRecord struct {
	ID        int64
	SnipeID   string
	State     string
	Channels  []string
	CreatedAt time.Time
}

// RequestStatus tracks a queued snipe request through intake.
type RequestStatus string

const (
	RequestQueued    RequestStatus = "queued"
	RequestClaimed   RequestStatus = "claimed"
	RequestAccepted  RequestStatus = "accepted"
	RequestRejected  RequestStatus = "rejected"
	RequestCancelled RequestStatus = "cancelled"
)

// SnipeRequest is a snipe submitted by a CLI process and admitted by the run
// host. Once accepted the snipe carries the request's id.
type SnipeRequest struct {
	ID              string
	UserID          string
	Request         snipe.Request
	Status          RequestStatus
	Reason          string
	CancelRequested bool
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
