// Package panel is the HTTP ingress used by the web panel to manage the
// groups the bot serves: confirm a join, leave, verify membership, trigger a
// sync and read runtime status.
package panel

import (
	"context"
	"time"

	"adbot/internal/jobs/reconcile"
	"adbot/internal/remote"
	"adbot/internal/storage"
	"adbot/internal/transport"
)

type Config struct {
	Addr  string
	Token string

	ConfirmAttempts int           // 0 means 3
	ConfirmBackoff  time.Duration // attempt n waits n*backoff; 0 means 1s
	MembershipDays  int           // 0 means 30

	Pprof bool

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// Authority is the group-lifecycle side of the remote client.
type Authority interface {
	ConfirmGroup(ctx context.Context, g remote.GroupConfirmation) error
	NotifyGroupLeft(ctx context.Context, g remote.GroupLeft) error
}

// Syncer starts reconciliation cycles on request.
type Syncer interface {
	Trigger(ctx context.Context) bool
	Last() reconcile.Report
}

// Audit records panel actions. Optional.
type Audit interface {
	AppendAudit(ctx context.Context, e storage.AuditEntry) error
	RecentAudit(ctx context.Context, limit int) ([]storage.AuditEntry, error)
}

type Deps struct {
	Groups    transport.Groups
	Authority Authority
	Sync      Syncer
	Audit     Audit

	// Status returns extra runtime state for GET /status.
	Status func(ctx context.Context) any
}

// response is the JSON body of every endpoint.
type response struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
	Data      any    `json:"data,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// Error types reported to the panel.
const (
	errTypeValidation   = "VALIDATION_ERROR"
	errTypeNotReady     = "BOT_NOT_READY"
	errTypeInvalidGroup = "INVALID_GROUP"
	errTypeNotMember    = "BOT_NOT_MEMBER"
	errTypeConfirmation = "PANEL_CONFIRMATION_ERROR"
	errTypeLeave        = "LEAVE_FAILED"
	errTypeUnknown      = "UNKNOWN_ERROR"
	errTypeUnauthorized = "UNAUTHORIZED"
)

type joinRequest struct {
	GroupID string            `json:"group_id"`
	UserID  remote.FlexString `json:"user_id"`
	AutoAds bool              `json:"auto_ads"`
}

type leaveRequest struct {
	GroupID string            `json:"group_id"`
	UserID  remote.FlexString `json:"user_id"`
	Reason  string            `json:"reason"`
}

type verifyRequest struct {
	GroupID string `json:"group_id"`
}
