package audit

import (
	"time"

	"github.com/google/uuid"
)

// Actions recorded by the platform.
const (
	ActionLogin              = "auth.login"
	ActionUserCreate         = "user.create"
	ActionImpersonationStart = "impersonation.start"
	ActionImpersonationEnd   = "impersonation.end"
	ActionVideoToken         = "video.token_issued"
	ActionOrderRefund        = "order.refund"
	ActionFileUpload         = "file.upload"
)

// Event is one entry in the audit trail. PracticeID is nil for
// platform-level events such as background impersonation expiry.
type Event struct {
	ID             uuid.UUID      `db:"id" json:"id"`
	PracticeID     *uuid.UUID     `db:"practice_id" json:"practice_id,omitempty"`
	ActorID        *uuid.UUID     `db:"actor_id" json:"actor_id,omitempty"`
	ImpersonatorID *uuid.UUID     `db:"impersonator_id" json:"impersonator_id,omitempty"`
	Action         string         `db:"action" json:"action"`
	EntityType     string         `db:"entity_type" json:"entity_type"`
	EntityID       string         `db:"entity_id" json:"entity_id"`
	Detail         map[string]any `db:"detail" json:"detail,omitempty"`
	IP             string         `db:"ip" json:"ip,omitempty"`
	CreatedAt      time.Time      `db:"created_at" json:"created_at"`
}

// Filter narrows List. Zero values match everything.
type Filter struct {
	ActorID    *uuid.UUID
	Action     string
	EntityType string
	EntityID   string
	Since      *time.Time
}
