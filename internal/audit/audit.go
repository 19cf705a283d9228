// Package audit provides the append-only activity log. Every state-changing
// operation on a settlement or approval leaves an entry; entries are never
// updated or deleted.
package audit

import (
	"context"
	"time"
)

// Action identifies what happened.
type Action string

const (
	ActionCreate         Action = "CREATE"
	ActionRequestRelease Action = "REQUEST_RELEASE"
	ActionAuthorise      Action = "AUTHORISE"
	ActionStatusReset    Action = "STATUS_RESET"
	ActionGroupMigration Action = "GROUP_MIGRATION"
	ActionRecalculate    Action = "RECALCULATE"
)

// Entry is one immutable audit record.
type Entry struct {
	ID           int64     `json:"id"`
	UserID       string    `json:"userId"`
	Action       Action    `json:"action"`
	BusinessID   string    `json:"businessId"`
	Version      int64     `json:"version"`
	Comment      string    `json:"comment,omitempty"`
	GroupContext string    `json:"groupContext,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Store persists activity entries.
type Store interface {
	Append(ctx context.Context, e *Entry) error
	ListByBusinessID(ctx context.Context, businessID string, limit int) ([]*Entry, error)
	ListRecent(ctx context.Context, limit int) ([]*Entry, error)
}
