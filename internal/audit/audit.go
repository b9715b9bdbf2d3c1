// Package audit records admin and lifecycle mutations as append-only rows
// and provides the cursor encoding used to page through them.
package audit

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/baseliner/backend/internal/core"
	"github.com/baseliner/backend/internal/store"
)

// Actor values for audit rows.
const (
	ActorAdmin  = "admin"
	ActorDevice = "device"
	ActorSystem = "system"
)

// Context carries request attribution through a command handler so every
// mutation can emit exactly one audit row in its own transaction. It is an
// explicit value, not ambient state.
type Context struct {
	TenantID      uuid.UUID
	Actor         string
	ActorID       string
	RequestMethod string
	RequestPath   string
	RemoteAddr    string
	CorrelationID string
}

// Recorder writes audit rows.
type Recorder struct {
	store *store.Store
}

func NewRecorder(s *store.Store) *Recorder {
	return &Recorder{store: s}
}

// Entry describes one mutation.
type Entry struct {
	Action     string
	TargetType string
	TargetID   string
	Before     interface{}
	After      interface{}
}

// Record appends an audit row using the given querier (normally the
// transaction performing the mutation). Errors must propagate: auditing is
// fail-closed and aborts the enclosing transaction.
func (r *Recorder) Record(ctx context.Context, q store.Querier, ac Context, e Entry) error {
	row := &core.AuditLog{
		ID:            uuid.New(),
		TenantID:      ac.TenantID,
		TS:            time.Now().UTC(),
		Actor:         ac.Actor,
		ActorID:       ac.ActorID,
		Action:        e.Action,
		TargetType:    e.TargetType,
		TargetID:      e.TargetID,
		RequestMethod: ac.RequestMethod,
		RequestPath:   ac.RequestPath,
		RemoteAddr:    ac.RemoteAddr,
	}
	if ac.CorrelationID != "" {
		cid := ac.CorrelationID
		row.CorrelationID = &cid
	}

	var err error
	if row.Before, err = marshalSnapshot(e.Before); err != nil {
		return fmt.Errorf("audit before snapshot: %w", err)
	}
	if row.After, err = marshalSnapshot(e.After); err != nil {
		return fmt.Errorf("audit after snapshot: %w", err)
	}

	return r.store.InsertAuditLog(ctx, q, row)
}

func marshalSnapshot(v interface{}) (core.JSONText, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return core.JSONText(b), nil
}

// cursor is the opaque pagination position: strictly decreasing (ts, id).
type cursor struct {
	TS time.Time `json:"ts"`
	ID uuid.UUID `json:"id"`
}

// EncodeCursor builds the opaque cursor for the last row of a page.
func EncodeCursor(ts time.Time, id uuid.UUID) string {
	b, _ := json.Marshal(cursor{TS: ts, ID: id})
	return base64.RawURLEncoding.EncodeToString(b)
}

// DecodeCursor parses an opaque cursor. An empty cursor means "from the top".
func DecodeCursor(s string) (*time.Time, *uuid.UUID, error) {
	if s == "" {
		return nil, nil, nil
	}
	b, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, nil, core.Wrap(core.KindInputMalformed, "invalid cursor", err)
	}
	var c cursor
	if err := json.Unmarshal(b, &c); err != nil {
		return nil, nil, core.Wrap(core.KindInputMalformed, "invalid cursor", err)
	}
	return &c.TS, &c.ID, nil
}
