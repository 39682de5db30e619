// Package ledger records deduplicated domain events keyed by
// (session, group, iteration, subtype).
package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/berth-dev/baton/internal/lifecycle"
	"github.com/berth-dev/baton/internal/store"
)

// Well-known event subtypes. Any non-empty string is accepted.
const (
	SubtypeReviewIssues   = "review_issues"
	SubtypeIssueResponses = "issue_responses"
	SubtypeVerdicts       = "verdicts"
	SubtypeTechLeadIssues = "tl_issues"
)

// Ledger writes and queries events. A repeated write with the same key
// overwrites the payload and bumps the event's revision.
type Ledger struct {
	store  *store.Store
	retry  lifecycle.RetryPolicy
	logger *slog.Logger
}

// New returns a Ledger over st.
func New(st *store.Store, retry lifecycle.RetryPolicy, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{store: st, retry: retry, logger: logger.With("component", "ledger")}
}

// Key identifies one ledger slot.
type Key struct {
	SessionID string `json:"session_id"`
	GroupID   string `json:"group_id,omitempty"`
	Iteration int    `json:"iteration"`
	Subtype   string `json:"subtype"`
}

// Save stores payload under key. json.RawMessage and []byte payloads are
// stored verbatim; anything else is marshalled.
func (l *Ledger) Save(ctx context.Context, key Key, payload any) (*store.Event, error) {
	data, err := encode(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", key.Subtype, err)
	}

	var ev *store.Event
	err = l.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		ev, err = l.store.SaveEvent(ctx, store.NewEvent{
			SessionID: key.SessionID,
			GroupID:   key.GroupID,
			Iteration: key.Iteration,
			Subtype:   key.Subtype,
			Payload:   data,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if ev.Revision > 1 {
		l.logger.Debug("event overwritten", "session", key.SessionID, "group", key.GroupID,
			"iteration", key.Iteration, "subtype", key.Subtype, "revision", ev.Revision)
	}
	return ev, nil
}

// Events returns the session's events ordered by iteration, then insertion.
// An empty subtype returns every subtype; a non-positive limit returns
// every event.
func (l *Ledger) Events(ctx context.Context, sessionID, subtype string, limit int) ([]store.Event, error) {
	return l.store.ListEvents(ctx, sessionID, store.EventFilter{Subtype: subtype, Limit: limit})
}

// GroupEvents is Events restricted to one task group.
func (l *Ledger) GroupEvents(ctx context.Context, sessionID, groupID, subtype string, limit int) ([]store.Event, error) {
	return l.store.ListEvents(ctx, sessionID, store.EventFilter{GroupID: groupID, Subtype: subtype, Limit: limit})
}

// Latest returns the highest-iteration event of subtype for the session,
// or store.ErrNotFound.
func (l *Ledger) Latest(ctx context.Context, sessionID, subtype string) (*store.Event, error) {
	return l.store.LatestEvent(ctx, sessionID, subtype)
}

// Decode unmarshals an event payload into T.
func Decode[T any](ev *store.Event) (T, error) {
	var v T
	if err := json.Unmarshal(ev.Payload, &v); err != nil {
		return v, fmt.Errorf("decode %s event %d: %w", ev.Subtype, ev.ID, err)
	}
	return v, nil
}

func encode(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("null"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		return json.Marshal(p)
	}
}
