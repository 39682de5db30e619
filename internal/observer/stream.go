package observer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/berth-dev/baton/internal/store"
	"github.com/berth-dev/baton/internal/watch"
)

// handleStream serves GET /stream and GET /sessions/{id}/stream as
// Server-Sent Events. Connecting subscribes; disconnecting unsubscribes.
//
// A client that sends Last-Event-ID (or ?after=N) first receives every
// change past that ID from the store, then live notifications. The hub
// subscription is opened before the catch-up query so nothing committed in
// between is lost; live notifications already covered by the catch-up are
// dropped.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	sessionID := r.PathValue("id")
	if sessionID != "" {
		if _, err := s.store.GetSession(ctx, sessionID); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	after, replay, err := resumePoint(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	sub := s.hub.Subscribe(sessionID)
	defer sub.Close()

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	log := s.logger.With("session", sessionID, "remote", r.RemoteAddr)
	log.Debug("stream opened", "replay", replay, "after", after)
	defer log.Debug("stream closed")

	if replay {
		through, err := s.replay(ctx, w, sessionID, after)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("stream catch-up failed", "error", err)
				_ = writeEvent(w, "error", 0, errorResponse{Error: err.Error()})
				flusher.Flush()
			}
			return
		}
		after = through
		flusher.Flush()
	}

	keepAlive := time.NewTicker(s.opts.KeepAlive)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			if _, err := io.WriteString(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case n, open := <-sub.C:
			if !open {
				if errors.Is(sub.Err(), watch.ErrSubscriberLagged) {
					log.Warn("stream subscriber lagged, closing")
					_ = writeEvent(w, "lagged", 0, map[string]any{"last_id": after, "error": sub.Err().Error()})
					flusher.Flush()
				}
				return
			}
			if n.ID <= after && replay {
				continue
			}
			if err := writeEvent(w, string(n.Kind), n.ID, n); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// replay writes every change past afterID and returns the last ID written.
// At most opts.MaxReplays catch-ups query the store at once.
func (s *Server) replay(ctx context.Context, w io.Writer, sessionID string, afterID int64) (int64, error) {
	if err := s.replays.Acquire(ctx, 1); err != nil {
		return afterID, err
	}
	defer s.replays.Release(1)

	through := afterID
	for {
		var (
			changes []store.Change
			err     error
		)
		if sessionID == "" {
			changes, err = s.store.ChangesSince(ctx, through, s.opts.ReplayBatch)
		} else {
			changes, err = s.store.SessionChangesSince(ctx, sessionID, through, s.opts.ReplayBatch)
		}
		if err != nil {
			return through, err
		}
		for _, c := range changes {
			for _, n := range watch.Expand(c, s.opts.TerminalMarker) {
				if err := writeEvent(w, string(n.Kind), n.ID, n); err != nil {
					return through, err
				}
			}
			through = c.ID
		}
		if len(changes) < s.opts.ReplayBatch {
			return through, nil
		}
	}
}

// resumePoint reads Last-Event-ID, falling back to the after query
// parameter. replay is false when neither is present.
func resumePoint(r *http.Request) (after int64, replay bool, err error) {
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = r.URL.Query().Get("after")
	}
	if raw == "" {
		return 0, false, nil
	}
	after, err = strconv.ParseInt(raw, 10, 64)
	if err != nil || after < 0 {
		return 0, false, fmt.Errorf("resume stream: %w: bad event id %q", store.ErrInvalidInput, raw)
	}
	return after, true, nil
}

// writeEvent writes one SSE frame. id 0 omits the id field so the client's
// Last-Event-ID is left unchanged.
func writeEvent(w io.Writer, event string, id int64, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	if id > 0 {
		if _, err := fmt.Fprintf(w, "id: %d\n", id); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
