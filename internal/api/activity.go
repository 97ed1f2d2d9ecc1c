package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/nerrad567/devlink-core/internal/audit"
)

// activityChanSize is the buffer of the asynchronous activity writer.
// Entries beyond it are dropped rather than blocking requests.
const activityChanSize = 256

// recordActivity enqueues an activity entry (best-effort).
func (s *Server) recordActivity(r *http.Request, action, entityType, entityID string, details map[string]any) {
	if s.activity == nil {
		return
	}
	subject, _ := r.Context().Value(ctxKeySubject).(string)
	entry := &audit.Entry{
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Subject:    subject,
		Details:    details,
	}

	select {
	case s.activityCh <- entry:
	default:
		s.logger.Warn("activity log full, dropping entry",
			"action", action,
			"entity_type", entityType,
		)
	}
}

// drainActivity writes queued entries serially until ctx is cancelled,
// then flushes what is left.
func (s *Server) drainActivity(ctx context.Context) {
	for {
		select {
		case entry := <-s.activityCh:
			s.writeActivity(entry)
		case <-ctx.Done():
			for {
				select {
				case entry := <-s.activityCh:
					s.writeActivity(entry)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) writeActivity(entry *audit.Entry) {
	if err := s.activity.Create(context.Background(), entry); err != nil {
		s.logger.Error("activity log write failed",
			"action", entry.Action,
			"entity_type", entry.EntityType,
			"error", err,
		)
	}
}

// handleListActivity returns a page of activity entries.
//
// Query parameters: action, entity_type, entity_id, limit (default 50,
// max 200) and offset.
func (s *Server) handleListActivity(w http.ResponseWriter, r *http.Request) {
	if s.activity == nil {
		writeNotImplemented(w, "activity log is not available")
		return
	}

	q := r.URL.Query()
	filter := audit.Filter{
		Action:     q.Get("action"),
		EntityType: q.Get("entity_type"),
		EntityID:   q.Get("entity_id"),
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			filter.Offset = n
		}
	}

	result, err := s.activity.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list activity", "error", err)
		writeInternalError(w, "failed to list activity")
		return
	}
	writeJSON(w, http.StatusOK, result)
}
