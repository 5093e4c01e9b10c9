package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/quillmq/quill/internal/dispatch"
	"github.com/quillmq/quill/internal/ledger"
	"github.com/quillmq/quill/internal/topic"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.CheckHealth(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "not_serving")
		return
	}
	writeJSON(w, map[string]string{"status": "ok", "instance": s.rt.ID()})
}

func (s *Server) handleListTopics(w http.ResponseWriter, r *http.Request) {
	names := s.rt.Topics()
	out := make([]map[string]string, 0, len(names))
	for _, name := range names {
		tp, ok := s.rt.GetTopic(name)
		if !ok {
			continue
		}
		out = append(out, map[string]string{"name": name, "state": tp.State().String()})
	}
	writeJSON(w, map[string]any{"topics": out})
}

type positionJSON struct {
	Segment    uint64 `json:"segment"`
	Offset     uint64 `json:"offset"`
	BatchIndex int32  `json:"batchIndex"`
}

func toPositionJSON(p ledger.Position) positionJSON {
	return positionJSON{Segment: p.Segment, Offset: p.Offset, BatchIndex: p.Batch}
}

func (s *Server) handleTopicStats(w http.ResponseWriter, r *http.Request) {
	tp, ok := s.rt.GetTopic(chi.URLParam(r, "topic"))
	if !ok {
		writeError(w, http.StatusNotFound, "topic not open")
		return
	}
	segments, err := tp.Segments()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read segments")
		return
	}
	stats := map[string]any{
		"name":          tp.Name(),
		"state":         tp.State().String(),
		"segments":      segments,
		"producers":     tp.Sessions(),
		"subscriptions": tp.Dispatcher().Subscriptions(),
	}
	if last, ok := tp.LastStored(); ok {
		stats["lastStored"] = toPositionJSON(last)
	}
	writeJSON(w, stats)
}

func (s *Server) handleTopicEntries(w http.ResponseWriter, r *http.Request) {
	tp, ok := s.rt.GetTopic(chi.URLParam(r, "topic"))
	if !ok {
		writeError(w, http.StatusNotFound, "topic not open")
		return
	}
	var from ledger.Position
	q := r.URL.Query()
	if v := q.Get("fromSegment"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid fromSegment")
			return
		}
		from.Segment = n
	}
	if v := q.Get("fromOffset"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid fromOffset")
			return
		}
		from.Offset = n
	}
	limit := 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	entries, err := tp.ReadFrom(from, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read entries")
		return
	}
	out := make([]map[string]any, 0, len(entries))
	for _, e := range entries {
		out = append(out, map[string]any{
			"position":   toPositionJSON(e.Position),
			"producer":   e.Producer,
			"sequenceId": e.Sequence,
			"payload":    e.Payload,
		})
	}
	writeJSON(w, map[string]any{"entries": out})
}

type publishReq struct {
	Producer   string `json:"producer"`
	SequenceID int64  `json:"sequenceId"`
	Payload    []byte `json:"payload"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Producer == "" {
		writeError(w, http.StatusBadRequest, "producer is required")
		return
	}
	if max := s.rt.Config().Topics.PayloadMaxBytes; max > 0 && len(req.Payload) > max {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}
	tp, err := s.rt.OpenTopic(chi.URLParam(r, "topic"))
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "runtime unavailable")
		return
	}
	sess, err := s.session(tp, req.Producer)
	if err != nil {
		writeTopicError(w, err)
		return
	}
	pos, err := tp.Publish(r.Context(), sess, req.SequenceID, req.Payload)
	if errors.Is(err, topic.ErrFenced) {
		// The cached session was superseded; re-admit once and retry. Dedup
		// keeps the retry exactly-once if the first send was stored.
		if sess, err = s.session(tp, req.Producer); err == nil {
			pos, err = tp.Publish(r.Context(), sess, req.SequenceID, req.Payload)
		}
	}
	switch {
	case err == nil:
		writeJSON(w, map[string]any{"position": toPositionJSON(pos)})
	case errors.Is(err, topic.ErrDuplicate):
		// Positive outcome: the id is already durable.
		writeJSON(w, map[string]any{"duplicate": true})
	default:
		writeTopicError(w, err)
	}
}

func (s *Server) handleRecover(w http.ResponseWriter, r *http.Request) {
	tp, ok := s.rt.GetTopic(chi.URLParam(r, "topic"))
	if !ok {
		writeError(w, http.StatusNotFound, "topic not open")
		return
	}
	err := tp.Recover(r.Context())
	switch {
	case err == nil:
		writeJSON(w, map[string]string{"state": tp.State().String()})
	case errors.Is(err, topic.ErrRecoveryPending):
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(map[string]string{"state": tp.State().String()})
	default:
		writeTopicError(w, err)
	}
}

func (s *Server) handleDeleteTopic(w http.ResponseWriter, r *http.Request) {
	if err := s.rt.DeleteTopic(chi.URLParam(r, "topic")); err != nil {
		writeError(w, http.StatusServiceUnavailable, "runtime unavailable")
		return
	}
	writeNoContent(w)
}

// writeTopicError maps domain errors onto HTTP statuses.
func writeTopicError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, topic.ErrFenced):
		writeError(w, http.StatusConflict, "producer session fenced")
	case errors.Is(err, topic.ErrClosed), errors.Is(err, dispatch.ErrClosed):
		writeError(w, http.StatusGone, "topic closed")
	case errors.Is(err, ledger.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, "storage unavailable")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
