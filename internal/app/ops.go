package app

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nuetzliches/peeklock/internal/broker"
	"github.com/nuetzliches/peeklock/internal/queue"
)

const (
	defaultPeekMax = 32
	maxPeekMax     = broker.MaxBatch
)

// opsServer exposes health, metrics and read-only queue inspection.
type opsServer struct {
	broker   *broker.Broker
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

func newOpsHandler(b *broker.Broker, gatherer prometheus.Gatherer, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &opsServer{broker: b, gatherer: gatherer, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(withAccessLog(logger))

	r.Get("/healthz", s.handleHealthz)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	r.Route("/queues", func(r chi.Router) {
		r.Get("/", s.handleListQueues)
		r.Get("/{name}", s.handleQueueStats)
		r.Get("/{name}/messages", s.handlePeek)
		r.Get("/{name}/deadletter", s.handlePeekDeadLetter)
	})
	return r
}

func (s *opsServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":     true,
		"queues": len(s.broker.Queues()),
	})
}

func (s *opsServer) handleListQueues(w http.ResponseWriter, r *http.Request) {
	names := s.broker.Queues()
	out := make([]broker.QueueStats, 0, len(names))
	for _, name := range names {
		st, err := s.broker.Stats(r.Context(), name)
		if errors.Is(err, queue.ErrQueueNotFound) {
			// Deleted between listing and counting.
			continue
		}
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, map[string]any{"queues": out})
}

func (s *opsServer) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.broker.Stats(r.Context(), chi.URLParam(r, "name"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *opsServer) handlePeek(w http.ResponseWriter, r *http.Request) {
	s.peek(w, r, chi.URLParam(r, "name"))
}

func (s *opsServer) handlePeekDeadLetter(w http.ResponseWriter, r *http.Request) {
	s.peek(w, r, queue.DeadLetterPath(chi.URLParam(r, "name")))
}

func (s *opsServer) peek(w http.ResponseWriter, r *http.Request, entity string) {
	from, err := queryInt(r, "from", 0)
	if err != nil || from < 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "from must be a non-negative integer"})
		return
	}
	max, err := queryInt(r, "max", defaultPeekMax)
	if err != nil || max <= 0 || max > maxPeekMax {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "max must be in range 1.." + strconv.Itoa(maxPeekMax)})
		return
	}

	msgs, err := s.broker.Peek(r.Context(), entity, from, int(max))
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]messageView, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, newMessageView(m))
	}
	writeJSON(w, http.StatusOK, map[string]any{"entity": entity, "messages": out})
}

func (s *opsServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, queue.ErrQueueNotFound):
		status = http.StatusNotFound
	case errors.Is(err, queue.ErrInvalidOperation):
		status = http.StatusBadRequest
	default:
		s.logger.Error("ops_request_failed", slog.Any("err", err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, key string, def int64) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// messageView is the browse representation of a message. Lock tokens are
// never exposed.
type messageView struct {
	SequenceNumber        int64            `json:"sequence_number"`
	ID                    string           `json:"message_id"`
	State                 string           `json:"state"`
	SessionID             string           `json:"session_id,omitempty"`
	ContentType           string           `json:"content_type,omitempty"`
	CorrelationID         string           `json:"correlation_id,omitempty"`
	Subject               string           `json:"subject,omitempty"`
	Properties            queue.Properties `json:"properties,omitempty"`
	BodyBytes             int              `json:"body_bytes"`
	DeliveryCount         int              `json:"delivery_count"`
	EnqueuedAt            time.Time        `json:"enqueued_at"`
	ScheduledAt           *time.Time       `json:"scheduled_at,omitempty"`
	LockedUntil           *time.Time       `json:"locked_until,omitempty"`
	DeadLetterReason      string           `json:"dead_letter_reason,omitempty"`
	DeadLetterDescription string           `json:"dead_letter_description,omitempty"`
}

func newMessageView(m queue.Message) messageView {
	v := messageView{
		SequenceNumber:        m.SequenceNumber,
		ID:                    m.ID,
		State:                 string(m.State),
		SessionID:             m.SessionID,
		ContentType:           m.ContentType,
		CorrelationID:         m.CorrelationID,
		Subject:               m.Subject,
		Properties:            m.Properties,
		BodyBytes:             len(m.Body),
		DeliveryCount:         m.DeliveryCount,
		EnqueuedAt:            m.EnqueuedAt,
		DeadLetterReason:      m.DeadLetterReason,
		DeadLetterDescription: m.DeadLetterDescription,
	}
	if !m.ScheduledAt.IsZero() {
		t := m.ScheduledAt
		v.ScheduledAt = &t
	}
	if !m.LockedUntil.IsZero() {
		t := m.LockedUntil
		v.LockedUntil = &t
	}
	return v
}
