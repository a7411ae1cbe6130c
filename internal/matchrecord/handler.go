package matchrecord

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"
)

// Handler exposes the store over HTTP for the signaling and matcher
// services. All writes are idempotent at the store level, so clients may
// retry freely.
type Handler struct {
	mux *http.ServeMux
}

// RecordStore is the store surface the handler serves. *Store satisfies it.
type RecordStore interface {
	CreateMatch(ctx context.Context, m *Match) (bool, error)
	ScheduleFollowUp(ctx context.Context, f *FollowUp) error
	DueFollowUps(ctx context.Context, now time.Time, limit int) ([]FollowUp, error)
	MarkFollowUpDelivered(ctx context.Context, roomID, participantID string) error
	CreateReport(ctx context.Context, r *Report) error
	CountRecentReports(ctx context.Context, reportedID string, window time.Duration) (int, error)
}

// defaultDueLimit caps a due-follow-ups page when the caller gives none.
const defaultDueLimit = 50

// reportCountWindow is the lookback for the recent-report count returned
// with each stored report.
const reportCountWindow = 24 * time.Hour

// NewHandler builds the HTTP surface over a store. The due/delivered pair
// exists for the host platform's notifier: it polls due follow-ups, sends
// the nudges through its own channel, and acknowledges them back here.
func NewHandler(store RecordStore) *Handler {
	h := &Handler{mux: http.NewServeMux()}
	h.mux.HandleFunc("POST /likes", h.handleLike(store))
	h.mux.HandleFunc("POST /follow-ups", h.handleFollowUp(store))
	h.mux.HandleFunc("GET /follow-ups/due", h.handleDueFollowUps(store))
	h.mux.HandleFunc("POST /follow-ups/delivered", h.handleFollowUpDelivered(store))
	h.mux.HandleFunc("POST /reports", h.handleReport(store))
	h.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// LikeRequest records a decided mutual match.
type LikeRequest struct {
	RoomID       string `json:"room_id"`
	ParticipantA string `json:"participant_a"`
	ParticipantB string `json:"participant_b"`
}

// FollowUpRequest schedules a follow-up nudge.
type FollowUpRequest struct {
	RoomID        string    `json:"room_id"`
	ParticipantID string    `json:"participant_id"`
	PeerID        string    `json:"peer_id"`
	ScheduledFor  time.Time `json:"scheduled_for"`
}

// FollowUpDeliveredRequest acknowledges a delivered follow-up.
type FollowUpDeliveredRequest struct {
	RoomID        string `json:"room_id"`
	ParticipantID string `json:"participant_id"`
}

// ReportRequest persists an abuse report.
type ReportRequest struct {
	ReporterID string `json:"reporter_id"`
	ReportedID string `json:"reported_id"`
	RoomID     string `json:"room_id"`
	Reason     string `json:"reason"`
}

// ReportResponse echoes how many reports the reported participant has
// accumulated in the last day, so moderation tooling can react without a
// second query.
type ReportResponse struct {
	RecentReports int `json:"recent_reports"`
}

func (h *Handler) handleLike(store RecordStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req LikeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		if req.RoomID == "" || req.ParticipantA == "" || req.ParticipantB == "" {
			http.Error(w, "room_id and both participants required", http.StatusBadRequest)
			return
		}

		created, err := store.CreateMatch(r.Context(), &Match{
			RoomID:       req.RoomID,
			ParticipantA: req.ParticipantA,
			ParticipantB: req.ParticipantB,
		})
		if err != nil {
			log.Printf("[matchstore] create match room=%s: %v", req.RoomID, err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		if created {
			w.WriteHeader(http.StatusCreated)
		} else {
			w.WriteHeader(http.StatusOK)
		}
	}
}

func (h *Handler) handleFollowUp(store RecordStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FollowUpRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		if req.RoomID == "" || req.ParticipantID == "" || req.ScheduledFor.IsZero() {
			http.Error(w, "room_id, participant_id and scheduled_for required", http.StatusBadRequest)
			return
		}

		err := store.ScheduleFollowUp(r.Context(), &FollowUp{
			RoomID:        req.RoomID,
			ParticipantID: req.ParticipantID,
			PeerID:        req.PeerID,
			ScheduledFor:  req.ScheduledFor,
		})
		if err != nil {
			log.Printf("[matchstore] schedule follow-up room=%s: %v", req.RoomID, err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}
}

func (h *Handler) handleDueFollowUps(store RecordStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultDueLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = n
		}

		due, err := store.DueFollowUps(r.Context(), time.Now(), limit)
		if err != nil {
			log.Printf("[matchstore] due follow-ups: %v", err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		if due == nil {
			due = []FollowUp{}
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(due)
	}
}

func (h *Handler) handleFollowUpDelivered(store RecordStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req FollowUpDeliveredRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		if req.RoomID == "" || req.ParticipantID == "" {
			http.Error(w, "room_id and participant_id required", http.StatusBadRequest)
			return
		}

		if err := store.MarkFollowUpDelivered(r.Context(), req.RoomID, req.ParticipantID); err != nil {
			log.Printf("[matchstore] mark delivered room=%s: %v", req.RoomID, err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *Handler) handleReport(store RecordStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ReportRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}
		if req.ReporterID == "" || req.ReportedID == "" {
			http.Error(w, "reporter_id and reported_id required", http.StatusBadRequest)
			return
		}
		if !validReasons[req.Reason] {
			http.Error(w, "invalid reason", http.StatusBadRequest)
			return
		}

		err := store.CreateReport(r.Context(), &Report{
			ReporterID: req.ReporterID,
			ReportedID: req.ReportedID,
			RoomID:     req.RoomID,
			Reason:     req.Reason,
		})
		if err != nil {
			log.Printf("[matchstore] create report room=%s: %v", req.RoomID, err)
			http.Error(w, "storage error", http.StatusInternalServerError)
			return
		}

		count, err := store.CountRecentReports(r.Context(), req.ReportedID, reportCountWindow)
		if err != nil {
			// The report is stored; the count is advisory.
			log.Printf("[matchstore] count recent reports for %s: %v", req.ReportedID, err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(ReportResponse{RecentReports: count})
	}
}
