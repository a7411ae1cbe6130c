// Package matchrecord provides PostgreSQL-backed storage for decided
// mutual matches, their scheduled follow-ups, and abuse reports. It sits
// behind the matchstore service; the signaling servers never talk to
// Postgres directly.
package matchrecord

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// validReasons mirrors the CHECK constraint on the abuse_reports table.
var validReasons = map[string]bool{
	"harassment": true,
	"explicit":   true,
	"spam":       true,
	"underage":   true,
	"other":      true,
}

// Store manages match outcome records in PostgreSQL.
type Store struct {
	db *sql.DB
}

// Match is a decided mutual match. RoomID is the idempotency key: a room
// produces at most one match record no matter how many times the mutual
// edge is reported.
type Match struct {
	RoomID       string
	ParticipantA string
	ParticipantB string
	MatchedAt    time.Time
}

// FollowUp schedules a re-engagement nudge for one side of a mutual match.
type FollowUp struct {
	RoomID        string
	ParticipantID string
	PeerID        string
	ScheduledFor  time.Time
}

// Report is a persisted abuse report.
type Report struct {
	ReporterID string
	ReportedID string
	RoomID     string
	Reason     string
}

// NewStore creates a store backed by the given database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// CreateMatch inserts a mutual match. Repeated inserts for the same room
// are absorbed by the unique constraint; returns true iff this call created
// the record.
func (s *Store) CreateMatch(ctx context.Context, m *Match) (bool, error) {
	matchedAt := m.MatchedAt
	if matchedAt.IsZero() {
		matchedAt = time.Now()
	}

	const query = `
		INSERT INTO matches (room_id, participant_a, participant_b, matched_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id) DO NOTHING`

	res, err := s.db.ExecContext(ctx, query, m.RoomID, m.ParticipantA, m.ParticipantB, matchedAt)
	if err != nil {
		return false, fmt.Errorf("matchrecord: insert match: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("matchrecord: rows affected: %w", err)
	}
	return n > 0, nil
}

// ScheduleFollowUp stores a follow-up. One per (room, participant);
// re-scheduling moves the time.
func (s *Store) ScheduleFollowUp(ctx context.Context, f *FollowUp) error {
	const query = `
		INSERT INTO follow_ups (room_id, participant_id, peer_id, scheduled_for)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, participant_id)
		DO UPDATE SET scheduled_for = EXCLUDED.scheduled_for`

	_, err := s.db.ExecContext(ctx, query, f.RoomID, f.ParticipantID, f.PeerID, f.ScheduledFor)
	if err != nil {
		return fmt.Errorf("matchrecord: schedule follow-up: %w", err)
	}
	return nil
}

// DueFollowUps returns follow-ups due at or before the given time, oldest
// first, capped at limit.
func (s *Store) DueFollowUps(ctx context.Context, now time.Time, limit int) ([]FollowUp, error) {
	const query = `
		SELECT room_id, participant_id, peer_id, scheduled_for
		FROM follow_ups
		WHERE scheduled_for <= $1 AND delivered_at IS NULL
		ORDER BY scheduled_for
		LIMIT $2`

	rows, err := s.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("matchrecord: due follow-ups: %w", err)
	}
	defer rows.Close()

	var out []FollowUp
	for rows.Next() {
		var f FollowUp
		if err := rows.Scan(&f.RoomID, &f.ParticipantID, &f.PeerID, &f.ScheduledFor); err != nil {
			return nil, fmt.Errorf("matchrecord: scan follow-up: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// MarkFollowUpDelivered records that a follow-up was sent.
func (s *Store) MarkFollowUpDelivered(ctx context.Context, roomID, participantID string) error {
	const query = `
		UPDATE follow_ups SET delivered_at = NOW()
		WHERE room_id = $1 AND participant_id = $2 AND delivered_at IS NULL`

	_, err := s.db.ExecContext(ctx, query, roomID, participantID)
	if err != nil {
		return fmt.Errorf("matchrecord: mark delivered: %w", err)
	}
	return nil
}

// CreateReport inserts an abuse report. The reason is validated against the
// allowed set before insertion.
func (s *Store) CreateReport(ctx context.Context, r *Report) error {
	if !validReasons[r.Reason] {
		return fmt.Errorf("matchrecord: invalid reason %q", r.Reason)
	}

	const query = `
		INSERT INTO abuse_reports (reporter_id, reported_id, room_id, reason)
		VALUES ($1, $2, $3, $4)`

	_, err := s.db.ExecContext(ctx, query, r.ReporterID, r.ReportedID, r.RoomID, r.Reason)
	if err != nil {
		return fmt.Errorf("matchrecord: insert report: %w", err)
	}
	return nil
}

// CountRecentReports returns the number of reports filed against a
// participant within the window, for moderation review queries.
func (s *Store) CountRecentReports(ctx context.Context, reportedID string, window time.Duration) (int, error) {
	const query = `
		SELECT COUNT(*)
		FROM abuse_reports
		WHERE reported_id = $1
		  AND created_at >= NOW() - $2::interval`

	var count int
	err := s.db.QueryRowContext(ctx, query, reportedID, window.String()).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("matchrecord: count recent reports: %w", err)
	}
	return count, nil
}
