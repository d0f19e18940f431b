package cockroach

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"wavelink-backend/internal/domain"
	apperrors "wavelink-backend/pkg/errors"
)

// CallRepository handles call data operations
type CallRepository struct {
	pool *pgxpool.Pool
}

// NewCallRepository creates a new call repository
func NewCallRepository(pool *pgxpool.Pool) *CallRepository {
	return &CallRepository{pool: pool}
}

// Create persists a new call together with its initial participant set
func (r *CallRepository) Create(ctx context.Context, call *domain.Call) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	query := `
		INSERT INTO calls (
			call_id, chat_id, initiator_id, callee_id, kind, is_group, status, started_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err = tx.Exec(ctx, query,
		call.CallID,
		call.ChatID,
		call.InitiatorID,
		call.CalleeID,
		call.Kind,
		call.IsGroup,
		call.Status,
		call.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create call: %w", err)
	}

	for _, p := range call.Participants {
		_, err = tx.Exec(ctx, `
			INSERT INTO call_participants (
				call_id, user_id, status, invited_at, joined_at,
				is_muted, is_camera_off, is_screen_sharing
			) VALUES ($1, $2, $3, $4, $5, false, false, false)
		`, call.CallID, p.UserID, p.Status, p.InvitedAt, p.JoinedAt)
		if err != nil {
			return fmt.Errorf("failed to add participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit call creation: %w", err)
	}

	return nil
}

// GetByID retrieves a call with its participants in join order
func (r *CallRepository) GetByID(ctx context.Context, callID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT call_id, chat_id, initiator_id, callee_id, kind, is_group, status,
		       COALESCE(end_reason, ''), started_at, answered_at, ended_at
		FROM calls
		WHERE call_id = $1
	`

	call := &domain.Call{}
	err := r.pool.QueryRow(ctx, query, callID).Scan(
		&call.CallID,
		&call.ChatID,
		&call.InitiatorID,
		&call.CalleeID,
		&call.Kind,
		&call.IsGroup,
		&call.Status,
		&call.EndReason,
		&call.StartedAt,
		&call.AnsweredAt,
		&call.EndedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.CallNotFoundError()
		}
		return nil, fmt.Errorf("failed to get call: %w", err)
	}

	participants, err := r.getParticipants(ctx, callID)
	if err != nil {
		return nil, err
	}
	call.Participants = participants

	return call, nil
}

// UpdateStatus performs a compare-and-swap on the call status. The write only
// lands if the stored status still equals expected; otherwise Conflict is
// returned so the caller can re-read and decide.
func (r *CallRepository) UpdateStatus(ctx context.Context, callID uuid.UUID, expected, next domain.CallStatus, fields domain.CallStatusFields) error {
	query := `
		UPDATE calls
		SET status = $3,
		    end_reason = COALESCE($4, end_reason),
		    answered_at = COALESCE(answered_at, $5),
		    ended_at = COALESCE(ended_at, $6)
		WHERE call_id = $1 AND status = $2
	`

	var endReason *string
	if fields.EndReason != "" {
		s := string(fields.EndReason)
		endReason = &s
	}

	tag, err := r.pool.Exec(ctx, query, callID, expected, next, endReason, fields.AnsweredAt, fields.EndedAt)
	if err != nil {
		return fmt.Errorf("failed to update call status: %w", err)
	}

	if tag.RowsAffected() == 0 {
		// Distinguish a missing call from a lost race
		if _, err := r.GetByID(ctx, callID); err != nil {
			return err
		}
		return apperrors.ConflictError("call status changed concurrently")
	}

	return nil
}

// AddParticipant inserts a participant row if absent
func (r *CallRepository) AddParticipant(ctx context.Context, callID, userID uuid.UUID, status domain.ParticipantStatus, joinedAt *time.Time) error {
	query := `
		INSERT INTO call_participants (
			call_id, user_id, status, invited_at, joined_at,
			is_muted, is_camera_off, is_screen_sharing
		) VALUES ($1, $2, $3, $4, $5, false, false, false)
		ON CONFLICT (call_id, user_id) DO NOTHING
	`

	_, err := r.pool.Exec(ctx, query, callID, userID, status, time.Now(), joinedAt)
	if err != nil {
		return fmt.Errorf("failed to add participant: %w", err)
	}

	return nil
}

// UpdateParticipant applies the non-nil fields to a single participant row
func (r *CallRepository) UpdateParticipant(ctx context.Context, callID, userID uuid.UUID, fields domain.ParticipantFields) error {
	query := `
		UPDATE call_participants
		SET status = COALESCE($3, status),
		    joined_at = COALESCE($4, joined_at),
		    left_at = CASE WHEN $6 THEN NULL ELSE COALESCE($5, left_at) END,
		    is_muted = COALESCE($7, is_muted),
		    is_camera_off = COALESCE($8, is_camera_off),
		    is_screen_sharing = COALESCE($9, is_screen_sharing)
		WHERE call_id = $1 AND user_id = $2
	`

	var status *string
	if fields.Status != "" {
		s := string(fields.Status)
		status = &s
	}

	tag, err := r.pool.Exec(ctx, query, callID, userID, status,
		fields.JoinedAt, fields.LeftAt, fields.ClearLeftAt, fields.IsMuted, fields.IsCameraOff, fields.IsScreenSharing)
	if err != nil {
		return fmt.Errorf("failed to update participant: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.NotParticipantError()
	}

	return nil
}

// UpdateAllJoinedParticipants marks every still-joined participant with the
// given status and left timestamp; used when a call terminates
func (r *CallRepository) UpdateAllJoinedParticipants(ctx context.Context, callID uuid.UUID, status domain.ParticipantStatus, leftAt time.Time) error {
	query := `
		UPDATE call_participants
		SET status = $2, left_at = $3
		WHERE call_id = $1 AND status = 'joined' AND left_at IS NULL
	`

	_, err := r.pool.Exec(ctx, query, callID, status, leftAt)
	if err != nil {
		return fmt.Errorf("failed to update participants: %w", err)
	}

	return nil
}

// FindActiveCallForUser returns the non-terminal call the user is joined to,
// if any. Diagnostic query; the in-process index is authoritative for
// admission control.
func (r *CallRepository) FindActiveCallForUser(ctx context.Context, userID uuid.UUID) (*domain.Call, error) {
	query := `
		SELECT c.call_id
		FROM calls c
		JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE cp.user_id = $1
		  AND cp.status = 'joined' AND cp.left_at IS NULL
		  AND c.status NOT IN ('declined', 'ended', 'missed')
		ORDER BY c.started_at DESC
		LIMIT 1
	`

	var callID uuid.UUID
	err := r.pool.QueryRow(ctx, query, userID).Scan(&callID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find active call: %w", err)
	}

	return r.GetByID(ctx, callID)
}

// GetUserCalls retrieves call history for a user, newest first
func (r *CallRepository) GetUserCalls(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Call, error) {
	query := `
		SELECT DISTINCT c.call_id, c.chat_id, c.initiator_id, c.callee_id, c.kind,
		       c.is_group, c.status, COALESCE(c.end_reason, ''), c.started_at,
		       c.answered_at, c.ended_at
		FROM calls c
		LEFT JOIN call_participants cp ON c.call_id = cp.call_id
		WHERE c.initiator_id = $1 OR cp.user_id = $1
		ORDER BY c.started_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.pool.Query(ctx, query, userID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get user calls: %w", err)
	}
	defer rows.Close()

	var calls []*domain.Call
	for rows.Next() {
		call := &domain.Call{}
		err := rows.Scan(
			&call.CallID,
			&call.ChatID,
			&call.InitiatorID,
			&call.CalleeID,
			&call.Kind,
			&call.IsGroup,
			&call.Status,
			&call.EndReason,
			&call.StartedAt,
			&call.AnsweredAt,
			&call.EndedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan call: %w", err)
		}
		calls = append(calls, call)
	}

	return calls, nil
}

// GetStats aggregates call outcomes, optionally scoped to one user
func (r *CallRepository) GetStats(ctx context.Context, userID *uuid.UUID) (*domain.CallStats, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE c.status = 'ended'),
		       COUNT(*) FILTER (WHERE c.status = 'missed'),
		       COUNT(*) FILTER (WHERE c.status = 'declined'),
		       COALESCE(SUM(EXTRACT(EPOCH FROM (c.ended_at - c.answered_at))::INT)
		                FILTER (WHERE c.answered_at IS NOT NULL AND c.ended_at IS NOT NULL), 0)
		FROM calls c
		WHERE $1::UUID IS NULL
		   OR c.call_id IN (SELECT call_id FROM call_participants WHERE user_id = $1)
	`

	stats := &domain.CallStats{}
	err := r.pool.QueryRow(ctx, query, userID).Scan(
		&stats.TotalCalls,
		&stats.CompletedCalls,
		&stats.MissedCalls,
		&stats.DeclinedCalls,
		&stats.TotalDurationSecs,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get call stats: %w", err)
	}

	if stats.CompletedCalls > 0 {
		stats.AvgDurationSecs = float64(stats.TotalDurationSecs) / float64(stats.CompletedCalls)
	}

	return stats, nil
}

func (r *CallRepository) getParticipants(ctx context.Context, callID uuid.UUID) ([]*domain.CallParticipant, error) {
	query := `
		SELECT call_id, user_id, status, invited_at, joined_at, left_at,
		       is_muted, is_camera_off, is_screen_sharing
		FROM call_participants
		WHERE call_id = $1
		ORDER BY invited_at ASC
	`

	rows, err := r.pool.Query(ctx, query, callID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var participants []*domain.CallParticipant
	for rows.Next() {
		p := &domain.CallParticipant{}
		err := rows.Scan(
			&p.CallID,
			&p.UserID,
			&p.Status,
			&p.InvitedAt,
			&p.JoinedAt,
			&p.LeftAt,
			&p.IsMuted,
			&p.IsCameraOff,
			&p.IsScreenSharing,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		participants = append(participants, p)
	}

	return participants, nil
}
