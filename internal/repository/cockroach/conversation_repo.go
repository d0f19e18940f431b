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
)

// ConversationRepository handles conversation operations
type ConversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository creates a new conversation repository
func NewConversationRepository(pool *pgxpool.Pool) *ConversationRepository {
	return &ConversationRepository{pool: pool}
}

// FindDirectBetween returns the direct conversation shared by the two users,
// or nil if none exists
func (r *ConversationRepository) FindDirectBetween(ctx context.Context, userA, userB uuid.UUID) (*domain.Conversation, error) {
	query := `
		SELECT c.conversation_id, c.type, c.name, c.created_by, c.created_at
		FROM conversations c
		JOIN conversation_participants pa ON c.conversation_id = pa.conversation_id AND pa.user_id = $1
		JOIN conversation_participants pb ON c.conversation_id = pb.conversation_id AND pb.user_id = $2
		WHERE c.type = 'direct'
		LIMIT 1
	`

	conversation := &domain.Conversation{}
	err := r.pool.QueryRow(ctx, query, userA, userB).Scan(
		&conversation.ConversationID,
		&conversation.Type,
		&conversation.Name,
		&conversation.CreatedBy,
		&conversation.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find direct conversation: %w", err)
	}

	return conversation, nil
}

// CreateDirect creates a direct conversation between two users
func (r *ConversationRepository) CreateDirect(ctx context.Context, createdBy, other uuid.UUID) (*domain.Conversation, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	conversation := &domain.Conversation{
		ConversationID: uuid.New(),
		Type:           "direct",
		CreatedBy:      createdBy,
		CreatedAt:      time.Now(),
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO conversations (conversation_id, type, created_by, created_at)
		VALUES ($1, $2, $3, $4)
	`, conversation.ConversationID, conversation.Type, conversation.CreatedBy, conversation.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create conversation: %w", err)
	}

	for _, userID := range []uuid.UUID{createdBy, other} {
		_, err = tx.Exec(ctx, `
			INSERT INTO conversation_participants (conversation_id, user_id, role, joined_at)
			VALUES ($1, $2, 'member', $3)
		`, conversation.ConversationID, userID, conversation.CreatedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to add participant: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("failed to commit conversation creation: %w", err)
	}

	return conversation, nil
}

// IsParticipant checks whether the user belongs to the conversation
func (r *ConversationRepository) IsParticipant(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	query := `
		SELECT EXISTS (
			SELECT 1 FROM conversation_participants
			WHERE conversation_id = $1 AND user_id = $2
		)
	`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, conversationID, userID).Scan(&exists); err != nil {
		return false, fmt.Errorf("failed to check participant: %w", err)
	}

	return exists, nil
}

// GetParticipants returns the user ids of all conversation participants
func (r *ConversationRepository) GetParticipants(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	query := `
		SELECT user_id FROM conversation_participants
		WHERE conversation_id = $1
		ORDER BY joined_at ASC
	`

	rows, err := r.pool.Query(ctx, query, conversationID)
	if err != nil {
		return nil, fmt.Errorf("failed to get participants: %w", err)
	}
	defer rows.Close()

	var userIDs []uuid.UUID
	for rows.Next() {
		var userID uuid.UUID
		if err := rows.Scan(&userID); err != nil {
			return nil, fmt.Errorf("failed to scan participant: %w", err)
		}
		userIDs = append(userIDs, userID)
	}

	return userIDs, nil
}
