package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat_server/server/chat/domain"
)

type RoomRepository struct {
	pool *pgxpool.Pool
}

func NewRoomRepository(pool *pgxpool.Pool) *RoomRepository {
	return &RoomRepository{pool: pool}
}

func (r *RoomRepository) GetByPair(ctx context.Context, a, b string) (domain.ChatRoom, error) {
	userA, userB := roomPair(a, b)
	var room domain.ChatRoom
	err := r.pool.QueryRow(ctx, `
		SELECT room_id AS id, user_a, user_b, last_message_id, last_activity_at, deleted_for_a, deleted_for_b, created_at
		FROM chat_rooms
		WHERE user_a=$1 AND user_b=$2
	`, userA, userB).Scan(&room.ID, &room.UserA, &room.UserB, &room.LastMessageID, &room.LastActivityAt,
		&room.DeletedForA, &room.DeletedForB, &room.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.ChatRoom{}, domain.NotFound("chat room not found")
		}
		return domain.ChatRoom{}, domain.Persistence("get chat room", err)
	}
	return room, nil
}

// ListForUser returns the user's direct rooms, skipping ones the user
// soft-deleted, most recently active first.
func (r *RoomRepository) ListForUser(ctx context.Context, userID string, limit int) ([]domain.ChatRoom, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT room_id AS id, user_a, user_b, last_message_id, last_activity_at, deleted_for_a, deleted_for_b, created_at
		FROM chat_rooms
		WHERE (user_a=$1 AND deleted_for_a=FALSE) OR (user_b=$1 AND deleted_for_b=FALSE)
		ORDER BY last_activity_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, domain.Persistence("list chat rooms", err)
	}
	defer rows.Close()

	items := make([]domain.ChatRoom, 0)
	for rows.Next() {
		var room domain.ChatRoom
		if err := rows.Scan(&room.ID, &room.UserA, &room.UserB, &room.LastMessageID, &room.LastActivityAt,
			&room.DeletedForA, &room.DeletedForB, &room.CreatedAt); err != nil {
			return nil, domain.Persistence("scan chat room", err)
		}
		items = append(items, room)
	}
	return items, rows.Err()
}

// SoftDeleteFor hides the room for one participant only; the row itself is
// never removed and a later message revives it.
func (r *RoomRepository) SoftDeleteFor(ctx context.Context, roomID, userID string) error {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE chat_rooms
		SET deleted_for_a = CASE WHEN user_a=$2 THEN TRUE ELSE deleted_for_a END,
		    deleted_for_b = CASE WHEN user_b=$2 THEN TRUE ELSE deleted_for_b END
		WHERE room_id=$1 AND (user_a=$2 OR user_b=$2)
	`, roomID, userID)
	if err != nil {
		return domain.Persistence("soft delete chat room", err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.NotFound("chat room not found")
	}
	return nil
}
