package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat_server/server/chat/domain"
)

type UserRepository struct {
	pool *pgxpool.Pool
}

func NewUserRepository(pool *pgxpool.Pool) *UserRepository {
	return &UserRepository{pool: pool}
}

func (r *UserRepository) CreateUser(ctx context.Context, user domain.User) (domain.User, error) {
	err := r.pool.QueryRow(ctx, `
		INSERT INTO users(username, display_name, avatar_url, password_hash)
		VALUES($1, $2, $3, $4)
		RETURNING user_id, created_at, updated_at
	`, user.Username, user.DisplayName, user.AvatarURL, user.PasswordHash).Scan(&user.ID, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		return domain.User{}, domain.Persistence("create user", err)
	}
	return user, nil
}

func (r *UserRepository) GetByID(ctx context.Context, userID string) (domain.User, error) {
	return r.getOne(ctx, `WHERE user_id=$1`, userID)
}

func (r *UserRepository) GetByUsername(ctx context.Context, username string) (domain.User, error) {
	return r.getOne(ctx, `WHERE username=$1`, username)
}

func (r *UserRepository) getOne(ctx context.Context, where string, arg any) (domain.User, error) {
	var user domain.User
	err := r.pool.QueryRow(ctx, `
		SELECT user_id AS id, username, display_name, avatar_url, password_hash, created_at, updated_at
		FROM users `+where,
		arg).Scan(&user.ID, &user.Username, &user.DisplayName, &user.AvatarURL, &user.PasswordHash, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.User{}, domain.NotFound("user not found")
		}
		return domain.User{}, domain.Persistence("get user", err)
	}
	return user, nil
}

func (r *UserRepository) UpdateAvatar(ctx context.Context, userID, avatarURL string) error {
	cmd, err := r.pool.Exec(ctx, `UPDATE users SET avatar_url=$1, updated_at=NOW() WHERE user_id=$2`, avatarURL, userID)
	if err != nil {
		return domain.Persistence("update avatar", err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.NotFound("user not found")
	}
	return nil
}

// Friendships are stored once per unordered pair (user_a < user_b).
func friendPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func (r *UserRepository) AddFriend(ctx context.Context, a, b string) error {
	userA, userB := friendPair(a, b)
	_, err := r.pool.Exec(ctx, `
		INSERT INTO friendships(user_a, user_b) VALUES($1, $2)
		ON CONFLICT DO NOTHING
	`, userA, userB)
	if err != nil {
		return domain.Persistence("add friend", err)
	}
	return nil
}

func (r *UserRepository) RemoveFriend(ctx context.Context, a, b string) error {
	userA, userB := friendPair(a, b)
	_, err := r.pool.Exec(ctx, `DELETE FROM friendships WHERE user_a=$1 AND user_b=$2`, userA, userB)
	if err != nil {
		return domain.Persistence("remove friend", err)
	}
	return nil
}

func (r *UserRepository) AreFriends(ctx context.Context, a, b string) (bool, error) {
	userA, userB := friendPair(a, b)
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM friendships WHERE user_a=$1 AND user_b=$2)
	`, userA, userB).Scan(&exists)
	if err != nil {
		return false, domain.Persistence("check friendship", err)
	}
	return exists, nil
}

func (r *UserRepository) ListFriendIDs(ctx context.Context, userID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT CASE WHEN user_a=$1 THEN user_b ELSE user_a END
		FROM friendships
		WHERE user_a=$1 OR user_b=$1
	`, userID)
	if err != nil {
		return nil, domain.Persistence("list friends", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, domain.Persistence("list friends", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *UserRepository) Block(ctx context.Context, blockerID, blockedID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO user_blocks(blocker_id, blocked_id) VALUES($1, $2)
		ON CONFLICT DO NOTHING
	`, blockerID, blockedID)
	if err != nil {
		return domain.Persistence("block user", err)
	}
	return nil
}

func (r *UserRepository) Unblock(ctx context.Context, blockerID, blockedID string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM user_blocks WHERE blocker_id=$1 AND blocked_id=$2`, blockerID, blockedID)
	if err != nil {
		return domain.Persistence("unblock user", err)
	}
	return nil
}

// IsBlocked is directional: has blockerID blocked blockedID.
func (r *UserRepository) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM user_blocks WHERE blocker_id=$1 AND blocked_id=$2)
	`, blockerID, blockedID).Scan(&exists)
	if err != nil {
		return false, domain.Persistence("check block", err)
	}
	return exists, nil
}
