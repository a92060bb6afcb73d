package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat_server/server/chat/domain"
)

type GroupRepository struct {
	pool *pgxpool.Pool
}

func NewGroupRepository(pool *pgxpool.Pool) *GroupRepository {
	return &GroupRepository{pool: pool}
}

// CreateGroup inserts the group and its initial membership in one
// transaction. The creator row is written unconditionally as admin+member
// regardless of the supplied member list.
func (r *GroupRepository) CreateGroup(ctx context.Context, group domain.Group, memberIDs []string) (string, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", domain.Persistence("begin create group", err)
	}
	defer tx.Rollback(ctx)

	var groupID string
	err = tx.QueryRow(ctx, `
		INSERT INTO groups(name, avatar_url, creator_id, admin_only_posting, is_active)
		VALUES($1, $2, $3, $4, TRUE)
		RETURNING group_id
	`, group.Name, group.AvatarURL, group.CreatorID, group.Settings.AdminOnlyPosting).Scan(&groupID)
	if err != nil {
		return "", domain.Persistence("insert group", err)
	}

	for _, userID := range memberIDs {
		if userID == group.CreatorID {
			continue
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO group_members(group_id, user_id, is_admin) VALUES($1, $2, FALSE)
			ON CONFLICT DO NOTHING
		`, groupID, userID); err != nil {
			return "", domain.Persistence("insert group member", err)
		}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO group_members(group_id, user_id, is_admin) VALUES($1, $2, TRUE)
		ON CONFLICT (group_id, user_id) DO UPDATE SET is_admin=TRUE
	`, groupID, group.CreatorID); err != nil {
		return "", domain.Persistence("insert group creator", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", domain.Persistence("commit create group", err)
	}
	return groupID, nil
}

func (r *GroupRepository) GetGroup(ctx context.Context, groupID string) (domain.Group, error) {
	var group domain.Group
	err := r.pool.QueryRow(ctx, `
		SELECT group_id AS id, name, avatar_url, creator_id, admin_only_posting, last_message_id, last_activity_at, is_active, created_at
		FROM groups
		WHERE group_id=$1
	`, groupID).Scan(&group.ID, &group.Name, &group.AvatarURL, &group.CreatorID, &group.Settings.AdminOnlyPosting,
		&group.LastMessageID, &group.LastActivityAt, &group.IsActive, &group.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Group{}, domain.NotFound("group not found")
		}
		return domain.Group{}, domain.Persistence("get group", err)
	}

	rows, err := r.pool.Query(ctx, `
		SELECT user_id, is_admin FROM group_members WHERE group_id=$1 ORDER BY joined_at
	`, groupID)
	if err != nil {
		return domain.Group{}, domain.Persistence("list group members", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			userID  string
			isAdmin bool
		)
		if err := rows.Scan(&userID, &isAdmin); err != nil {
			return domain.Group{}, domain.Persistence("scan group member", err)
		}
		group.MemberIDs = append(group.MemberIDs, userID)
		if isAdmin {
			group.AdminIDs = append(group.AdminIDs, userID)
		}
	}
	return group, rows.Err()
}

func (r *GroupRepository) AddMember(ctx context.Context, groupID, userID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO group_members(group_id, user_id, is_admin) VALUES($1, $2, FALSE)
		ON CONFLICT DO NOTHING
	`, groupID, userID)
	if err != nil {
		return domain.Persistence("add group member", err)
	}
	return nil
}

func (r *GroupRepository) RemoveMember(ctx context.Context, groupID, userID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM group_members WHERE group_id=$1 AND user_id=$2
	`, groupID, userID)
	if err != nil {
		return domain.Persistence("remove group member", err)
	}
	return nil
}

func (r *GroupRepository) UpdateSettings(ctx context.Context, groupID string, settings domain.GroupSettings) error {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE groups SET admin_only_posting=$2 WHERE group_id=$1
	`, groupID, settings.AdminOnlyPosting)
	if err != nil {
		return domain.Persistence("update group settings", err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.NotFound("group not found")
	}
	return nil
}

func (r *GroupRepository) SetActive(ctx context.Context, groupID string, active bool) error {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE groups SET is_active=$2 WHERE group_id=$1
	`, groupID, active)
	if err != nil {
		return domain.Persistence("set group active", err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.NotFound("group not found")
	}
	return nil
}

func (r *GroupRepository) ListForUser(ctx context.Context, userID string, limit int) ([]domain.Group, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT g.group_id AS id, g.name, g.avatar_url, g.creator_id, g.admin_only_posting,
		       g.last_message_id, g.last_activity_at, g.is_active, g.created_at
		FROM groups g
		JOIN group_members m ON m.group_id = g.group_id
		WHERE m.user_id=$1 AND g.is_active=TRUE
		ORDER BY g.last_activity_at DESC
		LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, domain.Persistence("list groups", err)
	}
	defer rows.Close()

	items := make([]domain.Group, 0)
	for rows.Next() {
		var group domain.Group
		if err := rows.Scan(&group.ID, &group.Name, &group.AvatarURL, &group.CreatorID, &group.Settings.AdminOnlyPosting,
			&group.LastMessageID, &group.LastActivityAt, &group.IsActive, &group.CreatedAt); err != nil {
			return nil, domain.Persistence("scan group", err)
		}
		items = append(items, group)
	}
	return items, rows.Err()
}
