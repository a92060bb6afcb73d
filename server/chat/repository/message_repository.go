package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"chat_server/server/chat/domain"
)

type MessageRepository struct {
	pool *pgxpool.Pool
}

func NewMessageRepository(pool *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{pool: pool}
}

func roomPair(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

// CreateDirect persists a direct message inside a single transaction: the
// block status is re-checked at write time, the room row is created or
// revived for both participants, and the room's last-message reference is
// advanced together with the insert. A block that raced the handler's own
// check surfaces here as an authorization error with nothing written.
func (r *MessageRepository) CreateDirect(ctx context.Context, msg domain.Message) (domain.Message, error) {
	receiverID := *msg.ReceiverID
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return msg, domain.Persistence("begin direct send", err)
	}
	defer tx.Rollback(ctx)

	var blocked bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM user_blocks
			WHERE (blocker_id=$1 AND blocked_id=$2) OR (blocker_id=$2 AND blocked_id=$1)
		)
	`, msg.SenderID, receiverID).Scan(&blocked)
	if err != nil {
		return msg, domain.Persistence("check block", err)
	}
	if blocked {
		return msg, domain.Authorization("messaging between these users is blocked")
	}

	userA, userB := roomPair(msg.SenderID, receiverID)
	var roomID string
	err = tx.QueryRow(ctx, `
		INSERT INTO chat_rooms(user_a, user_b)
		VALUES($1, $2)
		ON CONFLICT (user_a, user_b)
		DO UPDATE SET deleted_for_a=FALSE, deleted_for_b=FALSE
		RETURNING room_id
	`, userA, userB).Scan(&roomID)
	if err != nil {
		return msg, domain.Persistence("ensure chat room", err)
	}

	metaJSON, err := marshalSystem(msg.System)
	if err != nil {
		return msg, domain.Persistence("encode system meta", err)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO messages(sender_id, receiver_id, content, kind, attachment_url, attachment_mime, attachment_size, attachment_thumbnail, system_meta, is_read)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING message_id, created_at
	`, msg.SenderID, receiverID, msg.Content, msg.Type,
		attachmentField(msg.Attachment, func(a *domain.Attachment) any { return a.URL }),
		attachmentField(msg.Attachment, func(a *domain.Attachment) any { return a.MimeType }),
		attachmentField(msg.Attachment, func(a *domain.Attachment) any { return a.SizeBytes }),
		attachmentField(msg.Attachment, func(a *domain.Attachment) any { return a.ThumbnailURL }),
		metaJSON, msg.IsRead).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return msg, domain.Persistence("insert message", err)
	}

	_, err = tx.Exec(ctx, `
		UPDATE chat_rooms SET last_message_id=$1, last_activity_at=$2 WHERE room_id=$3
	`, msg.ID, msg.CreatedAt, roomID)
	if err != nil {
		return msg, domain.Persistence("touch chat room", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return msg, domain.Persistence("commit direct send", err)
	}
	return msg, nil
}

// CreateGroup persists a group message and advances the group's last-message
// reference in the same transaction.
func (r *MessageRepository) CreateGroup(ctx context.Context, msg domain.Message) (domain.Message, error) {
	groupID := *msg.GroupID
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return msg, domain.Persistence("begin group send", err)
	}
	defer tx.Rollback(ctx)

	// Membership is re-checked at write time so a removal racing this send
	// cannot land a message from an ex-member.
	var isMember bool
	err = tx.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id=$1 AND user_id=$2)
	`, groupID, msg.SenderID).Scan(&isMember)
	if err != nil {
		return msg, domain.Persistence("check group membership", err)
	}
	if !isMember {
		return msg, domain.Authorization("not a member of this group")
	}

	metaJSON, err := marshalSystem(msg.System)
	if err != nil {
		return msg, domain.Persistence("encode system meta", err)
	}
	err = tx.QueryRow(ctx, `
		INSERT INTO messages(sender_id, group_id, content, kind, attachment_url, attachment_mime, attachment_size, attachment_thumbnail, system_meta)
		VALUES($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING message_id, created_at
	`, msg.SenderID, groupID, msg.Content, msg.Type,
		attachmentField(msg.Attachment, func(a *domain.Attachment) any { return a.URL }),
		attachmentField(msg.Attachment, func(a *domain.Attachment) any { return a.MimeType }),
		attachmentField(msg.Attachment, func(a *domain.Attachment) any { return a.SizeBytes }),
		attachmentField(msg.Attachment, func(a *domain.Attachment) any { return a.ThumbnailURL }),
		metaJSON).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return msg, domain.Persistence("insert group message", err)
	}

	cmd, err := tx.Exec(ctx, `
		UPDATE groups SET last_message_id=$1, last_activity_at=$2 WHERE group_id=$3 AND is_active=TRUE
	`, msg.ID, msg.CreatedAt, groupID)
	if err != nil {
		return msg, domain.Persistence("touch group", err)
	}
	if cmd.RowsAffected() == 0 {
		return msg, domain.NotFound("group not found or inactive")
	}

	if err := tx.Commit(ctx); err != nil {
		return msg, domain.Persistence("commit group send", err)
	}
	return msg, nil
}

func (r *MessageRepository) GetByID(ctx context.Context, messageID string) (domain.Message, error) {
	var (
		msg      domain.Message
		attURL   *string
		attMime  *string
		attSize  *int64
		attThumb *string
		metaJSON *string
	)
	err := r.pool.QueryRow(ctx, `
		SELECT message_id AS id, sender_id, receiver_id, group_id, content, kind,
		       attachment_url, attachment_mime, attachment_size, attachment_thumbnail,
		       system_meta, is_read, is_deleted, deleted_at, deleted_by, created_at
		FROM messages
		WHERE message_id=$1
	`, messageID).Scan(&msg.ID, &msg.SenderID, &msg.ReceiverID, &msg.GroupID, &msg.Content, &msg.Type,
		&attURL, &attMime, &attSize, &attThumb,
		&metaJSON, &msg.IsRead, &msg.IsDeleted, &msg.DeletedAt, &msg.DeletedBy, &msg.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Message{}, domain.NotFound("message not found")
		}
		return domain.Message{}, domain.Persistence("get message", err)
	}

	if attURL != nil {
		msg.Attachment = &domain.Attachment{URL: *attURL}
		if attMime != nil {
			msg.Attachment.MimeType = *attMime
		}
		if attSize != nil {
			msg.Attachment.SizeBytes = *attSize
		}
		if attThumb != nil {
			msg.Attachment.ThumbnailURL = *attThumb
		}
	}
	if metaJSON != nil && *metaJSON != "" {
		var meta domain.SystemMeta
		if err := json.Unmarshal([]byte(*metaJSON), &meta); err == nil {
			msg.System = &meta
		}
	}

	reactions, err := r.listReactions(ctx, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	msg.Reactions = reactions

	if msg.GroupID != nil {
		receipts, err := r.listReceipts(ctx, messageID)
		if err != nil {
			return domain.Message{}, err
		}
		msg.ReadBy = receipts
	}
	return msg, nil
}

func (r *MessageRepository) MarkDirectRead(ctx context.Context, messageID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE messages SET is_read=TRUE WHERE message_id=$1 AND receiver_id IS NOT NULL
	`, messageID)
	if err != nil {
		return domain.Persistence("mark read", err)
	}
	return nil
}

func (r *MessageRepository) UpsertReceipt(ctx context.Context, messageID, userID string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO message_reads(message_id, user_id, read_at)
		VALUES($1, $2, NOW())
		ON CONFLICT (message_id, user_id) DO NOTHING
	`, messageID, userID)
	if err != nil {
		return domain.Persistence("upsert receipt", err)
	}
	return nil
}

// BulkMarkRead marks every unread direct message from senderID to readerID
// as read and returns how many rows changed.
func (r *MessageRepository) BulkMarkRead(ctx context.Context, senderID, readerID string) (int64, error) {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE messages SET is_read=TRUE
		WHERE sender_id=$1 AND receiver_id=$2 AND is_read=FALSE AND is_deleted=FALSE
	`, senderID, readerID)
	if err != nil {
		return 0, domain.Persistence("bulk mark read", err)
	}
	return cmd.RowsAffected(), nil
}

func (r *MessageRepository) CountUnread(ctx context.Context, senderID, readerID string) (int64, error) {
	var count int64
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM messages
		WHERE sender_id=$1 AND receiver_id=$2 AND is_read=FALSE AND is_deleted=FALSE
	`, senderID, readerID).Scan(&count)
	if err != nil {
		return 0, domain.Persistence("count unread", err)
	}
	return count, nil
}

// Tombstone soft-deletes the message. Only the sender may delete, and only
// once; a second attempt matches no row and reports not found.
func (r *MessageRepository) Tombstone(ctx context.Context, messageID, requesterID string) error {
	cmd, err := r.pool.Exec(ctx, `
		UPDATE messages
		SET is_deleted=TRUE, deleted_at=NOW(), deleted_by=$2, content=$3, kind=$4
		WHERE message_id=$1 AND sender_id=$2 AND is_deleted=FALSE
	`, messageID, requesterID, domain.DeletedPlaceholder, domain.MessageTypeDeleted)
	if err != nil {
		return domain.Persistence("tombstone message", err)
	}
	if cmd.RowsAffected() == 0 {
		return domain.NotFound("message not found")
	}
	return nil
}

// UpsertReaction keeps at most one reaction per user per message; a repeat
// add overwrites the previous emoji (last write wins).
func (r *MessageRepository) UpsertReaction(ctx context.Context, messageID, userID, emoji string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO message_reactions(message_id, user_id, emoji, reacted_at)
		VALUES($1, $2, $3, NOW())
		ON CONFLICT (message_id, user_id)
		DO UPDATE SET emoji=EXCLUDED.emoji, reacted_at=EXCLUDED.reacted_at
	`, messageID, userID, emoji)
	if err != nil {
		return domain.Persistence("upsert reaction", err)
	}
	return nil
}

func (r *MessageRepository) RemoveReaction(ctx context.Context, messageID, userID string) error {
	_, err := r.pool.Exec(ctx, `
		DELETE FROM message_reactions WHERE message_id=$1 AND user_id=$2
	`, messageID, userID)
	if err != nil {
		return domain.Persistence("remove reaction", err)
	}
	return nil
}

func (r *MessageRepository) ListDirect(ctx context.Context, a, b string, limit int, cursorID *string) ([]domain.Message, error) {
	base := `
		SELECT message_id AS id, sender_id, receiver_id, group_id, content, kind, is_read, is_deleted, created_at
		FROM messages
		WHERE ((sender_id=$1 AND receiver_id=$2) OR (sender_id=$2 AND receiver_id=$1))`
	args := []any{a, b}
	return r.list(ctx, base, args, limit, cursorID)
}

func (r *MessageRepository) ListGroup(ctx context.Context, groupID string, limit int, cursorID *string) ([]domain.Message, error) {
	base := `
		SELECT message_id AS id, sender_id, receiver_id, group_id, content, kind, is_read, is_deleted, created_at
		FROM messages
		WHERE group_id=$1`
	args := []any{groupID}
	return r.list(ctx, base, args, limit, cursorID)
}

func (r *MessageRepository) list(ctx context.Context, base string, args []any, limit int, cursorID *string) ([]domain.Message, error) {
	idx := len(args) + 1
	if cursorID != nil {
		base += fmt.Sprintf(` AND message_id < $%d`, idx)
		args = append(args, *cursorID)
		idx++
	}
	base += fmt.Sprintf(` ORDER BY message_id DESC LIMIT $%d`, idx)
	args = append(args, limit)

	rows, err := r.pool.Query(ctx, base, args...)
	if err != nil {
		return nil, domain.Persistence("list messages", err)
	}
	defer rows.Close()

	items := make([]domain.Message, 0)
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.GroupID, &m.Content, &m.Type, &m.IsRead, &m.IsDeleted, &m.CreatedAt); err != nil {
			return nil, domain.Persistence("scan message", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (r *MessageRepository) listReactions(ctx context.Context, messageID string) ([]domain.Reaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, emoji, reacted_at FROM message_reactions WHERE message_id=$1 ORDER BY reacted_at
	`, messageID)
	if err != nil {
		return nil, domain.Persistence("list reactions", err)
	}
	defer rows.Close()

	items := make([]domain.Reaction, 0)
	for rows.Next() {
		var item domain.Reaction
		if err := rows.Scan(&item.UserID, &item.Emoji, &item.ReactedAt); err != nil {
			return nil, domain.Persistence("scan reaction", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *MessageRepository) listReceipts(ctx context.Context, messageID string) ([]domain.ReadReceipt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT user_id, read_at FROM message_reads WHERE message_id=$1 ORDER BY read_at
	`, messageID)
	if err != nil {
		return nil, domain.Persistence("list receipts", err)
	}
	defer rows.Close()

	items := make([]domain.ReadReceipt, 0)
	for rows.Next() {
		var item domain.ReadReceipt
		if err := rows.Scan(&item.UserID, &item.ReadAt); err != nil {
			return nil, domain.Persistence("scan receipt", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func marshalSystem(meta *domain.SystemMeta) (*string, error) {
	if meta == nil {
		return nil, nil
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func attachmentField(a *domain.Attachment, pick func(*domain.Attachment) any) any {
	if a == nil {
		return nil
	}
	return pick(a)
}
