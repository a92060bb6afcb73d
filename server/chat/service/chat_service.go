package service

import (
	"context"

	"chat_server/server/chat/domain"
)

type identityDirectory interface {
	GetUser(ctx context.Context, userID string) (domain.User, error)
	AreFriends(ctx context.Context, a, b string) (bool, error)
	IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error)
}

type messageStore interface {
	CreateDirect(ctx context.Context, msg domain.Message) (domain.Message, error)
	CreateGroup(ctx context.Context, msg domain.Message) (domain.Message, error)
	GetByID(ctx context.Context, messageID string) (domain.Message, error)
	MarkDirectRead(ctx context.Context, messageID string) error
	UpsertReceipt(ctx context.Context, messageID, userID string) error
	BulkMarkRead(ctx context.Context, senderID, readerID string) (int64, error)
	Tombstone(ctx context.Context, messageID, requesterID string) error
	UpsertReaction(ctx context.Context, messageID, userID, emoji string) error
	RemoveReaction(ctx context.Context, messageID, userID string) error
}

type memberReader interface {
	GetGroup(ctx context.Context, groupID string) (domain.Group, error)
}

type viewChecker interface {
	IsViewing(viewerID, counterpartID string) bool
}

// ChatService owns message mutations for both the socket path and the REST
// path, so the two can never diverge on the same entity.
type ChatService struct {
	identity identityDirectory
	messages messageStore
	groups   memberReader
	presence viewChecker
	locks    *KeyedMutex
}

// NewChatService takes the conversation locks shared with GroupService so
// sends and membership changes on the same group serialize.
func NewChatService(identity identityDirectory, messages messageStore, groups memberReader, presence viewChecker, locks *KeyedMutex) *ChatService {
	return &ChatService{
		identity: identity,
		messages: messages,
		groups:   groups,
		presence: presence,
		locks:    locks,
	}
}

// SendDirect validates, authorizes and persists a direct message. The block
// check runs symmetrically here and again inside the store's transaction, so
// a block racing this handler cannot slip a message through.
func (s *ChatService) SendDirect(ctx context.Context, senderID string, in domain.SendMessageInput) (domain.Message, error) {
	msgType, err := messageType(in)
	if err != nil {
		return domain.Message{}, err
	}
	msg := domain.Message{
		SenderID:   senderID,
		ReceiverID: &in.ReceiverID,
		Content:    in.Content,
		Type:       msgType,
		Attachment: in.Attachment,
	}
	if err := msg.Validate(); err != nil {
		return domain.Message{}, err
	}
	if in.ReceiverID == senderID {
		return domain.Message{}, domain.Validation("cannot message yourself")
	}
	if _, err := s.identity.GetUser(ctx, in.ReceiverID); err != nil {
		return domain.Message{}, err
	}

	if blocked, err := s.identity.IsBlocked(ctx, senderID, in.ReceiverID); err != nil {
		return domain.Message{}, err
	} else if blocked {
		return domain.Message{}, domain.Authorization("messaging between these users is blocked")
	}
	if blocked, err := s.identity.IsBlocked(ctx, in.ReceiverID, senderID); err != nil {
		return domain.Message{}, err
	} else if blocked {
		return domain.Message{}, domain.Authorization("messaging between these users is blocked")
	}
	if friends, err := s.identity.AreFriends(ctx, senderID, in.ReceiverID); err != nil {
		return domain.Message{}, err
	} else if !friends {
		return domain.Message{}, domain.Authorization("users are not friends")
	}

	// Read on arrival when the receiver already has this thread open.
	msg.IsRead = s.presence.IsViewing(in.ReceiverID, senderID)

	return s.messages.CreateDirect(ctx, msg)
}

// SendGroup persists a group message and returns the member ids the event
// must be fanned out to (everyone but the sender).
func (s *ChatService) SendGroup(ctx context.Context, senderID string, in domain.SendMessageInput) (domain.Message, []string, error) {
	msgType, err := messageType(in)
	if err != nil {
		return domain.Message{}, nil, err
	}
	msg := domain.Message{
		SenderID:   senderID,
		GroupID:    &in.GroupID,
		Content:    in.Content,
		Type:       msgType,
		Attachment: in.Attachment,
	}
	if err := msg.Validate(); err != nil {
		return domain.Message{}, nil, err
	}

	s.locks.Lock(in.GroupID)
	defer s.locks.Unlock(in.GroupID)

	group, err := s.groups.GetGroup(ctx, in.GroupID)
	if err != nil {
		return domain.Message{}, nil, err
	}
	if !group.IsActive {
		return domain.Message{}, nil, domain.NotFound("group not found")
	}
	if !group.IsMember(senderID) {
		return domain.Message{}, nil, domain.Authorization("not a member of this group")
	}
	if group.Settings.AdminOnlyPosting && !group.IsAdmin(senderID) {
		return domain.Message{}, nil, domain.Authorization("only admins may post in this group")
	}

	msg, err = s.messages.CreateGroup(ctx, msg)
	if err != nil {
		return domain.Message{}, nil, err
	}

	recipients := make([]string, 0, len(group.MemberIDs))
	for _, memberID := range group.MemberIDs {
		if memberID != senderID {
			recipients = append(recipients, memberID)
		}
	}
	return msg, recipients, nil
}

// MarkRead records the reader's receipt and returns the message so the
// caller can notify the original sender.
func (s *ChatService) MarkRead(ctx context.Context, readerID, messageID string) (domain.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if msg.GroupID != nil {
		if err := s.messages.UpsertReceipt(ctx, messageID, readerID); err != nil {
			return domain.Message{}, err
		}
		return msg, nil
	}
	if err := s.messages.MarkDirectRead(ctx, messageID); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// MarkConversationRead bulk-marks everything unread from counterpartID to
// readerID; returns how many messages changed.
func (s *ChatService) MarkConversationRead(ctx context.Context, readerID, counterpartID string) (int64, error) {
	return s.messages.BulkMarkRead(ctx, counterpartID, readerID)
}

// Delete tombstones a message. Only the sender may delete; a message already
// deleted reports not found. Returns the other participants for fanout.
func (s *ChatService) Delete(ctx context.Context, requesterID, messageID string) (domain.Message, []string, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return domain.Message{}, nil, err
	}
	if msg.IsDeleted {
		return domain.Message{}, nil, domain.NotFound("message not found")
	}
	if msg.SenderID != requesterID {
		return domain.Message{}, nil, domain.Authorization("only the sender may delete a message")
	}
	if err := s.messages.Tombstone(ctx, messageID, requesterID); err != nil {
		return domain.Message{}, nil, err
	}

	participants, err := s.otherParticipants(ctx, msg, requesterID)
	if err != nil {
		return domain.Message{}, nil, err
	}

	msg, err = s.messages.GetByID(ctx, messageID)
	if err != nil {
		return domain.Message{}, nil, err
	}
	return msg, participants, nil
}

// React upserts the requester's reaction (one per user, last write wins).
func (s *ChatService) React(ctx context.Context, userID, messageID, emoji string) (domain.Message, []string, error) {
	if emoji == "" {
		return domain.Message{}, nil, domain.Validation("emoji is required")
	}
	msg, err := s.reactableMessage(ctx, userID, messageID)
	if err != nil {
		return domain.Message{}, nil, err
	}
	if err := s.messages.UpsertReaction(ctx, messageID, userID, emoji); err != nil {
		return domain.Message{}, nil, err
	}
	participants, err := s.otherParticipants(ctx, msg, userID)
	if err != nil {
		return domain.Message{}, nil, err
	}
	return msg, participants, nil
}

func (s *ChatService) Unreact(ctx context.Context, userID, messageID string) (domain.Message, []string, error) {
	msg, err := s.reactableMessage(ctx, userID, messageID)
	if err != nil {
		return domain.Message{}, nil, err
	}
	if err := s.messages.RemoveReaction(ctx, messageID, userID); err != nil {
		return domain.Message{}, nil, err
	}
	participants, err := s.otherParticipants(ctx, msg, userID)
	if err != nil {
		return domain.Message{}, nil, err
	}
	return msg, participants, nil
}

func (s *ChatService) reactableMessage(ctx context.Context, userID, messageID string) (domain.Message, error) {
	msg, err := s.messages.GetByID(ctx, messageID)
	if err != nil {
		return domain.Message{}, err
	}
	if msg.IsDeleted {
		return domain.Message{}, domain.Authorization("cannot react to a deleted message")
	}
	isParticipant, err := s.isParticipant(ctx, msg, userID)
	if err != nil {
		return domain.Message{}, err
	}
	if !isParticipant {
		return domain.Message{}, domain.Authorization("not a participant of this conversation")
	}
	return msg, nil
}

func (s *ChatService) isParticipant(ctx context.Context, msg domain.Message, userID string) (bool, error) {
	if msg.GroupID != nil {
		group, err := s.groups.GetGroup(ctx, *msg.GroupID)
		if err != nil {
			return false, err
		}
		return group.IsMember(userID), nil
	}
	return msg.SenderID == userID || (msg.ReceiverID != nil && *msg.ReceiverID == userID), nil
}

func (s *ChatService) otherParticipants(ctx context.Context, msg domain.Message, excludeID string) ([]string, error) {
	if msg.GroupID != nil {
		group, err := s.groups.GetGroup(ctx, *msg.GroupID)
		if err != nil {
			return nil, err
		}
		others := make([]string, 0, len(group.MemberIDs))
		for _, memberID := range group.MemberIDs {
			if memberID != excludeID {
				others = append(others, memberID)
			}
		}
		return others, nil
	}

	if msg.SenderID != excludeID {
		return []string{msg.SenderID}, nil
	}
	if msg.ReceiverID != nil {
		return []string{*msg.ReceiverID}, nil
	}
	return nil, nil
}

// messageType resolves the client-supplied type. The system and deleted
// types are server-assigned; a client asking for them is rejected so group
// history cannot carry forged membership records.
func messageType(in domain.SendMessageInput) (domain.MessageType, error) {
	switch in.Type {
	case "":
		return domain.MessageTypeText, nil
	case domain.MessageTypeText, domain.MessageTypeImage, domain.MessageTypeVideo, domain.MessageTypeFile:
		return in.Type, nil
	default:
		return "", domain.Validation("unsupported message type")
	}
}
