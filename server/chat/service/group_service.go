package service

import (
	"context"
	"strings"

	"chat_server/server/chat/domain"
)

type groupStore interface {
	CreateGroup(ctx context.Context, group domain.Group, memberIDs []string) (string, error)
	GetGroup(ctx context.Context, groupID string) (domain.Group, error)
	AddMember(ctx context.Context, groupID, userID string) error
	RemoveMember(ctx context.Context, groupID, userID string) error
	UpdateSettings(ctx context.Context, groupID string, settings domain.GroupSettings) error
	SetActive(ctx context.Context, groupID string, active bool) error
}

type systemMessageWriter interface {
	CreateGroup(ctx context.Context, msg domain.Message) (domain.Message, error)
}

// GroupService owns group membership. Every mutation also writes a
// system-typed message into the group's history and returns it so the caller
// fans it out like any other message.
type GroupService struct {
	groups   groupStore
	identity identityDirectory
	messages systemMessageWriter
	locks    *KeyedMutex
}

// NewGroupService takes the conversation locks shared with ChatService so
// membership changes and sends on the same group serialize.
func NewGroupService(groups groupStore, identity identityDirectory, messages systemMessageWriter, locks *KeyedMutex) *GroupService {
	return &GroupService{
		groups:   groups,
		identity: identity,
		messages: messages,
		locks:    locks,
	}
}

// Create builds the group with the creator unconditionally in both the
// member and admin sets, whatever the supplied member list says.
func (s *GroupService) Create(ctx context.Context, creatorID, name string, memberIDs []string, settings domain.GroupSettings) (domain.Group, domain.Message, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.Group{}, domain.Message{}, domain.Validation("group name is required")
	}

	groupID, err := s.groups.CreateGroup(ctx, domain.Group{
		Name:      name,
		CreatorID: creatorID,
		Settings:  settings,
	}, memberIDs)
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}

	sysMsg, err := s.systemMessage(ctx, groupID, creatorID, "group_created", memberIDs)
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	return group, sysMsg, nil
}

func (s *GroupService) AddMember(ctx context.Context, actorID, groupID, userID string) (domain.Group, domain.Message, error) {
	s.locks.Lock(groupID)
	defer s.locks.Unlock(groupID)

	group, err := s.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	if group.IsMember(userID) {
		return domain.Group{}, domain.Message{}, domain.Validation("user is already a member")
	}
	if _, err := s.identity.GetUser(ctx, userID); err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	if err := s.groups.AddMember(ctx, groupID, userID); err != nil {
		return domain.Group{}, domain.Message{}, err
	}

	sysMsg, err := s.systemMessage(ctx, groupID, actorID, "member_added", []string{userID})
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	group, err = s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	return group, sysMsg, nil
}

// RemoveMember rejects removal of the creator outright; the creator stays a
// member and an admin for the lifetime of the group.
func (s *GroupService) RemoveMember(ctx context.Context, actorID, groupID, userID string) (domain.Group, domain.Message, error) {
	s.locks.Lock(groupID)
	defer s.locks.Unlock(groupID)

	group, err := s.adminGroup(ctx, actorID, groupID)
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	if userID == group.CreatorID {
		return domain.Group{}, domain.Message{}, domain.Authorization("the group creator cannot be removed")
	}
	if !group.IsMember(userID) {
		return domain.Group{}, domain.Message{}, domain.NotFound("user is not a member")
	}
	if err := s.groups.RemoveMember(ctx, groupID, userID); err != nil {
		return domain.Group{}, domain.Message{}, err
	}

	sysMsg, err := s.systemMessage(ctx, groupID, actorID, "member_removed", []string{userID})
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	group, err = s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	return group, sysMsg, nil
}

// Leave removes the actor from the group. The creator cannot leave.
func (s *GroupService) Leave(ctx context.Context, actorID, groupID string) (domain.Group, domain.Message, error) {
	s.locks.Lock(groupID)
	defer s.locks.Unlock(groupID)

	group, err := s.activeGroup(ctx, groupID)
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	if actorID == group.CreatorID {
		return domain.Group{}, domain.Message{}, domain.Authorization("the group creator cannot leave the group")
	}
	if !group.IsMember(actorID) {
		return domain.Group{}, domain.Message{}, domain.NotFound("user is not a member")
	}

	// The system message is written first so the leaver still counts as a
	// member of the conversation it belongs to.
	sysMsg, err := s.systemMessage(ctx, groupID, actorID, "member_left", nil)
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	if err := s.groups.RemoveMember(ctx, groupID, actorID); err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	group, err = s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	return group, sysMsg, nil
}

func (s *GroupService) UpdateSettings(ctx context.Context, actorID, groupID string, settings domain.GroupSettings) (domain.Group, domain.Message, error) {
	s.locks.Lock(groupID)
	defer s.locks.Unlock(groupID)

	if _, err := s.adminGroup(ctx, actorID, groupID); err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	if err := s.groups.UpdateSettings(ctx, groupID, settings); err != nil {
		return domain.Group{}, domain.Message{}, err
	}

	sysMsg, err := s.systemMessage(ctx, groupID, actorID, "settings_updated", nil)
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return domain.Group{}, domain.Message{}, err
	}
	return group, sysMsg, nil
}

// Deactivate soft-disables the group; only the creator may do it.
func (s *GroupService) Deactivate(ctx context.Context, actorID, groupID string) error {
	s.locks.Lock(groupID)
	defer s.locks.Unlock(groupID)

	group, err := s.activeGroup(ctx, groupID)
	if err != nil {
		return err
	}
	if actorID != group.CreatorID {
		return domain.Authorization("only the creator may delete the group")
	}
	return s.groups.SetActive(ctx, groupID, false)
}

func (s *GroupService) Get(ctx context.Context, groupID string) (domain.Group, error) {
	return s.activeGroup(ctx, groupID)
}

func (s *GroupService) activeGroup(ctx context.Context, groupID string) (domain.Group, error) {
	group, err := s.groups.GetGroup(ctx, groupID)
	if err != nil {
		return domain.Group{}, err
	}
	if !group.IsActive {
		return domain.Group{}, domain.NotFound("group not found")
	}
	return group, nil
}

func (s *GroupService) adminGroup(ctx context.Context, actorID, groupID string) (domain.Group, error) {
	group, err := s.activeGroup(ctx, groupID)
	if err != nil {
		return domain.Group{}, err
	}
	if !group.IsAdmin(actorID) {
		return domain.Group{}, domain.Authorization("only group admins may do this")
	}
	return group, nil
}

func (s *GroupService) systemMessage(ctx context.Context, groupID, actorID, action string, affectedIDs []string) (domain.Message, error) {
	return s.messages.CreateGroup(ctx, domain.Message{
		SenderID: actorID,
		GroupID:  &groupID,
		Type:     domain.MessageTypeSystem,
		System: &domain.SystemMeta{
			Action:      action,
			ActorID:     actorID,
			AffectedIDs: affectedIDs,
		},
	})
}
