package service

import (
	"context"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"chat_server/server/chat/domain"
	commonauth "chat_server/server/common/auth"
)

type identityStore interface {
	CreateUser(ctx context.Context, user domain.User) (domain.User, error)
	GetByID(ctx context.Context, userID string) (domain.User, error)
	GetByUsername(ctx context.Context, username string) (domain.User, error)
	AddFriend(ctx context.Context, a, b string) error
	RemoveFriend(ctx context.Context, a, b string) error
	AreFriends(ctx context.Context, a, b string) (bool, error)
	ListFriendIDs(ctx context.Context, userID string) ([]string, error)
	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) error
	IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error)
	UpdateAvatar(ctx context.Context, userID, avatarURL string) error
}

// IdentityService resolves credentials to user identities and answers the
// friend/block predicates every realtime handler depends on.
type IdentityService struct {
	users  identityStore
	tokens *commonauth.Service
}

func NewIdentityService(users identityStore, tokens *commonauth.Service) *IdentityService {
	return &IdentityService{users: users, tokens: tokens}
}

func (s *IdentityService) Signup(ctx context.Context, username, displayName, password string) (domain.User, string, error) {
	username = strings.TrimSpace(username)
	displayName = strings.TrimSpace(displayName)
	if username == "" || password == "" {
		return domain.User{}, "", domain.Validation("username and password are required")
	}
	if displayName == "" {
		displayName = username
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, "", domain.Persistence("hash password", err)
	}
	user, err := s.users.CreateUser(ctx, domain.User{
		Username:     username,
		DisplayName:  displayName,
		PasswordHash: string(hash),
	})
	if err != nil {
		return domain.User{}, "", err
	}

	token, err := s.tokens.GenerateToken(user.ID)
	if err != nil {
		return domain.User{}, "", domain.Persistence("issue token", err)
	}
	return user, token, nil
}

func (s *IdentityService) Login(ctx context.Context, username, password string) (domain.User, string, error) {
	user, err := s.users.GetByUsername(ctx, strings.TrimSpace(username))
	if err != nil {
		return domain.User{}, "", domain.Authentication("invalid credentials")
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		return domain.User{}, "", domain.Authentication("invalid credentials")
	}
	token, err := s.tokens.GenerateToken(user.ID)
	if err != nil {
		return domain.User{}, "", domain.Persistence("issue token", err)
	}
	return user, token, nil
}

// Authenticate resolves a bearer credential presented at the websocket
// handshake. A bad token refuses the connection, never degrades it.
func (s *IdentityService) Authenticate(ctx context.Context, credential string) (domain.User, error) {
	userID, err := s.tokens.UserIDFromToken(credential)
	if err != nil {
		return domain.User{}, domain.Authentication("invalid token")
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return domain.User{}, domain.Authentication("unknown user")
	}
	return user, nil
}

func (s *IdentityService) GetUser(ctx context.Context, userID string) (domain.User, error) {
	return s.users.GetByID(ctx, userID)
}

func (s *IdentityService) AreFriends(ctx context.Context, a, b string) (bool, error) {
	return s.users.AreFriends(ctx, a, b)
}

func (s *IdentityService) IsBlocked(ctx context.Context, blockerID, blockedID string) (bool, error) {
	return s.users.IsBlocked(ctx, blockerID, blockedID)
}

func (s *IdentityService) AddFriend(ctx context.Context, userID, friendID string) error {
	if userID == friendID {
		return domain.Validation("cannot add yourself as a friend")
	}
	if _, err := s.users.GetByID(ctx, friendID); err != nil {
		return err
	}
	return s.users.AddFriend(ctx, userID, friendID)
}

func (s *IdentityService) RemoveFriend(ctx context.Context, userID, friendID string) error {
	return s.users.RemoveFriend(ctx, userID, friendID)
}

func (s *IdentityService) ListFriends(ctx context.Context, userID string) ([]domain.User, error) {
	ids, err := s.users.ListFriendIDs(ctx, userID)
	if err != nil {
		return nil, err
	}
	friends := make([]domain.User, 0, len(ids))
	for _, id := range ids {
		user, err := s.users.GetByID(ctx, id)
		if err != nil {
			continue
		}
		friends = append(friends, user)
	}
	return friends, nil
}

func (s *IdentityService) Block(ctx context.Context, blockerID, blockedID string) error {
	if blockerID == blockedID {
		return domain.Validation("cannot block yourself")
	}
	if _, err := s.users.GetByID(ctx, blockedID); err != nil {
		return err
	}
	return s.users.Block(ctx, blockerID, blockedID)
}

func (s *IdentityService) Unblock(ctx context.Context, blockerID, blockedID string) error {
	return s.users.Unblock(ctx, blockerID, blockedID)
}

func (s *IdentityService) UpdateAvatar(ctx context.Context, userID, avatarURL string) error {
	return s.users.UpdateAvatar(ctx, userID, avatarURL)
}
