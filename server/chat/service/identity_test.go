package service

import (
	"context"
	"testing"

	"chat_server/server/chat/domain"
	commonauth "chat_server/server/common/auth"
)

func newIdentityFixture() (*IdentityService, *fakeDirectory) {
	directory := newFakeDirectory()
	return NewIdentityService(directory, commonauth.NewService("test-secret", 60)), directory
}

func TestSignupLoginRoundTrip(t *testing.T) {
	svc, _ := newIdentityFixture()
	ctx := context.Background()

	user, token, err := svc.Signup(ctx, "alice", "", "hunter2")
	if err != nil {
		t.Fatalf("signup: %v", err)
	}
	if user.DisplayName != "alice" {
		t.Fatalf("display name not defaulted to username: %q", user.DisplayName)
	}
	if token == "" {
		t.Fatalf("no token issued on signup")
	}

	if _, _, err := svc.Login(ctx, "alice", "wrong"); !domain.IsKind(err, domain.KindAuthentication) {
		t.Fatalf("bad password err = %v, want authentication", err)
	}
	if _, _, err := svc.Login(ctx, "nobody", "hunter2"); !domain.IsKind(err, domain.KindAuthentication) {
		t.Fatalf("unknown user err = %v, want authentication", err)
	}

	_, loginToken, err := svc.Login(ctx, "alice", "hunter2")
	if err != nil {
		t.Fatalf("login: %v", err)
	}

	authed, err := svc.Authenticate(ctx, loginToken)
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if authed.ID != user.ID {
		t.Fatalf("authenticated as %s, want %s", authed.ID, user.ID)
	}
}

func TestAuthenticateRejectsGarbageToken(t *testing.T) {
	svc, _ := newIdentityFixture()
	if _, err := svc.Authenticate(context.Background(), "not-a-jwt"); !domain.IsKind(err, domain.KindAuthentication) {
		t.Fatalf("err = %v, want authentication", err)
	}
}

func TestSignupValidation(t *testing.T) {
	svc, _ := newIdentityFixture()
	ctx := context.Background()

	if _, _, err := svc.Signup(ctx, "", "", "pw"); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("empty username err = %v, want validation", err)
	}
	if _, _, err := svc.Signup(ctx, "alice", "", ""); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("empty password err = %v, want validation", err)
	}
}

func TestFriendAndBlockGuards(t *testing.T) {
	svc, directory := newIdentityFixture()
	ctx := context.Background()
	directory.users["alice"] = domain.User{ID: "alice", Username: "alice"}
	directory.users["bob"] = domain.User{ID: "bob", Username: "bob"}

	if err := svc.AddFriend(ctx, "alice", "alice"); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("self-friend err = %v, want validation", err)
	}
	if err := svc.AddFriend(ctx, "alice", "nobody"); !domain.IsKind(err, domain.KindNotFound) {
		t.Fatalf("unknown friend err = %v, want not_found", err)
	}
	if err := svc.AddFriend(ctx, "alice", "bob"); err != nil {
		t.Fatalf("add friend: %v", err)
	}
	friends, err := svc.AreFriends(ctx, "alice", "bob")
	if err != nil || !friends {
		t.Fatalf("friendship not recorded: %t, %v", friends, err)
	}

	if err := svc.Block(ctx, "alice", "alice"); !domain.IsKind(err, domain.KindValidation) {
		t.Fatalf("self-block err = %v, want validation", err)
	}
	if err := svc.Block(ctx, "alice", "bob"); err != nil {
		t.Fatalf("block: %v", err)
	}
	blocked, err := svc.IsBlocked(ctx, "alice", "bob")
	if err != nil || !blocked {
		t.Fatalf("block not recorded: %t, %v", blocked, err)
	}
	// Blocks are directional.
	if reverse, _ := svc.IsBlocked(ctx, "bob", "alice"); reverse {
		t.Fatalf("reverse direction reported blocked")
	}
}
