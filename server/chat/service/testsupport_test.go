package service

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"chat_server/server/chat/domain"
)

// fakeConn is an in-memory wsConn that records everything written to it.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	return 0, nil, context.Canceled
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf := make([]byte, len(data))
	copy(buf, data)
	c.frames = append(c.frames, buf)
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) events() []domain.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Envelope, 0, len(c.frames))
	for _, frame := range c.frames {
		var env domain.Envelope
		if err := json.Unmarshal(frame, &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

func (c *fakeConn) eventNames() []string {
	events := c.events()
	names := make([]string, 0, len(events))
	for _, env := range events {
		names = append(names, env.Event)
	}
	return names
}

type pair struct{ a, b string }

// fakeDirectory answers identity lookups and the friend/block predicates.
type fakeDirectory struct {
	users   map[string]domain.User
	friends map[pair]bool
	blocked map[pair]bool
}

func newFakeDirectory(userIDs ...string) *fakeDirectory {
	d := &fakeDirectory{
		users:   map[string]domain.User{},
		friends: map[pair]bool{},
		blocked: map[pair]bool{},
	}
	for _, id := range userIDs {
		d.users[id] = domain.User{ID: id, Username: id, DisplayName: id}
	}
	return d
}

func (d *fakeDirectory) befriend(a, b string) {
	d.friends[pair{a, b}] = true
	d.friends[pair{b, a}] = true
}

func (d *fakeDirectory) block(blocker, blocked string) {
	d.blocked[pair{blocker, blocked}] = true
}

func (d *fakeDirectory) GetUser(_ context.Context, userID string) (domain.User, error) {
	user, ok := d.users[userID]
	if !ok {
		return domain.User{}, domain.NotFound("user not found")
	}
	return user, nil
}

func (d *fakeDirectory) AreFriends(_ context.Context, a, b string) (bool, error) {
	return d.friends[pair{a, b}], nil
}

func (d *fakeDirectory) IsBlocked(_ context.Context, blockerID, blockedID string) (bool, error) {
	return d.blocked[pair{blockerID, blockedID}], nil
}

// The remaining identityStore methods let the same fake back IdentityService.

func (d *fakeDirectory) CreateUser(_ context.Context, user domain.User) (domain.User, error) {
	user.ID = user.Username
	d.users[user.ID] = user
	return user, nil
}

func (d *fakeDirectory) GetByID(ctx context.Context, userID string) (domain.User, error) {
	return d.GetUser(ctx, userID)
}

func (d *fakeDirectory) GetByUsername(_ context.Context, username string) (domain.User, error) {
	for _, user := range d.users {
		if user.Username == username {
			return user, nil
		}
	}
	return domain.User{}, domain.NotFound("user not found")
}

func (d *fakeDirectory) AddFriend(_ context.Context, a, b string) error {
	d.befriend(a, b)
	return nil
}

func (d *fakeDirectory) RemoveFriend(_ context.Context, a, b string) error {
	delete(d.friends, pair{a, b})
	delete(d.friends, pair{b, a})
	return nil
}

func (d *fakeDirectory) ListFriendIDs(_ context.Context, userID string) ([]string, error) {
	var ids []string
	for p := range d.friends {
		if p.a == userID {
			ids = append(ids, p.b)
		}
	}
	return ids, nil
}

func (d *fakeDirectory) Block(_ context.Context, blockerID, blockedID string) error {
	d.block(blockerID, blockedID)
	return nil
}

func (d *fakeDirectory) Unblock(_ context.Context, blockerID, blockedID string) error {
	delete(d.blocked, pair{blockerID, blockedID})
	return nil
}

func (d *fakeDirectory) UpdateAvatar(_ context.Context, userID, avatarURL string) error {
	user, ok := d.users[userID]
	if !ok {
		return domain.NotFound("user not found")
	}
	user.AvatarURL = avatarURL
	d.users[userID] = user
	return nil
}

// fakeMessages keeps messages in memory keyed by generated ids.
type fakeMessages struct {
	mu       sync.Mutex
	seq      int
	byID     map[string]*domain.Message
	bulkRead int64
}

func newFakeMessages() *fakeMessages {
	return &fakeMessages{byID: map[string]*domain.Message{}}
}

func (m *fakeMessages) put(msg domain.Message) domain.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	msg.ID = "m" + strconv.Itoa(m.seq)
	msg.CreatedAt = time.Now()
	stored := msg
	m.byID[msg.ID] = &stored
	return msg
}

func (m *fakeMessages) CreateDirect(_ context.Context, msg domain.Message) (domain.Message, error) {
	return m.put(msg), nil
}

func (m *fakeMessages) CreateGroup(_ context.Context, msg domain.Message) (domain.Message, error) {
	return m.put(msg), nil
}

func (m *fakeMessages) GetByID(_ context.Context, messageID string) (domain.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[messageID]
	if !ok {
		return domain.Message{}, domain.NotFound("message not found")
	}
	return *msg, nil
}

func (m *fakeMessages) MarkDirectRead(_ context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg, ok := m.byID[messageID]; ok {
		msg.IsRead = true
	}
	return nil
}

func (m *fakeMessages) UpsertReceipt(_ context.Context, messageID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[messageID]
	if !ok {
		return domain.NotFound("message not found")
	}
	for _, r := range msg.ReadBy {
		if r.UserID == userID {
			return nil
		}
	}
	msg.ReadBy = append(msg.ReadBy, domain.ReadReceipt{UserID: userID, ReadAt: time.Now()})
	return nil
}

func (m *fakeMessages) BulkMarkRead(_ context.Context, senderID, readerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var count int64
	for _, msg := range m.byID {
		if msg.SenderID == senderID && msg.ReceiverID != nil && *msg.ReceiverID == readerID && !msg.IsRead {
			msg.IsRead = true
			count++
		}
	}
	m.bulkRead += count
	return count, nil
}

func (m *fakeMessages) Tombstone(_ context.Context, messageID, requesterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[messageID]
	if !ok || msg.IsDeleted || msg.SenderID != requesterID {
		return domain.NotFound("message not found")
	}
	now := time.Now()
	msg.IsDeleted = true
	msg.DeletedAt = &now
	msg.DeletedBy = &requesterID
	msg.Content = domain.DeletedPlaceholder
	msg.Type = domain.MessageTypeDeleted
	return nil
}

func (m *fakeMessages) UpsertReaction(_ context.Context, messageID, userID, emoji string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[messageID]
	if !ok {
		return domain.NotFound("message not found")
	}
	for i, r := range msg.Reactions {
		if r.UserID == userID {
			msg.Reactions[i].Emoji = emoji
			return nil
		}
	}
	msg.Reactions = append(msg.Reactions, domain.Reaction{UserID: userID, Emoji: emoji, ReactedAt: time.Now()})
	return nil
}

func (m *fakeMessages) RemoveReaction(_ context.Context, messageID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.byID[messageID]
	if !ok {
		return domain.NotFound("message not found")
	}
	kept := msg.Reactions[:0]
	for _, r := range msg.Reactions {
		if r.UserID != userID {
			kept = append(kept, r)
		}
	}
	msg.Reactions = kept
	return nil
}

// fakeGroupStore serves both the member-reader and the mutation interfaces.
type fakeGroupStore struct {
	mu     sync.Mutex
	seq    int
	groups map[string]*domain.Group
}

func newFakeGroupStore() *fakeGroupStore {
	return &fakeGroupStore{groups: map[string]*domain.Group{}}
}

func (g *fakeGroupStore) seed(group domain.Group) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.seq++
	group.ID = "g" + strconv.Itoa(g.seq)
	stored := group
	g.groups[group.ID] = &stored
	return group.ID
}

func (g *fakeGroupStore) CreateGroup(_ context.Context, group domain.Group, memberIDs []string) (string, error) {
	members := map[string]bool{group.CreatorID: true}
	for _, id := range memberIDs {
		members[id] = true
	}
	group.MemberIDs = group.MemberIDs[:0]
	for id := range members {
		group.MemberIDs = append(group.MemberIDs, id)
	}
	group.AdminIDs = []string{group.CreatorID}
	group.IsActive = true
	return g.seed(group), nil
}

func (g *fakeGroupStore) GetGroup(_ context.Context, groupID string) (domain.Group, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, ok := g.groups[groupID]
	if !ok {
		return domain.Group{}, domain.NotFound("group not found")
	}
	return *group, nil
}

func (g *fakeGroupStore) AddMember(_ context.Context, groupID, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, ok := g.groups[groupID]
	if !ok {
		return domain.NotFound("group not found")
	}
	group.MemberIDs = append(group.MemberIDs, userID)
	return nil
}

func (g *fakeGroupStore) RemoveMember(_ context.Context, groupID, userID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, ok := g.groups[groupID]
	if !ok {
		return domain.NotFound("group not found")
	}
	kept := group.MemberIDs[:0]
	for _, id := range group.MemberIDs {
		if id != userID {
			kept = append(kept, id)
		}
	}
	group.MemberIDs = kept
	return nil
}

func (g *fakeGroupStore) UpdateSettings(_ context.Context, groupID string, settings domain.GroupSettings) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, ok := g.groups[groupID]
	if !ok {
		return domain.NotFound("group not found")
	}
	group.Settings = settings
	return nil
}

func (g *fakeGroupStore) SetActive(_ context.Context, groupID string, active bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	group, ok := g.groups[groupID]
	if !ok {
		return domain.NotFound("group not found")
	}
	group.IsActive = active
	return nil
}

type staticViewing struct {
	viewer, counterpart string
}

func (v staticViewing) IsViewing(viewerID, counterpartID string) bool {
	return viewerID == v.viewer && counterpartID == v.counterpart
}

// fakeCallStore drives the call state machine in memory with the same
// eligible-from semantics as the SQL transition.
type fakeCallStore struct {
	mu    sync.Mutex
	seq   int
	calls map[string]*domain.Call
}

func newFakeCallStore() *fakeCallStore {
	return &fakeCallStore{calls: map[string]*domain.Call{}}
}

func (c *fakeCallStore) CreateCall(_ context.Context, call domain.Call) (domain.Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	call.ID = "c" + strconv.Itoa(c.seq)
	call.StartedAt = time.Now()
	stored := call
	c.calls[call.ID] = &stored
	return call, nil
}

func (c *fakeCallStore) GetCall(_ context.Context, callID string) (domain.Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.calls[callID]
	if !ok {
		return domain.Call{}, domain.NotFound("call not found")
	}
	return *call, nil
}

func (c *fakeCallStore) TransitionStatus(_ context.Context, callID string, from []domain.CallStatus, next domain.CallStatus) (domain.Call, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	call, ok := c.calls[callID]
	if !ok {
		return domain.Call{}, domain.NotFound("call not found")
	}
	eligible := false
	for _, status := range from {
		if call.Status == status {
			eligible = true
		}
	}
	if !eligible {
		return domain.Call{}, domain.NotFound("call not in an eligible state")
	}
	now := time.Now()
	call.Status = next
	switch next {
	case domain.CallAnswered:
		call.AnsweredAt = &now
	case domain.CallDeclined, domain.CallMissed, domain.CallEnded:
		call.EndedAt = &now
	}
	return *call, nil
}

func (c *fakeCallStore) SetOffer(_ context.Context, callID, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if call, ok := c.calls[callID]; ok {
		call.OfferPayload = payload
	}
	return nil
}

func (c *fakeCallStore) SetAnswer(_ context.Context, callID, payload string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if call, ok := c.calls[callID]; ok {
		call.AnswerPayload = payload
	}
	return nil
}

func (c *fakeCallStore) AppendCandidate(_ context.Context, callID, candidate string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if call, ok := c.calls[callID]; ok {
		call.Candidates = append(call.Candidates, candidate)
	}
	return nil
}

type alwaysOnline struct{}

func (alwaysOnline) IsOnline(string) bool { return true }

type neverOnline struct{}

func (neverOnline) IsOnline(string) bool { return false }

// fakeNotifier records push handoffs.
type fakeNotifier struct {
	mu    sync.Mutex
	calls []struct {
		UserID string
		N      domain.Notification
	}
}

func (n *fakeNotifier) Notify(_ context.Context, userID string, notification domain.Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.calls = append(n.calls, struct {
		UserID string
		N      domain.Notification
	}{userID, notification})
}

func (n *fakeNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.calls)
}
