package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"chat_server/server/chat/domain"
	commonauth "chat_server/server/common/auth"
)

// scriptedConn feeds a fixed sequence of inbound frames, then reports the
// connection as closed.
type scriptedConn struct {
	fakeConn
	inbound [][]byte
	pos     int
}

func (c *scriptedConn) ReadMessage() (int, []byte, error) {
	if c.pos >= len(c.inbound) {
		return 0, nil, errors.New("connection closed")
	}
	frame := c.inbound[c.pos]
	c.pos++
	return 1, frame, nil
}

func frame(t *testing.T, event string, data any) []byte {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	env, err := json.Marshal(domain.Envelope{Event: event, Data: raw})
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return env
}

type sessionFixture struct {
	session   *SessionCore
	registry  *PresenceRegistry
	directory *fakeDirectory
	messages  *fakeMessages
	groups    *fakeGroupStore
	notifier  *fakeNotifier
}

func newSessionFixture() *sessionFixture {
	directory := newFakeDirectory("alice", "bob", "carol")
	directory.befriend("alice", "bob")
	registry := NewPresenceRegistry()
	messages := newFakeMessages()
	groups := newFakeGroupStore()
	identity := NewIdentityService(directory, commonauth.NewService("test-secret", 60))
	chat := NewChatService(identity, messages, groups, registry, NewKeyedMutex())
	calls := NewCallService(newFakeCallStore(), identity, registry)
	notifier := &fakeNotifier{}
	return &sessionFixture{
		session:   NewSessionCore(registry, identity, chat, calls, notifier),
		registry:  registry,
		directory: directory,
		messages:  messages,
		groups:    groups,
		notifier:  notifier,
	}
}

func (f *sessionFixture) connect(userID string) (*Client, *fakeConn) {
	conn := &fakeConn{}
	client := NewClient(userID, conn)
	f.registry.Register(client)
	return client, conn
}

func hasEvent(names []string, want string) bool {
	return countEvent(names, want) > 0
}

func countEvent(names []string, want string) int {
	n := 0
	for _, name := range names {
		if name == want {
			n++
		}
	}
	return n
}

func TestSendMessageDeliversToOnlineReceiver(t *testing.T) {
	f := newSessionFixture()
	alice, aliceConn := f.connect("alice")
	_, bobConn := f.connect("bob")

	payload, _ := json.Marshal(domain.SendMessageInput{ReceiverID: "bob", Content: "hi"})
	if err := f.session.handleSendMessage(context.Background(), alice, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	if !hasEvent(aliceConn.eventNames(), domain.EventMessageSent) {
		t.Fatalf("sender missing ack: %v", aliceConn.eventNames())
	}
	if !hasEvent(bobConn.eventNames(), domain.EventNewMessage) {
		t.Fatalf("receiver missing new_message: %v", bobConn.eventNames())
	}
	if f.notifier.count() != 0 {
		t.Fatalf("push fired for an online receiver")
	}
}

// The sender's own thread view appends the committed message from the same
// new_message event the other parties get, for both direct and group sends.
func TestSendMessageEchoesToSender(t *testing.T) {
	f := newSessionFixture()
	alice, aliceConn := f.connect("alice")

	payload, _ := json.Marshal(domain.SendMessageInput{ReceiverID: "bob", Content: "hi"})
	if err := f.session.handleSendMessage(context.Background(), alice, payload); err != nil {
		t.Fatalf("send direct: %v", err)
	}
	if countEvent(aliceConn.eventNames(), domain.EventNewMessage) != 1 {
		t.Fatalf("sender missing new_message echo after direct send: %v", aliceConn.eventNames())
	}

	groupID := f.groups.seed(domain.Group{
		Name:      "team",
		CreatorID: "alice",
		MemberIDs: []string{"alice", "bob"},
		AdminIDs:  []string{"alice"},
		IsActive:  true,
	})
	groupPayload, _ := json.Marshal(domain.SendMessageInput{GroupID: groupID, Content: "hi all"})
	if err := f.session.handleSendMessage(context.Background(), alice, groupPayload); err != nil {
		t.Fatalf("send group: %v", err)
	}
	if countEvent(aliceConn.eventNames(), domain.EventNewMessage) != 2 {
		t.Fatalf("sender missing new_message echo after group send: %v", aliceConn.eventNames())
	}
	if countEvent(aliceConn.eventNames(), domain.EventMessageSent) != 2 {
		t.Fatalf("acks missing alongside the echoes: %v", aliceConn.eventNames())
	}
}

func TestSendMessageToOfflineReceiverFiresExactlyOnePush(t *testing.T) {
	f := newSessionFixture()
	alice, aliceConn := f.connect("alice")

	payload, _ := json.Marshal(domain.SendMessageInput{ReceiverID: "bob", Content: "hi"})
	if err := f.session.handleSendMessage(context.Background(), alice, payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	if !hasEvent(aliceConn.eventNames(), domain.EventMessageSent) {
		t.Fatalf("sender missing ack")
	}
	if !hasEvent(aliceConn.eventNames(), domain.EventNewMessage) {
		t.Fatalf("sender missing new_message echo: %v", aliceConn.eventNames())
	}
	if f.notifier.count() != 1 {
		t.Fatalf("push count = %d, want 1", f.notifier.count())
	}
	got := f.notifier.calls[0]
	if got.UserID != "bob" || got.N.Kind != "message" {
		t.Fatalf("push = %+v", got)
	}
	if got.N.Title != "alice" {
		t.Fatalf("push title = %q, want sender display name", got.N.Title)
	}
}

func TestConnectionLifecycleBroadcastsPresence(t *testing.T) {
	f := newSessionFixture()
	_, bobConn := f.connect("bob")

	conn := &scriptedConn{inbound: [][]byte{
		frame(t, "bogus_event", struct{}{}),
	}}
	client := NewClient("alice", conn)
	f.session.HandleConnection(context.Background(), client)

	names := conn.eventNames()
	if len(names) == 0 || names[0] != domain.EventOnlineUsers {
		t.Fatalf("first event = %v, want online_users", names)
	}
	if !hasEvent(names, domain.EventError) {
		t.Fatalf("unknown event did not produce an error event: %v", names)
	}
	if !conn.isClosed() {
		t.Fatalf("connection not closed on teardown")
	}
	if f.registry.IsOnline("alice") {
		t.Fatalf("user still registered after disconnect")
	}

	bobEvents := bobConn.eventNames()
	if !hasEvent(bobEvents, domain.EventUserOnline) || !hasEvent(bobEvents, domain.EventUserOffline) {
		t.Fatalf("peer missed presence broadcasts: %v", bobEvents)
	}
}

func TestViewingChatBulkReadsAndNotifiesCounterpart(t *testing.T) {
	f := newSessionFixture()
	alice, _ := f.connect("alice")
	_, bobConn := f.connect("bob")

	// Two unread messages from bob to alice.
	receiver := "alice"
	for i := 0; i < 2; i++ {
		f.messages.put(domain.Message{SenderID: "bob", ReceiverID: &receiver, Content: "hey", Type: domain.MessageTypeText})
	}

	payload, _ := json.Marshal(domain.ViewingChatInput{UserID: "bob"})
	if err := f.session.handleViewingChat(context.Background(), alice, payload); err != nil {
		t.Fatalf("viewing_chat: %v", err)
	}

	var sawViewing, sawBulk bool
	for _, env := range bobConn.events() {
		switch env.Event {
		case domain.EventViewingUpdate:
			var update domain.ViewingUpdateEvent
			if err := json.Unmarshal(env.Data, &update); err == nil && update.UserID == "alice" && update.Viewing {
				sawViewing = true
			}
		case domain.EventMessagesBulkRead:
			var bulk domain.BulkReadEvent
			if err := json.Unmarshal(env.Data, &bulk); err == nil {
				if bulk.Count != 2 || bulk.ReaderID != "alice" {
					t.Fatalf("bulk read event = %+v", bulk)
				}
				sawBulk = true
			}
		}
	}
	if !sawViewing || !sawBulk {
		t.Fatalf("counterpart events incomplete: viewing=%t bulk=%t", sawViewing, sawBulk)
	}

	if !f.registry.IsViewing("alice", "bob") {
		t.Fatalf("viewing state not set")
	}
}

func TestCallInitiateBranchesOnPresence(t *testing.T) {
	f := newSessionFixture()
	alice, aliceConn := f.connect("alice")
	_, bobConn := f.connect("bob")

	payload, _ := json.Marshal(domain.CallInitiateInput{ReceiverID: "bob", Type: domain.CallTypeVoice})
	if err := f.session.handleCallInitiate(context.Background(), alice, payload); err != nil {
		t.Fatalf("call initiate: %v", err)
	}
	if !hasEvent(aliceConn.eventNames(), domain.EventCallInitiated) {
		t.Fatalf("caller missing call_initiated")
	}
	if !hasEvent(bobConn.eventNames(), domain.EventIncomingCall) {
		t.Fatalf("receiver missing incoming_call")
	}

	// Offline receiver: the call is missed and pushed instead.
	carolPayload, _ := json.Marshal(domain.CallInitiateInput{ReceiverID: "carol", Type: domain.CallTypeVoice})
	if err := f.session.handleCallInitiate(context.Background(), alice, carolPayload); err != nil {
		t.Fatalf("call initiate offline: %v", err)
	}
	if !hasEvent(aliceConn.eventNames(), domain.EventCallMissed) {
		t.Fatalf("caller missing call_missed")
	}
	if f.notifier.count() != 1 || f.notifier.calls[0].N.Kind != "missed_call" {
		t.Fatalf("missed-call push not recorded")
	}
}
