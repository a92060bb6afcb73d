package service

import (
	"context"
	"encoding/json"

	"chat_server/server/chat/domain"
	commonlog "chat_server/server/common/log"
)

type eventHandler func(ctx context.Context, client *Client, data json.RawMessage) error

// SessionCore owns the connection lifecycle and the event dispatch table.
// Every client-to-server event lands here, gets routed to the owning service
// and fanned out according to who is reachable right now.
type SessionCore struct {
	registry *PresenceRegistry
	identity *IdentityService
	chat     *ChatService
	calls    *CallService
	notifier Notifier

	handlers map[string]eventHandler
}

func NewSessionCore(registry *PresenceRegistry, identity *IdentityService, chat *ChatService, calls *CallService, notifier Notifier) *SessionCore {
	s := &SessionCore{
		registry: registry,
		identity: identity,
		chat:     chat,
		calls:    calls,
		notifier: notifier,
	}
	s.handlers = map[string]eventHandler{
		domain.EventSendMessage:    s.handleSendMessage,
		domain.EventMarkRead:       s.handleMarkRead,
		domain.EventTypingStart:    s.typingHandler(true),
		domain.EventTypingStop:     s.typingHandler(false),
		domain.EventDeleteMessage:  s.handleDeleteMessage,
		domain.EventAddReaction:    s.handleAddReaction,
		domain.EventRemoveReaction: s.handleRemoveReaction,
		domain.EventViewingChat:    s.handleViewingChat,
		domain.EventCallInitiate:   s.handleCallInitiate,
		domain.EventCallAnswer:     s.handleCallAnswer,
		domain.EventCallDecline:    s.handleCallDecline,
		domain.EventCallEnd:        s.handleCallEnd,
		domain.EventWebRTCOffer:    s.handleWebRTCOffer,
		domain.EventWebRTCAnswer:   s.handleWebRTCAnswer,
		domain.EventICECandidate:   s.handleICECandidate,
	}
	return s
}

// HandleConnection runs the full lifecycle of one authenticated connection:
// registration (superseding any previous one), the presence hello, the read
// loop, and teardown. Blocks until the connection dies.
func (s *SessionCore) HandleConnection(ctx context.Context, client *Client) {
	superseded := s.registry.Register(client)
	client.SendEvent(domain.EventOnlineUsers, s.registry.Snapshot())
	s.registry.Broadcast(domain.EventUserOnline, domain.PresenceEvent{UserID: client.UserID}, client.UserID)
	commonlog.Infof("event=session action=connect user_id=%s superseded=%t", client.UserID, superseded)

	s.readLoop(ctx, client)

	client.Close()
	// Unregister reports false when a newer connection already owns the
	// entry; in that case the user never went offline.
	if s.registry.Unregister(client) {
		s.registry.Broadcast(domain.EventUserOffline, domain.PresenceEvent{UserID: client.UserID}, client.UserID)
	}
	commonlog.Infof("event=session action=disconnect user_id=%s", client.UserID)
}

func (s *SessionCore) readLoop(ctx context.Context, client *Client) {
	for {
		_, frame, err := client.conn.ReadMessage()
		if err != nil {
			return
		}

		var env domain.Envelope
		if err := json.Unmarshal(frame, &env); err != nil {
			client.SendError("", domain.Validation("malformed event frame"))
			continue
		}
		handler, ok := s.handlers[env.Event]
		if !ok {
			client.SendError(env.Event, domain.Validation("unknown event"))
			continue
		}
		if err := handler(ctx, client, env.Data); err != nil {
			commonlog.Warnf("event=session action=dispatch status=failed user_id=%s event_name=%s kind=%s error=%v",
				client.UserID, env.Event, domain.KindOf(err), err)
			client.SendError(env.Event, err)
		}
	}
}

func (s *SessionCore) handleSendMessage(ctx context.Context, client *Client, data json.RawMessage) error {
	var in domain.SendMessageInput
	if err := json.Unmarshal(data, &in); err != nil {
		return domain.Validation("malformed send_message payload")
	}

	if in.GroupID != "" {
		msg, recipients, err := s.chat.SendGroup(ctx, client.UserID, in)
		if err != nil {
			return err
		}
		s.ackSend(client, msg)
		for _, recipientID := range recipients {
			s.deliverOrNotify(ctx, recipientID, msg)
		}
		return nil
	}

	msg, err := s.chat.SendDirect(ctx, client.UserID, in)
	if err != nil {
		return err
	}
	s.ackSend(client, msg)
	s.deliverOrNotify(ctx, in.ReceiverID, msg)
	return nil
}

// ackSend confirms the committed message to the originator and echoes it as
// new_message so every open tab of the sender appends it to the thread.
func (s *SessionCore) ackSend(client *Client, msg domain.Message) {
	client.SendEvent(domain.EventMessageSent, msg)
	client.SendEvent(domain.EventNewMessage, msg)
}

// deliverOrNotify runs the fanout branch for one committed message: the
// mailbox when the recipient has a live connection, the push pipeline when
// not. Exactly one of the two fires.
func (s *SessionCore) deliverOrNotify(ctx context.Context, recipientID string, msg domain.Message) {
	if s.registry.Deliver(recipientID, domain.EventNewMessage, msg) {
		return
	}
	s.notifier.Notify(ctx, recipientID, s.messageNotification(ctx, msg))
}

func (s *SessionCore) messageNotification(ctx context.Context, msg domain.Message) domain.Notification {
	title := "New message"
	if sender, err := s.identity.GetUser(ctx, msg.SenderID); err == nil {
		title = sender.DisplayName
	}
	body := msg.Content
	if body == "" && msg.Attachment != nil {
		body = "sent an attachment"
	}
	conversationID := msg.SenderID
	if msg.GroupID != nil {
		conversationID = *msg.GroupID
	}
	return domain.Notification{
		Title:          title,
		Body:           body,
		Kind:           "message",
		ConversationID: conversationID,
		Extra:          map[string]string{"message_id": msg.ID},
	}
}

// FanoutSystemMessage pushes a membership-change message to every reachable
// member plus the users it affected (who may no longer be members). System
// messages never reach the push pipeline.
func (s *SessionCore) FanoutSystemMessage(_ context.Context, actorID string, group domain.Group, msg domain.Message) {
	seen := map[string]bool{actorID: true}
	targets := make([]string, 0, len(group.MemberIDs))
	for _, memberID := range group.MemberIDs {
		if !seen[memberID] {
			seen[memberID] = true
			targets = append(targets, memberID)
		}
	}
	if msg.System != nil {
		for _, affectedID := range msg.System.AffectedIDs {
			if !seen[affectedID] {
				seen[affectedID] = true
				targets = append(targets, affectedID)
			}
		}
	}
	for _, targetID := range targets {
		s.registry.Deliver(targetID, domain.EventNewMessage, msg)
	}
}

func (s *SessionCore) handleMarkRead(ctx context.Context, client *Client, data json.RawMessage) error {
	var in domain.MarkReadInput
	if err := json.Unmarshal(data, &in); err != nil || in.MessageID == "" {
		return domain.Validation("message_id is required")
	}

	msg, err := s.chat.MarkRead(ctx, client.UserID, in.MessageID)
	if err != nil {
		return err
	}
	if msg.SenderID != client.UserID {
		s.registry.Deliver(msg.SenderID, domain.EventMessageRead, domain.MessageReadEvent{
			MessageID: in.MessageID,
			ReaderID:  client.UserID,
		})
	}
	return nil
}

// typingHandler forwards the indicator when the counterpart is reachable and
// silently drops it otherwise. No persistence, no push, no error.
func (s *SessionCore) typingHandler(typing bool) eventHandler {
	event := domain.EventTypingStop
	if typing {
		event = domain.EventTypingStart
	}
	return func(_ context.Context, client *Client, data json.RawMessage) error {
		var in domain.TypingInput
		if err := json.Unmarshal(data, &in); err != nil || in.ReceiverID == "" {
			return domain.Validation("receiver_id is required")
		}
		s.registry.Deliver(in.ReceiverID, event, domain.TypingEvent{SenderID: client.UserID, Typing: typing})
		return nil
	}
}

func (s *SessionCore) handleDeleteMessage(ctx context.Context, client *Client, data json.RawMessage) error {
	var in domain.DeleteMessageInput
	if err := json.Unmarshal(data, &in); err != nil || in.MessageID == "" {
		return domain.Validation("message_id is required")
	}

	msg, participants, err := s.chat.Delete(ctx, client.UserID, in.MessageID)
	if err != nil {
		return err
	}
	client.SendEvent(domain.EventMessageDeleted, msg)
	for _, participantID := range participants {
		s.registry.Deliver(participantID, domain.EventMessageDeleted, msg)
	}
	return nil
}

func (s *SessionCore) handleAddReaction(ctx context.Context, client *Client, data json.RawMessage) error {
	var in domain.ReactionInput
	if err := json.Unmarshal(data, &in); err != nil || in.MessageID == "" {
		return domain.Validation("message_id is required")
	}

	_, participants, err := s.chat.React(ctx, client.UserID, in.MessageID, in.Emoji)
	if err != nil {
		return err
	}
	s.fanoutReaction(client, participants, domain.ReactionEvent{
		MessageID: in.MessageID,
		UserID:    client.UserID,
		Emoji:     in.Emoji,
	})
	return nil
}

func (s *SessionCore) handleRemoveReaction(ctx context.Context, client *Client, data json.RawMessage) error {
	var in domain.ReactionInput
	if err := json.Unmarshal(data, &in); err != nil || in.MessageID == "" {
		return domain.Validation("message_id is required")
	}

	_, participants, err := s.chat.Unreact(ctx, client.UserID, in.MessageID)
	if err != nil {
		return err
	}
	s.fanoutReaction(client, participants, domain.ReactionEvent{
		MessageID: in.MessageID,
		UserID:    client.UserID,
		Removed:   true,
	})
	return nil
}

func (s *SessionCore) fanoutReaction(client *Client, participants []string, event domain.ReactionEvent) {
	client.SendEvent(domain.EventMessageReaction, event)
	for _, participantID := range participants {
		s.registry.Deliver(participantID, domain.EventMessageReaction, event)
	}
}

// handleViewingChat records which direct thread the user has open. Opening a
// thread bulk-reads everything pending from that counterpart and tells them;
// the previously viewed counterpart learns the thread closed.
func (s *SessionCore) handleViewingChat(ctx context.Context, client *Client, data json.RawMessage) error {
	var in domain.ViewingChatInput
	if err := json.Unmarshal(data, &in); err != nil {
		return domain.Validation("malformed viewing_chat payload")
	}

	previous := s.registry.SetViewing(client.UserID, in.UserID)
	if previous != "" && previous != in.UserID {
		s.registry.Deliver(previous, domain.EventViewingUpdate, domain.ViewingUpdateEvent{
			UserID:  client.UserID,
			Viewing: false,
		})
	}
	if in.UserID == "" {
		return nil
	}

	count, err := s.chat.MarkConversationRead(ctx, client.UserID, in.UserID)
	if err != nil {
		return err
	}
	s.registry.Deliver(in.UserID, domain.EventViewingUpdate, domain.ViewingUpdateEvent{
		UserID:  client.UserID,
		Viewing: true,
	})
	if count > 0 {
		s.registry.Deliver(in.UserID, domain.EventMessagesBulkRead, domain.BulkReadEvent{
			ReaderID: client.UserID,
			Count:    count,
		})
	}
	return nil
}

func (s *SessionCore) handleCallInitiate(ctx context.Context, client *Client, data json.RawMessage) error {
	var in domain.CallInitiateInput
	if err := json.Unmarshal(data, &in); err != nil {
		return domain.Validation("malformed call_initiate payload")
	}

	call, reachable, err := s.calls.Initiate(ctx, client.UserID, in.ReceiverID, in.Type)
	if err != nil {
		return err
	}
	client.SendEvent(domain.EventCallInitiated, call)
	if !reachable {
		client.SendEvent(domain.EventCallMissed, call)
		s.notifier.Notify(ctx, in.ReceiverID, s.callNotification(ctx, call))
		return nil
	}
	s.registry.Deliver(in.ReceiverID, domain.EventIncomingCall, call)
	return nil
}

func (s *SessionCore) callNotification(ctx context.Context, call domain.Call) domain.Notification {
	title := "Missed call"
	if caller, err := s.identity.GetUser(ctx, call.CallerID); err == nil {
		title = "Missed call from " + caller.DisplayName
	}
	return domain.Notification{
		Title: title,
		Body:  string(call.Type) + " call",
		Kind:  "missed_call",
		Extra: map[string]string{"call_id": call.ID},
	}
}

func (s *SessionCore) handleCallAnswer(ctx context.Context, client *Client, data json.RawMessage) error {
	return s.callAction(ctx, client, data, s.calls.Answer)
}

func (s *SessionCore) handleCallDecline(ctx context.Context, client *Client, data json.RawMessage) error {
	return s.callAction(ctx, client, data, s.calls.Decline)
}

func (s *SessionCore) handleCallEnd(ctx context.Context, client *Client, data json.RawMessage) error {
	return s.callAction(ctx, client, data, s.calls.End)
}

func (s *SessionCore) callAction(ctx context.Context, client *Client, data json.RawMessage, action func(context.Context, string, string) (domain.Call, error)) error {
	var in domain.CallActionInput
	if err := json.Unmarshal(data, &in); err != nil || in.CallID == "" {
		return domain.Validation("call_id is required")
	}

	call, err := action(ctx, client.UserID, in.CallID)
	if err != nil {
		return err
	}
	client.SendEvent(domain.EventCallUpdate, call)
	s.registry.Deliver(s.calls.Other(call, client.UserID), domain.EventCallUpdate, call)
	return nil
}

func (s *SessionCore) handleWebRTCOffer(ctx context.Context, client *Client, data json.RawMessage) error {
	return s.callSignal(ctx, client, data, domain.EventWebRTCOffer, s.calls.Offer)
}

func (s *SessionCore) handleWebRTCAnswer(ctx context.Context, client *Client, data json.RawMessage) error {
	return s.callSignal(ctx, client, data, domain.EventWebRTCAnswer, s.calls.AnswerSignal)
}

func (s *SessionCore) handleICECandidate(ctx context.Context, client *Client, data json.RawMessage) error {
	return s.callSignal(ctx, client, data, domain.EventICECandidate, s.calls.Candidate)
}

// callSignal relays SDP and ICE payloads to the counterpart when reachable;
// an absent counterpart drops the payload without error.
func (s *SessionCore) callSignal(ctx context.Context, client *Client, data json.RawMessage, event string, persist func(context.Context, string, string, string) (domain.Call, string, error)) error {
	var in domain.CallSignalInput
	if err := json.Unmarshal(data, &in); err != nil || in.CallID == "" {
		return domain.Validation("call_id is required")
	}

	_, otherID, err := persist(ctx, client.UserID, in.CallID, string(in.Payload))
	if err != nil {
		return err
	}
	s.registry.Deliver(otherID, event, domain.CallSignalEvent{
		CallID:   in.CallID,
		SenderID: client.UserID,
		Payload:  in.Payload,
	})
	return nil
}
