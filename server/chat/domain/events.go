package domain

import (
	"encoding/json"
	"time"
)

// Event names on the realtime surface. Client-to-server events are handled by
// the session core dispatch table; the rest are acks and broadcasts.
const (
	EventSendMessage    = "send_message"
	EventMarkRead       = "mark_read"
	EventTypingStart    = "typing_start"
	EventTypingStop     = "typing_stop"
	EventDeleteMessage  = "delete_message"
	EventAddReaction    = "add_reaction"
	EventRemoveReaction = "remove_reaction"
	EventViewingChat    = "viewing_chat"
	EventCallInitiate   = "call_initiate"
	EventCallAnswer     = "call_answer"
	EventCallDecline    = "call_decline"
	EventCallEnd        = "call_end"
	EventWebRTCOffer    = "webrtc_offer"
	EventWebRTCAnswer   = "webrtc_answer"
	EventICECandidate   = "ice_candidate"

	EventMessageSent      = "message_sent"
	EventNewMessage       = "new_message"
	EventMessageRead      = "message_read"
	EventMessagesBulkRead = "messages_bulk_read"
	EventMessageDeleted   = "message_deleted"
	EventMessageReaction  = "message_reaction"
	EventViewingUpdate    = "viewing_update"
	EventUserOnline       = "user_online"
	EventUserOffline      = "user_offline"
	EventOnlineUsers      = "online_users"
	EventCallInitiated    = "call_initiated"
	EventIncomingCall     = "incoming_call"
	EventCallMissed       = "call_missed"
	EventCallUpdate       = "call_update"
	EventError            = "error"
)

// Envelope is the wire frame for every realtime event in both directions.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type ErrorEvent struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Event   string    `json:"event,omitempty"`
}

type SendMessageInput struct {
	ReceiverID string      `json:"receiver_id,omitempty"`
	GroupID    string      `json:"group_id,omitempty"`
	Content    string      `json:"content"`
	Type       MessageType `json:"type,omitempty"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

type MarkReadInput struct {
	MessageID string `json:"message_id"`
}

type TypingInput struct {
	ReceiverID string `json:"receiver_id"`
}

type TypingEvent struct {
	SenderID string `json:"sender_id"`
	Typing   bool   `json:"typing"`
}

type DeleteMessageInput struct {
	MessageID string `json:"message_id"`
}

type ReactionInput struct {
	MessageID string `json:"message_id"`
	Emoji     string `json:"emoji,omitempty"`
}

type ReactionEvent struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	Emoji     string `json:"emoji,omitempty"`
	Removed   bool   `json:"removed,omitempty"`
}

type ViewingChatInput struct {
	UserID string `json:"user_id"`
}

type ViewingUpdateEvent struct {
	UserID  string `json:"user_id"`
	Viewing bool   `json:"viewing"`
}

type BulkReadEvent struct {
	ReaderID string `json:"reader_id"`
	Count    int64  `json:"count"`
}

type MessageReadEvent struct {
	MessageID string `json:"message_id"`
	ReaderID  string `json:"reader_id"`
}

type CallInitiateInput struct {
	ReceiverID string   `json:"receiver_id"`
	Type       CallType `json:"type"`
}

type CallActionInput struct {
	CallID string `json:"call_id"`
}

type CallSignalInput struct {
	CallID  string          `json:"call_id"`
	Payload json.RawMessage `json:"payload"`
}

type CallSignalEvent struct {
	CallID   string          `json:"call_id"`
	SenderID string          `json:"sender_id"`
	Payload  json.RawMessage `json:"payload"`
}

type PresenceEvent struct {
	UserID   string    `json:"user_id"`
	LastSeen time.Time `json:"last_seen"`
}
