package domain

import "time"

type MessageType string

const (
	MessageTypeText    MessageType = "text"
	MessageTypeImage   MessageType = "image"
	MessageTypeVideo   MessageType = "video"
	MessageTypeFile    MessageType = "file"
	MessageTypeSystem  MessageType = "system"
	MessageTypeDeleted MessageType = "deleted"
)

// DeletedPlaceholder replaces the content of tombstoned messages.
const DeletedPlaceholder = "this message was deleted"

type User struct {
	ID           string    `json:"id"`
	Username     string    `json:"username"`
	DisplayName  string    `json:"display_name"`
	AvatarURL    string    `json:"avatar_url,omitempty"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type PushRegistration struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Provider  string    `json:"provider"`
	Token     string    `json:"token"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatRoom is a direct conversation between exactly two users. The pair is
// stored normalized (UserA < UserB) so one row exists per unordered pair.
type ChatRoom struct {
	ID             string    `json:"id"`
	UserA          string    `json:"user_a"`
	UserB          string    `json:"user_b"`
	LastMessageID  *string   `json:"last_message_id,omitempty"`
	LastActivityAt time.Time `json:"last_activity_at"`
	DeletedForA    bool      `json:"-"`
	DeletedForB    bool      `json:"-"`
	CreatedAt      time.Time `json:"created_at"`
}

// Other returns the counterpart of userID in the room pair.
func (r ChatRoom) Other(userID string) string {
	if r.UserA == userID {
		return r.UserB
	}
	return r.UserA
}

type GroupSettings struct {
	AdminOnlyPosting bool `json:"admin_only_posting"`
}

type Group struct {
	ID             string        `json:"id"`
	Name           string        `json:"name"`
	AvatarURL      string        `json:"avatar_url,omitempty"`
	CreatorID      string        `json:"creator_id"`
	AdminIDs       []string      `json:"admin_ids"`
	MemberIDs      []string      `json:"member_ids"`
	Settings       GroupSettings `json:"settings"`
	LastMessageID  *string       `json:"last_message_id,omitempty"`
	LastActivityAt time.Time     `json:"last_activity_at"`
	IsActive       bool          `json:"is_active"`
	CreatedAt      time.Time     `json:"created_at"`
}

func (g Group) IsMember(userID string) bool {
	for _, id := range g.MemberIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func (g Group) IsAdmin(userID string) bool {
	for _, id := range g.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

type Attachment struct {
	URL          string `json:"url"`
	MimeType     string `json:"mime_type"`
	SizeBytes    int64  `json:"size_bytes"`
	ThumbnailURL string `json:"thumbnail_url,omitempty"`
}

type Reaction struct {
	UserID    string    `json:"user_id"`
	Emoji     string    `json:"emoji"`
	ReactedAt time.Time `json:"reacted_at"`
}

type ReadReceipt struct {
	UserID string    `json:"user_id"`
	ReadAt time.Time `json:"read_at"`
}

// SystemMeta is the structured record behind system messages so clients can
// render membership changes without depending on server-side wording.
type SystemMeta struct {
	Action      string   `json:"action"`
	ActorID     string   `json:"actor_id"`
	AffectedIDs []string `json:"affected_ids,omitempty"`
}

// Message belongs to exactly one of a direct room (ReceiverID set) or a
// group (GroupID set).
type Message struct {
	ID         string        `json:"id"`
	SenderID   string        `json:"sender_id"`
	ReceiverID *string       `json:"receiver_id,omitempty"`
	GroupID    *string       `json:"group_id,omitempty"`
	Content    string        `json:"content"`
	Type       MessageType   `json:"type"`
	Attachment *Attachment   `json:"attachment,omitempty"`
	System     *SystemMeta   `json:"system,omitempty"`
	IsRead     bool          `json:"is_read"`
	ReadBy     []ReadReceipt `json:"read_by,omitempty"`
	Reactions  []Reaction    `json:"reactions,omitempty"`
	IsDeleted  bool          `json:"is_deleted"`
	DeletedAt  *time.Time    `json:"deleted_at,omitempty"`
	DeletedBy  *string       `json:"deleted_by,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
}

// Validate enforces the receiver/group exclusivity and content rules before
// any persistence attempt.
func (m Message) Validate() error {
	if (m.ReceiverID == nil) == (m.GroupID == nil) {
		return Validation("exactly one of receiver_id or group_id must be set")
	}
	if m.SenderID == "" {
		return Validation("sender_id is required")
	}
	if m.Content == "" && m.Attachment == nil && m.System == nil {
		return Validation("content is required when no attachment is present")
	}
	switch m.Type {
	case MessageTypeText, MessageTypeImage, MessageTypeVideo, MessageTypeFile, MessageTypeSystem:
	default:
		return Validation("invalid message type")
	}
	return nil
}

type CallType string

const (
	CallTypeVoice CallType = "voice"
	CallTypeVideo CallType = "video"
)

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallAnswered  CallStatus = "answered"
	CallDeclined  CallStatus = "declined"
	CallMissed    CallStatus = "missed"
	CallEnded     CallStatus = "ended"
)

// Terminal reports whether no further transitions are accepted.
func (s CallStatus) Terminal() bool {
	return s == CallDeclined || s == CallMissed || s == CallEnded
}

type Call struct {
	ID              string     `json:"id"`
	CallerID        string     `json:"caller_id"`
	ReceiverID      string     `json:"receiver_id"`
	Type            CallType   `json:"type"`
	Status          CallStatus `json:"status"`
	RoomToken       string     `json:"room_token"`
	OfferPayload    string     `json:"offer_payload,omitempty"`
	AnswerPayload   string     `json:"answer_payload,omitempty"`
	Candidates      []string   `json:"candidates,omitempty"`
	StartedAt       time.Time  `json:"started_at"`
	AnsweredAt      *time.Time `json:"answered_at,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	DurationSeconds int64      `json:"duration_seconds"`
}

// Notification is the payload handed to the push dispatcher for users with
// no live connection.
type Notification struct {
	Title          string            `json:"title"`
	Body           string            `json:"body"`
	Kind           string            `json:"kind"`
	ConversationID string            `json:"conversation_id,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}
