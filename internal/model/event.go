package model

// Realtime event names exchanged over the socket.
const (
	// Inbound.
	EventJoinRoom    = "join-room"
	EventSendMessage = "send-message"

	// Outbound.
	EventJoined        = "joined"
	EventMessagePosted = "message-posted"
	EventRoomMigrated  = "room-migrated"
	EventError         = "error"
)

// ChatMessage is the client-facing message shape carried by realtime frames.
// The id is client-supplied for the raw echo and time-derived when absent.
type ChatMessage struct {
	ID        string `json:"id,omitempty"`
	Content   string `json:"content"`
	Sender    string `json:"sender"`
	Timestamp string `json:"timestamp,omitempty"`
	Error     bool   `json:"error,omitempty"`
}

// Frame is the envelope for every socket message in both directions. Fields
// are populated per event; unused ones are omitted on the wire.
type Frame struct {
	Event string `json:"event"`

	// join-room, send-message, message-posted.
	RoomKey string       `json:"roomKey,omitempty"`
	Message *ChatMessage `json:"message,omitempty"`
	OwnerID string       `json:"ownerId,omitempty"`

	// room-migrated. Emitted exactly once per newly created conversation.
	ProvisionalID string `json:"provisionalId,omitempty"`
	RealID        string `json:"realId,omitempty"`

	// error.
	Error string `json:"error,omitempty"`
}
