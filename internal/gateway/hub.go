package gateway

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/model"
	"github.com/elegant-deploy/Elegant-Leather-Backend/pkg/logger"
	"github.com/elegant-deploy/Elegant-Leather-Backend/pkg/metrics"
)

// sessionBufferSize is the outbound channel buffer per connection.
const sessionBufferSize = 64

// Session is the outbound half of one realtime connection. Frames are fanned
// out through a buffered channel; frames for a consumer whose buffer is full
// are dropped rather than allowed to block the room.
type Session struct {
	id  string
	out chan model.Frame
}

// NewSession creates an unattached session.
func NewSession() *Session {
	return &Session{
		id:  uuid.New().String(),
		out: make(chan model.Frame, sessionBufferSize),
	}
}

// Frames returns the channel the connection's write loop drains. The channel
// is never closed; writers exit when their connection context ends.
func (s *Session) Frames() <-chan model.Frame {
	return s.out
}

func (s *Session) trySend(f model.Frame) bool {
	select {
	case s.out <- f:
		return true
	default:
		return false
	}
}

// Hub owns room membership: a mapping from room key to the set of sessions
// subscribed to it. Room keys are opaque; provisional and real conversation
// ids are indistinguishable at this layer. All mutation goes through the one
// mutex so a fan-out never races a migration.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Session]struct{}
	logger *logger.Logger
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	return &Hub{
		rooms:  make(map[string]map[*Session]struct{}),
		logger: log,
	}
}

// Join adds the session to a room. Idempotent.
func (h *Hub) Join(roomKey string, s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[roomKey]
	if !ok {
		members = make(map[*Session]struct{})
		h.rooms[roomKey] = members
	}
	members[s] = struct{}{}
	metrics.RoomsActive.Set(float64(len(h.rooms)))
}

// Leave removes the session from every room it joined. Called on disconnect.
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for key, members := range h.rooms {
		delete(members, s)
		if len(members) == 0 {
			delete(h.rooms, key)
		}
	}
	metrics.RoomsActive.Set(float64(len(h.rooms)))
}

// Migrate atomically moves every member of the provisional room into the real
// room. Listeners that joined before migration keep receiving events under
// the new key without any gap.
func (h *Hub) Migrate(provisionalID, realID string) {
	if provisionalID == realID {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.rooms[provisionalID]
	if !ok {
		return
	}
	delete(h.rooms, provisionalID)

	target, ok := h.rooms[realID]
	if !ok {
		target = make(map[*Session]struct{})
		h.rooms[realID] = target
	}
	for s := range members {
		target[s] = struct{}{}
	}
	metrics.RoomsActive.Set(float64(len(h.rooms)))

	h.logger.Debug("room migrated",
		zap.String("provisional_id", provisionalID),
		zap.String("real_id", realID),
		zap.Int("members", len(members)))
}

// Broadcast fans a frame out to every member of the room. The member set is
// snapshotted under the read lock; sends happen outside it and never block.
func (h *Hub) Broadcast(roomKey string, f model.Frame) {
	h.mu.RLock()
	members, ok := h.rooms[roomKey]
	if !ok || len(members) == 0 {
		h.mu.RUnlock()
		return
	}
	targets := make([]*Session, 0, len(members))
	for s := range members {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	for _, s := range targets {
		if !s.trySend(f) {
			h.logger.Debug("dropped frame for slow session",
				zap.String("room_key", roomKey),
				zap.String("session_id", s.id),
				zap.String("event", f.Event))
		}
	}
}

// RoomSize reports the current member count of a room.
func (h *Hub) RoomSize(roomKey string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomKey])
}
