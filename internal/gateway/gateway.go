// Package gateway bridges realtime connections to the conversation service.
//
// A connection joins rooms keyed by conversation id, provisional or real.
// Sending a message echoes it to the room, runs the turn through the service,
// and fans the assistant reply back out. The first turn of a conversation
// additionally runs the two-phase id reconciliation: a room-migrated event is
// emitted to the provisional room, membership moves to the real id, and the
// reply lands in the real room.
package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"go.uber.org/zap"

	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/middleware"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/model"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/service"
	"github.com/elegant-deploy/Elegant-Leather-Backend/pkg/logger"
	"github.com/elegant-deploy/Elegant-Leather-Backend/pkg/metrics"
)

// TurnService is what the gateway needs from the conversation layer.
type TurnService interface {
	SendTurn(ctx context.Context, candidateID, ownerID, question string) (*service.TurnOutcome, error)
}

// Relay mirrors room events to sibling instances. Nil disables mirroring.
type Relay interface {
	Publish(roomKey string, f model.Frame) error
}

// Gateway manages realtime connections and room fan-out.
type Gateway struct {
	hub    *Hub
	svc    TurnService
	relay  Relay
	logger *logger.Logger
}

// New creates a gateway. relay may be nil for single-instance deployments.
func New(hub *Hub, svc TurnService, relay Relay, log *logger.Logger) *Gateway {
	return &Gateway{
		hub:    hub,
		svc:    svc,
		relay:  relay,
		logger: log,
	}
}

// ServeWS upgrades GET /ws and runs the connection until it closes.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	ownerID := middleware.GetUserID(r.Context())

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		g.logger.Warn("websocket accept failed", zap.Error(err))
		return
	}
	defer conn.Close(websocket.StatusInternalError, "connection closed")

	sess := NewSession()
	defer g.hub.Leave(sess)

	metrics.WSConnectionsActive.Inc()
	defer metrics.WSConnectionsActive.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case f := <-sess.Frames():
				data, err := json.Marshal(f)
				if err != nil {
					continue
				}
				if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			break
		}

		var f model.Frame
		if err := json.Unmarshal(data, &f); err != nil {
			sess.trySend(model.Frame{Event: model.EventError, Error: "malformed frame"})
			continue
		}
		g.Dispatch(ctx, sess, ownerID, f)
	}

	conn.Close(websocket.StatusNormalClosure, "")
}

// Dispatch routes one inbound frame. send-message turns run in their own
// goroutine so a slow inference call never blocks the connection's read loop
// or unrelated rooms.
func (g *Gateway) Dispatch(ctx context.Context, sess *Session, ownerID string, f model.Frame) {
	switch f.Event {
	case model.EventJoinRoom:
		if f.RoomKey == "" {
			sess.trySend(model.Frame{Event: model.EventError, Error: "roomKey is required"})
			return
		}
		g.hub.Join(f.RoomKey, sess)
		sess.trySend(model.Frame{Event: model.EventJoined, RoomKey: f.RoomKey})

	case model.EventSendMessage:
		if f.RoomKey == "" || f.Message == nil || f.Message.Content == "" {
			sess.trySend(model.Frame{Event: model.EventError, Error: "roomKey and message content are required"})
			return
		}
		if ownerID == "" {
			ownerID = f.OwnerID
		}
		// The turn must survive a disconnecting client: once invoked, the
		// exchange is durably recorded regardless of who is still listening.
		go g.handleSend(context.WithoutCancel(ctx), ownerID, f)

	default:
		sess.trySend(model.Frame{Event: model.EventError, Error: "unknown event: " + f.Event})
	}
}

// handleSend processes one send-message turn. Within the room, the raw user
// echo always precedes the assistant reply for the same turn.
func (g *Gateway) handleSend(ctx context.Context, ownerID string, f model.Frame) {
	roomKey := f.RoomKey
	msg := *f.Message
	if msg.ID == "" {
		msg.ID = mintMessageID()
	}
	if msg.Timestamp == "" {
		msg.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	g.fanOut(roomKey, model.Frame{Event: model.EventMessagePosted, RoomKey: roomKey, Message: &msg})

	outcome, err := g.svc.SendTurn(ctx, roomKey, ownerID, msg.Content)
	if err != nil {
		// Fatal service failure: the room gets a failure bubble and lives on.
		g.logger.Error("turn failed",
			zap.String("room_key", roomKey), zap.Error(err))
		g.fanOut(roomKey, model.Frame{
			Event:   model.EventMessagePosted,
			RoomKey: roomKey,
			Message: &model.ChatMessage{
				ID:        mintMessageID(),
				Content:   "Sorry, I encountered an error processing your request.",
				Sender:    string(model.SenderAssistant),
				Timestamp: time.Now().UTC().Format(time.RFC3339),
				Error:     true,
			},
		})
		return
	}

	reply := replyMessage(outcome.Reply)

	if outcome.New {
		// Reconciliation happens exactly once: announce the minted id to the
		// provisional room, migrate membership, then deliver the reply under
		// the real key only. Stragglers must follow the migration event.
		g.fanOut(roomKey, model.Frame{
			Event:         model.EventRoomMigrated,
			ProvisionalID: roomKey,
			RealID:        outcome.ConversationID,
		})
		g.hub.Migrate(roomKey, outcome.ConversationID)
		g.fanOut(outcome.ConversationID, model.Frame{
			Event:   model.EventMessagePosted,
			RoomKey: outcome.ConversationID,
			Message: reply,
		})
		return
	}

	g.fanOut(roomKey, model.Frame{Event: model.EventMessagePosted, RoomKey: roomKey, Message: reply})
}

// fanOut delivers to local room members and mirrors to sibling instances.
func (g *Gateway) fanOut(roomKey string, f model.Frame) {
	g.hub.Broadcast(roomKey, f)
	if g.relay != nil {
		if err := g.relay.Publish(roomKey, f); err != nil {
			g.logger.Warn("relay publish failed",
				zap.String("room_key", roomKey), zap.Error(err))
		}
	}
}

// HandleRelayFrame applies a frame mirrored from a sibling instance to local
// rooms. Migration frames move local membership before anything else lands
// under the real key.
func (g *Gateway) HandleRelayFrame(f model.Frame) {
	if f.Event == model.EventRoomMigrated {
		g.hub.Broadcast(f.ProvisionalID, f)
		g.hub.Migrate(f.ProvisionalID, f.RealID)
		return
	}
	g.hub.Broadcast(f.RoomKey, f)
}

func replyMessage(m model.Message) *model.ChatMessage {
	return &model.ChatMessage{
		ID:        mintMessageID(),
		Content:   m.Text,
		Sender:    string(m.Sender),
		Timestamp: m.SentAt.UTC().Format(time.RFC3339),
		Error:     m.Error,
	}
}

func mintMessageID() string {
	return strconv.FormatInt(time.Now().UnixMilli(), 10)
}
