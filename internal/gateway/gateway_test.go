package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/model"
	"github.com/elegant-deploy/Elegant-Leather-Backend/internal/service"
	"github.com/elegant-deploy/Elegant-Leather-Backend/pkg/logger"
)

// fakeTurnService scripts SendTurn outcomes per candidate id.
type fakeTurnService struct {
	mu       sync.Mutex
	outcomes map[string]*service.TurnOutcome
	err      error
	calls    []string
}

func newFakeTurnService() *fakeTurnService {
	return &fakeTurnService{outcomes: make(map[string]*service.TurnOutcome)}
}

func (f *fakeTurnService) SendTurn(_ context.Context, candidateID, _, _ string) (*service.TurnOutcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, candidateID)
	if f.err != nil {
		return nil, f.err
	}
	if o, ok := f.outcomes[candidateID]; ok {
		return o, nil
	}
	return &service.TurnOutcome{
		ConversationID: "minted-id",
		New:            true,
		Reply:          model.Message{Sender: model.SenderAssistant, Text: "reply text", SentAt: time.Now()},
	}, nil
}

type recordingRelay struct {
	mu     sync.Mutex
	frames []model.Frame
}

func (r *recordingRelay) Publish(_ string, f model.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, f)
	return nil
}

func (r *recordingRelay) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.frames))
	for i, f := range r.frames {
		out[i] = f.Event
	}
	return out
}

func newTestGateway(svc TurnService, relay Relay) (*Gateway, *Hub) {
	hub := NewHub(logger.NewNop())
	return New(hub, svc, relay, logger.NewNop()), hub
}

func sendFrame(content string) model.Frame {
	return model.Frame{
		Event:   model.EventSendMessage,
		RoomKey: "room-prov",
		Message: &model.ChatMessage{Content: content, Sender: "user"},
	}
}

func TestDispatch_JoinRoom(t *testing.T) {
	gw, hub := newTestGateway(newFakeTurnService(), nil)
	sess := NewSession()

	gw.Dispatch(context.Background(), sess, "owner-a", model.Frame{Event: model.EventJoinRoom, RoomKey: "room-1"})

	assert.Equal(t, 1, hub.RoomSize("room-1"))
	frames := drainFrames(sess)
	require.Len(t, frames, 1)
	assert.Equal(t, model.EventJoined, frames[0].Event)
	assert.Equal(t, "room-1", frames[0].RoomKey)
}

func TestDispatch_JoinRoomRequiresKey(t *testing.T) {
	gw, _ := newTestGateway(newFakeTurnService(), nil)
	sess := NewSession()

	gw.Dispatch(context.Background(), sess, "owner-a", model.Frame{Event: model.EventJoinRoom})

	frames := drainFrames(sess)
	require.Len(t, frames, 1)
	assert.Equal(t, model.EventError, frames[0].Event)
}

func TestDispatch_SendMessageRequiresContent(t *testing.T) {
	gw, _ := newTestGateway(newFakeTurnService(), nil)
	sess := NewSession()

	gw.Dispatch(context.Background(), sess, "owner-a", model.Frame{
		Event:   model.EventSendMessage,
		RoomKey: "room-1",
		Message: &model.ChatMessage{Content: ""},
	})

	frames := drainFrames(sess)
	require.Len(t, frames, 1)
	assert.Equal(t, model.EventError, frames[0].Event)
}

func TestDispatch_UnknownEvent(t *testing.T) {
	gw, _ := newTestGateway(newFakeTurnService(), nil)
	sess := NewSession()

	gw.Dispatch(context.Background(), sess, "owner-a", model.Frame{Event: "presence-ping"})

	frames := drainFrames(sess)
	require.Len(t, frames, 1)
	assert.Equal(t, model.EventError, frames[0].Event)
	assert.Contains(t, frames[0].Error, "presence-ping")
}

func TestHandleSend_NewConversationMigratesOnce(t *testing.T) {
	svc := newFakeTurnService()
	gw, hub := newTestGateway(svc, nil)

	sess := NewSession()
	hub.Join("room-prov", sess)

	gw.handleSend(context.Background(), "owner-a", sendFrame("hello"))

	frames := drainFrames(sess)
	require.Len(t, frames, 3)

	// Echo of the raw user message arrives first, under the provisional key.
	assert.Equal(t, model.EventMessagePosted, frames[0].Event)
	assert.Equal(t, "room-prov", frames[0].RoomKey)
	require.NotNil(t, frames[0].Message)
	assert.Equal(t, "hello", frames[0].Message.Content)
	assert.Equal(t, "user", frames[0].Message.Sender)

	// Then the migration announcement.
	assert.Equal(t, model.EventRoomMigrated, frames[1].Event)
	assert.Equal(t, "room-prov", frames[1].ProvisionalID)
	assert.Equal(t, "minted-id", frames[1].RealID)

	// The reply lands under the real key only.
	assert.Equal(t, model.EventMessagePosted, frames[2].Event)
	assert.Equal(t, "minted-id", frames[2].RoomKey)
	assert.Equal(t, "reply text", frames[2].Message.Content)
	assert.Equal(t, "assistant", frames[2].Message.Sender)

	assert.Equal(t, 0, hub.RoomSize("room-prov"))
	assert.Equal(t, 1, hub.RoomSize("minted-id"))
}

func TestHandleSend_ExistingConversationNoMigration(t *testing.T) {
	svc := newFakeTurnService()
	svc.outcomes["conv-7"] = &service.TurnOutcome{
		ConversationID: "conv-7",
		New:            false,
		Reply:          model.Message{Sender: model.SenderAssistant, Text: "continued", SentAt: time.Now()},
	}
	gw, hub := newTestGateway(svc, nil)

	sess := NewSession()
	hub.Join("conv-7", sess)

	f := sendFrame("more")
	f.RoomKey = "conv-7"
	gw.handleSend(context.Background(), "owner-a", f)

	frames := drainFrames(sess)
	require.Len(t, frames, 2)
	assert.Equal(t, model.EventMessagePosted, frames[0].Event)
	assert.Equal(t, model.EventMessagePosted, frames[1].Event)
	assert.Equal(t, "continued", frames[1].Message.Content)
	assert.Equal(t, "conv-7", frames[1].RoomKey)
}

func TestHandleSend_EchoPrecedesReply(t *testing.T) {
	svc := newFakeTurnService()
	gw, hub := newTestGateway(svc, nil)

	sess := NewSession()
	hub.Join("room-prov", sess)
	// Stay subscribed across migration: the hub moves this session.
	gw.handleSend(context.Background(), "owner-a", sendFrame("ordering check"))

	frames := drainFrames(sess)
	require.GreaterOrEqual(t, len(frames), 2)
	assert.Equal(t, "ordering check", frames[0].Message.Content, "user echo must come before anything else")
	last := frames[len(frames)-1]
	assert.Equal(t, "reply text", last.Message.Content)
}

func TestHandleSend_ServiceFailureEmitsErrorBubble(t *testing.T) {
	svc := newFakeTurnService()
	svc.err = errors.New("store down")
	gw, hub := newTestGateway(svc, nil)

	sess := NewSession()
	hub.Join("room-prov", sess)

	gw.handleSend(context.Background(), "owner-a", sendFrame("doomed"))

	frames := drainFrames(sess)
	require.Len(t, frames, 2)
	assert.Equal(t, "doomed", frames[0].Message.Content)

	bubble := frames[1]
	assert.Equal(t, model.EventMessagePosted, bubble.Event)
	require.NotNil(t, bubble.Message)
	assert.True(t, bubble.Message.Error)
	assert.Equal(t, "assistant", bubble.Message.Sender)
	assert.Equal(t, "Sorry, I encountered an error processing your request.", bubble.Message.Content)

	assert.Equal(t, 1, hub.RoomSize("room-prov"), "the room survives a failed turn")
}

func TestHandleSend_DegradedReplyKeepsErrorFlag(t *testing.T) {
	svc := newFakeTurnService()
	svc.outcomes["room-prov"] = &service.TurnOutcome{
		ConversationID: "minted-id",
		New:            true,
		Reply: model.Message{
			Sender: model.SenderAssistant,
			Text:   "Sorry, I encountered an error processing your request.",
			SentAt: time.Now(),
			Error:  true,
		},
	}
	gw, hub := newTestGateway(svc, nil)

	sess := NewSession()
	hub.Join("room-prov", sess)

	gw.handleSend(context.Background(), "owner-a", sendFrame("q"))

	frames := drainFrames(sess)
	require.Len(t, frames, 3)
	assert.Equal(t, model.EventRoomMigrated, frames[1].Event, "degraded turns still migrate")
	assert.True(t, frames[2].Message.Error)
}

func TestHandleSend_MintsMessageIDAndTimestamp(t *testing.T) {
	gw, hub := newTestGateway(newFakeTurnService(), nil)

	sess := NewSession()
	hub.Join("room-prov", sess)

	gw.handleSend(context.Background(), "owner-a", sendFrame("no id"))

	frames := drainFrames(sess)
	require.NotEmpty(t, frames)
	echo := frames[0].Message
	assert.NotEmpty(t, echo.ID)
	assert.NotEmpty(t, echo.Timestamp)
	_, err := time.Parse(time.RFC3339, echo.Timestamp)
	assert.NoError(t, err)
}

func TestHandleSend_KeepsClientSuppliedMessageID(t *testing.T) {
	gw, hub := newTestGateway(newFakeTurnService(), nil)

	sess := NewSession()
	hub.Join("room-prov", sess)

	f := sendFrame("with id")
	f.Message.ID = "client-id-42"
	gw.handleSend(context.Background(), "owner-a", f)

	frames := drainFrames(sess)
	require.NotEmpty(t, frames)
	assert.Equal(t, "client-id-42", frames[0].Message.ID)
}

func TestHandleSend_MirrorsToRelay(t *testing.T) {
	relay := &recordingRelay{}
	gw, hub := newTestGateway(newFakeTurnService(), relay)

	sess := NewSession()
	hub.Join("room-prov", sess)

	gw.handleSend(context.Background(), "owner-a", sendFrame("mirrored"))

	assert.Equal(t, []string{
		model.EventMessagePosted,
		model.EventRoomMigrated,
		model.EventMessagePosted,
	}, relay.events())
}

func TestHandleRelayFrame_AppliesRemoteMigration(t *testing.T) {
	gw, hub := newTestGateway(newFakeTurnService(), nil)

	sess := NewSession()
	hub.Join("room-prov", sess)

	gw.HandleRelayFrame(model.Frame{
		Event:         model.EventRoomMigrated,
		ProvisionalID: "room-prov",
		RealID:        "minted-id",
	})

	frames := drainFrames(sess)
	require.Len(t, frames, 1)
	assert.Equal(t, model.EventRoomMigrated, frames[0].Event)
	assert.Equal(t, 1, hub.RoomSize("minted-id"))
	assert.Equal(t, 0, hub.RoomSize("room-prov"))
}

func TestHandleRelayFrame_BroadcastsRemoteMessage(t *testing.T) {
	gw, hub := newTestGateway(newFakeTurnService(), nil)

	sess := NewSession()
	hub.Join("conv-9", sess)

	gw.HandleRelayFrame(model.Frame{
		Event:   model.EventMessagePosted,
		RoomKey: "conv-9",
		Message: &model.ChatMessage{Content: "from sibling", Sender: "assistant"},
	})

	frames := drainFrames(sess)
	require.Len(t, frames, 1)
	assert.Equal(t, "from sibling", frames[0].Message.Content)
}

// TestServeWS_EndToEnd drives the full socket path: join, send, echo,
// migration and reply over a real WebSocket connection.
func TestServeWS_EndToEnd(t *testing.T) {
	gw, _ := newTestGateway(newFakeTurnService(), nil)

	srv := httptest.NewServer(http.HandlerFunc(gw.ServeWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	write := func(f model.Frame) {
		data, err := json.Marshal(f)
		require.NoError(t, err)
		require.NoError(t, conn.Write(ctx, websocket.MessageText, data))
	}
	read := func() model.Frame {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var f model.Frame
		require.NoError(t, json.Unmarshal(data, &f))
		return f
	}

	write(model.Frame{Event: model.EventJoinRoom, RoomKey: "room-prov"})
	joined := read()
	assert.Equal(t, model.EventJoined, joined.Event)

	write(model.Frame{
		Event:   model.EventSendMessage,
		RoomKey: "room-prov",
		OwnerID: "owner-a",
		Message: &model.ChatMessage{Content: "over the wire", Sender: "user"},
	})

	echo := read()
	assert.Equal(t, model.EventMessagePosted, echo.Event)
	assert.Equal(t, "over the wire", echo.Message.Content)

	migrated := read()
	assert.Equal(t, model.EventRoomMigrated, migrated.Event)
	assert.Equal(t, "room-prov", migrated.ProvisionalID)
	assert.Equal(t, "minted-id", migrated.RealID)

	reply := read()
	assert.Equal(t, model.EventMessagePosted, reply.Event)
	assert.Equal(t, "minted-id", reply.RoomKey)
	assert.Equal(t, "reply text", reply.Message.Content)
}

func TestServeWS_MalformedFrame(t *testing.T) {
	gw, _ := newTestGateway(newFakeTurnService(), nil)

	srv := httptest.NewServer(http.HandlerFunc(gw.ServeWS))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "")

	require.NoError(t, conn.Write(ctx, websocket.MessageText, []byte("{not json")))

	_, data, err := conn.Read(ctx)
	require.NoError(t, err)
	var f model.Frame
	require.NoError(t, json.Unmarshal(data, &f))
	assert.Equal(t, model.EventError, f.Event)
}
