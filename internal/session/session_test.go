package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codelab/internal/models"
	"codelab/internal/notify"
	"codelab/internal/registry"
)

type frameCapture struct {
	mu     sync.Mutex
	frames []Frame
}

func (c *frameCapture) hook(frame Frame) {
	c.mu.Lock()
	c.frames = append(c.frames, frame)
	c.mu.Unlock()
}

func (c *frameCapture) list() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.frames))
	copy(out, c.frames)
	return out
}

func (c *frameCapture) byEvent(event string) []Frame {
	var out []Frame
	for _, f := range c.list() {
		if f.Event == event {
			out = append(out, f)
		}
	}
	return out
}

func (c *frameCapture) reset() {
	c.mu.Lock()
	c.frames = nil
	c.mu.Unlock()
}

type fakeBridge struct {
	mu    sync.Mutex
	calls [][2]string
}

func (b *fakeBridge) EnsureParticipant(_ context.Context, roomID, userID string) {
	b.mu.Lock()
	b.calls = append(b.calls, [2]string{roomID, userID})
	b.mu.Unlock()
}

func (b *fakeBridge) list() [][2]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][2]string, len(b.calls))
	copy(out, b.calls)
	return out
}

func newTestGateway() (*Gateway, *fakeBridge) {
	br := &fakeBridge{}
	log := zap.NewNop()
	return NewGateway(log, registry.New(), br, notify.New(log)), br
}

// connect registers a hooked client the way HandleWS would, without a socket.
func connect(g *Gateway) (*conn, *frameCapture) {
	client := NewClient(nil)
	capture := &frameCapture{}
	client.SetSendHook(capture.hook)
	return g.register(client), capture
}

func send(t *testing.T, g *Gateway, c *conn, event string, data any) {
	t.Helper()
	b, err := json.Marshal(inboundEnvelope{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	g.dispatch(c, b)
}

type inboundEnvelope struct {
	Event string `json:"event"`
	Data  any    `json:"data,omitempty"`
}

func joinPayload(roomID, userID string) JoinRoomPayload {
	return JoinRoomPayload{
		RoomID: roomID,
		User:   JoinUser{ID: userID, Name: "user " + userID, Email: userID + "@test.io", Role: models.RoleStudent},
	}
}

func TestJoinBroadcastsPresenceAndNotice(t *testing.T) {
	g, br := newTestGateway()
	a, capA := connect(g)
	b, capB := connect(g)

	send(t, g, a, EvtJoinRoom, joinPayload("r1", "a"))

	lists := capA.byEvent(EvtUsersInRoom)
	if len(lists) != 1 {
		t.Fatalf("expected one presence broadcast for a, got %#v", capA.list())
	}
	if entries := lists[0].Data.([]models.PresenceEntry); len(entries) != 1 || entries[0].ID != "a" {
		t.Fatalf("unexpected presence list: %#v", lists[0].Data)
	}
	if len(capA.byEvent(EvtUserJoined)) != 0 {
		t.Fatalf("join notice must not echo to the joiner")
	}

	send(t, g, b, EvtJoinRoom, joinPayload("r1", "b"))

	lists = capA.byEvent(EvtUsersInRoom)
	if len(lists) != 2 {
		t.Fatalf("expected a to see a second presence broadcast")
	}
	entries := lists[1].Data.([]models.PresenceEntry)
	if len(entries) != 2 || entries[0].ID != "a" || entries[1].ID != "b" {
		t.Fatalf("expected [a b] in insertion order, got %#v", entries)
	}
	notices := capA.byEvent(EvtUserJoined)
	if len(notices) != 1 || notices[0].Data.(UserNotice).User.ID != "b" {
		t.Fatalf("expected user-joined for b, got %#v", notices)
	}

	if len(capB.byEvent(EvtUsersInRoom)) != 1 || len(capB.byEvent(EvtUserJoined)) != 0 {
		t.Fatalf("joiner must receive the list, never its own notice: %#v", capB.list())
	}

	calls := br.list()
	if len(calls) != 2 || calls[0] != [2]string{"r1", "a"} || calls[1] != [2]string{"r1", "b"} {
		t.Fatalf("expected participant persistence for both joins, got %#v", calls)
	}
}

func TestCodeChangeIsEchoSuppressed(t *testing.T) {
	g, _ := newTestGateway()
	a, capA := connect(g)
	b, capB := connect(g)
	send(t, g, a, EvtJoinRoom, joinPayload("r1", "a"))
	send(t, g, b, EvtJoinRoom, joinPayload("r1", "b"))
	capA.reset()
	capB.reset()

	send(t, g, b, EvtCodeChange, CodeChangePayload{RoomID: "r1", Code: "x", UserID: "b"})

	updates := capA.byEvent(EvtCodeUpdate)
	if len(updates) != 1 {
		t.Fatalf("expected exactly one code-update for a, got %#v", capA.list())
	}
	if u := updates[0].Data.(CodeUpdate); u.Code != "x" || u.UserID != "b" {
		t.Fatalf("unexpected code-update payload: %#v", u)
	}
	if len(capB.byEvent(EvtCodeUpdate)) != 0 {
		t.Fatalf("code-update must never be delivered back to its origin")
	}
}

func TestLanguageChangeIsEchoSuppressed(t *testing.T) {
	g, _ := newTestGateway()
	a, capA := connect(g)
	b, capB := connect(g)
	send(t, g, a, EvtJoinRoom, joinPayload("r1", "a"))
	send(t, g, b, EvtJoinRoom, joinPayload("r1", "b"))
	capA.reset()
	capB.reset()

	send(t, g, a, EvtLanguageChange, LanguageChangePayload{RoomID: "r1", Language: "java", UserID: "a"})

	updates := capB.byEvent(EvtLanguageUpdate)
	if len(updates) != 1 || updates[0].Data.(LanguageUpdate).Language != "java" {
		t.Fatalf("expected language-update for b, got %#v", capB.list())
	}
	if len(capA.byEvent(EvtLanguageUpdate)) != 0 {
		t.Fatalf("language-update must not echo to origin")
	}
}

func TestRaiseHandReachesFullRoomAndNotifies(t *testing.T) {
	g, _ := newTestGateway()
	c, capC := connect(g)
	// d is connected but never joins a room; the ta-notification still
	// reaches it.
	_, capD := connect(g)
	send(t, g, c, EvtJoinRoom, joinPayload("r2", "c"))
	capC.reset()

	send(t, g, c, EvtRaiseHand, HandPayload{RoomID: "r2", UserID: "c"})

	raised := capC.byEvent(EvtHandRaised)
	if len(raised) != 1 || raised[0].Data.(UserEvent).UserID != "c" {
		t.Fatalf("full-room relay must include the origin, got %#v", capC.list())
	}
	if len(capC.byEvent(EvtTANotification)) != 1 {
		t.Fatalf("expected ta-notification at origin, got %#v", capC.list())
	}
	notes := capD.byEvent(EvtTANotification)
	if len(notes) != 1 {
		t.Fatalf("ta-notification must reach clients outside the room, got %#v", capD.list())
	}
	if n := notes[0].Data.(TANotification); n.RoomID != "r2" || n.UserID != "c" {
		t.Fatalf("unexpected ta-notification payload: %#v", n)
	}
	if len(capD.byEvent(EvtHandRaised)) != 0 {
		t.Fatalf("hand-raised must stay scoped to the room")
	}
}

func TestStateAnnouncementsIncludeOrigin(t *testing.T) {
	g, _ := newTestGateway()
	a, capA := connect(g)
	b, capB := connect(g)
	send(t, g, a, EvtJoinRoom, joinPayload("r1", "a"))
	send(t, g, b, EvtJoinRoom, joinPayload("r1", "b"))
	capA.reset()
	capB.reset()

	send(t, g, a, EvtLowerHand, HandPayload{RoomID: "r1", UserID: "a"})
	send(t, g, a, EvtMuteUser, HandPayload{RoomID: "r1", UserID: "b"})
	send(t, g, a, EvtUnmuteUser, HandPayload{RoomID: "r1", UserID: "b"})
	send(t, g, a, EvtCodeExecution, CodeExecutionPayload{RoomID: "r1", Output: "42\n", ExecutionTime: 0.3})

	for _, event := range []string{EvtHandLowered, EvtUserMuted, EvtUserUnmuted, EvtExecutionResult} {
		if len(capA.byEvent(event)) != 1 {
			t.Fatalf("origin missing %s: %#v", event, capA.list())
		}
		if len(capB.byEvent(event)) != 1 {
			t.Fatalf("peer missing %s: %#v", event, capB.list())
		}
	}
	if res := capB.byEvent(EvtExecutionResult)[0].Data.(ExecutionResult); res.Output != "42\n" || res.ExecutionTime != 0.3 {
		t.Fatalf("unexpected execution-result payload: %#v", res)
	}
}

func TestLeaveRoomBroadcastsAndKeepsHistoryWrites(t *testing.T) {
	g, br := newTestGateway()
	a, capA := connect(g)
	b, capB := connect(g)
	send(t, g, a, EvtJoinRoom, joinPayload("r1", "a"))
	send(t, g, b, EvtJoinRoom, joinPayload("r1", "b"))
	capA.reset()
	capB.reset()

	send(t, g, b, EvtLeaveRoom, LeaveRoomPayload{RoomID: "r1", UserID: "b"})

	lists := capA.byEvent(EvtUsersInRoom)
	if len(lists) != 1 {
		t.Fatalf("expected presence broadcast after leave, got %#v", capA.list())
	}
	if entries := lists[0].Data.([]models.PresenceEntry); len(entries) != 1 || entries[0].ID != "a" {
		t.Fatalf("expected [a] after leave, got %#v", entries)
	}
	left := capA.byEvent(EvtUserLeft)
	if len(left) != 1 || left[0].Data.(UserNotice).User.ID != "b" {
		t.Fatalf("expected user-left for b, got %#v", left)
	}
	if len(capB.list()) != 0 {
		t.Fatalf("leaver must not receive post-leave broadcasts, got %#v", capB.list())
	}

	// Leave never touches the durable participant ledger.
	if len(br.list()) != 2 {
		t.Fatalf("leave must not trigger participant persistence, got %#v", br.list())
	}
}

func TestLeaveRoomOnUnboundConnectionIsNoop(t *testing.T) {
	g, _ := newTestGateway()
	a, capA := connect(g)
	b, _ := connect(g)
	send(t, g, a, EvtJoinRoom, joinPayload("r1", "a"))
	capA.reset()

	// b never joined; the transition guard drops the event.
	send(t, g, b, EvtLeaveRoom, LeaveRoomPayload{RoomID: "r1", UserID: "a"})

	if len(capA.list()) != 0 {
		t.Fatalf("unbound leave must not broadcast, got %#v", capA.list())
	}
	if g.reg.ActiveCount("r1") != 1 {
		t.Fatalf("unbound leave must not mutate the registry")
	}
}

func TestDisconnectActsLikeLeave(t *testing.T) {
	g, _ := newTestGateway()
	a, capA := connect(g)
	b, _ := connect(g)
	send(t, g, a, EvtJoinRoom, joinPayload("r1", "a"))
	send(t, g, b, EvtJoinRoom, joinPayload("r1", "b"))
	capA.reset()

	g.drop(b)

	if len(capA.byEvent(EvtUsersInRoom)) != 1 {
		t.Fatalf("expected presence broadcast after disconnect, got %#v", capA.list())
	}
	left := capA.byEvent(EvtUserLeft)
	if len(left) != 1 || left[0].Data.(UserNotice).User.ID != "b" {
		t.Fatalf("expected user-left for b, got %#v", left)
	}
	if g.reg.ActiveCount("r1") != 1 {
		t.Fatalf("expected b removed from registry")
	}
}

func TestDisconnectWithoutJoinIsSilent(t *testing.T) {
	g, _ := newTestGateway()
	a, capA := connect(g)
	b, _ := connect(g)
	send(t, g, a, EvtJoinRoom, joinPayload("r1", "a"))
	capA.reset()

	g.drop(b)

	if len(capA.list()) != 0 {
		t.Fatalf("disconnect of an unbound connection must be silent, got %#v", capA.list())
	}
}

func TestOrphanedConnectionDisconnectIsSilent(t *testing.T) {
	g, _ := newTestGateway()
	first, _ := connect(g)
	second, capSecond := connect(g)
	peer, capPeer := connect(g)

	send(t, g, peer, EvtJoinRoom, joinPayload("r1", "p"))
	send(t, g, first, EvtJoinRoom, joinPayload("r1", "a"))
	// Same user joins again from a second connection: the presence entry is
	// silently reassigned and the first connection is orphaned.
	send(t, g, second, EvtJoinRoom, joinPayload("r1", "a"))
	capSecond.reset()
	capPeer.reset()

	g.drop(first)

	if len(capPeer.list()) != 0 || len(capSecond.list()) != 0 {
		t.Fatalf("orphaned disconnect must not broadcast: peer=%#v second=%#v",
			capPeer.list(), capSecond.list())
	}
	if g.reg.ActiveCount("r1") != 2 {
		t.Fatalf("registry must keep the reassigned presence entry")
	}
}

func TestJoinSecondRoomReleasesFirst(t *testing.T) {
	g, _ := newTestGateway()
	peer, capPeer := connect(g)
	a, capA := connect(g)
	send(t, g, peer, EvtJoinRoom, joinPayload("r1", "p"))
	send(t, g, a, EvtJoinRoom, joinPayload("r1", "a"))
	capPeer.reset()
	capA.reset()

	// Same connection joins a different room: the old binding must be
	// released with the full leave sequence, not silently abandoned.
	send(t, g, a, EvtJoinRoom, joinPayload("r2", "a"))

	lists := capPeer.byEvent(EvtUsersInRoom)
	if len(lists) != 1 {
		t.Fatalf("expected presence broadcast in the old room, got %#v", capPeer.list())
	}
	if entries := lists[0].Data.([]models.PresenceEntry); len(entries) != 1 || entries[0].ID != "p" {
		t.Fatalf("expected [p] left in r1, got %#v", entries)
	}
	left := capPeer.byEvent(EvtUserLeft)
	if len(left) != 1 || left[0].Data.(UserNotice).User.ID != "a" {
		t.Fatalf("expected user-left for a in r1, got %#v", left)
	}
	if g.reg.ActiveCount("r1") != 1 || g.reg.ActiveCount("r2") != 1 {
		t.Fatalf("expected a present only in r2, got r1=%d r2=%d",
			g.reg.ActiveCount("r1"), g.reg.ActiveCount("r2"))
	}
	if len(capA.byEvent(EvtUserLeft)) != 0 {
		t.Fatalf("the switching user must not be told about its own departure")
	}
	capPeer.reset()

	g.drop(a)

	if g.reg.ActiveCount("r2") != 0 {
		t.Fatalf("disconnect must clear the new room's entry")
	}
	if len(capPeer.list()) != 0 {
		t.Fatalf("disconnect after switching must not touch the old room, got %#v", capPeer.list())
	}
}

func TestMalformedEventsAreNoops(t *testing.T) {
	g, br := newTestGateway()
	a, capA := connect(g)
	b, capB := connect(g)
	send(t, g, a, EvtJoinRoom, joinPayload("r1", "a"))
	capA.reset()

	g.dispatch(b, []byte(`{not json`))
	g.dispatch(b, []byte(`{"event":"no-such-event","data":{}}`))
	send(t, g, b, EvtJoinRoom, map[string]any{"roomId": "r1"}) // missing user
	send(t, g, b, EvtCodeChange, map[string]any{"code": "x"})  // missing roomId/userId
	send(t, g, b, EvtRaiseHand, nil)

	if len(capA.list()) != 0 || len(capB.list()) != 0 {
		t.Fatalf("malformed events must not broadcast: a=%#v b=%#v", capA.list(), capB.list())
	}
	if g.reg.ActiveCount("r1") != 1 {
		t.Fatalf("malformed join must not mutate the registry")
	}
	if len(br.list()) != 1 {
		t.Fatalf("malformed join must not persist a participant, got %#v", br.list())
	}
}

func TestClientSendWithHook(t *testing.T) {
	client := NewClient(nil)
	capture := &frameCapture{}
	client.SetSendHook(capture.hook)

	client.Send(Frame{Event: "ping"})

	got := capture.list()
	if len(got) != 1 || got[0].Event != "ping" {
		t.Fatalf("expected frame captured, got %#v", got)
	}
}

func TestClientSendWithoutConnDoesNotPanic(t *testing.T) {
	client := NewClient(nil)
	client.Send(Frame{Event: "noop"})
}

type wireFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

func readFrame(t *testing.T, ws *websocket.Conn) wireFrame {
	t.Helper()
	_ = ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var f wireFrame
	if err := ws.ReadJSON(&f); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return f
}

func writeFrame(t *testing.T, ws *websocket.Conn, event string, data any) {
	t.Helper()
	if err := ws.WriteJSON(inboundEnvelope{Event: event, Data: data}); err != nil {
		t.Fatalf("write frame: %v", err)
	}
}

func TestGatewayOverWebsocket(t *testing.T) {
	g, _ := newTestGateway()
	server := httptest.NewServer(http.HandlerFunc(g.HandleWS))
	defer server.Close()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")

	dial := func() *websocket.Conn {
		ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			t.Fatalf("dial websocket: %v", err)
		}
		return ws
	}

	connA := dial()
	defer connA.Close()
	writeFrame(t, connA, EvtJoinRoom, joinPayload("r1", "a"))
	if f := readFrame(t, connA); f.Event != EvtUsersInRoom {
		t.Fatalf("expected users-in-room, got %s", f.Event)
	}

	connB := dial()
	defer connB.Close()
	writeFrame(t, connB, EvtJoinRoom, joinPayload("r1", "b"))
	if f := readFrame(t, connB); f.Event != EvtUsersInRoom {
		t.Fatalf("expected users-in-room for b, got %s", f.Event)
	}

	if f := readFrame(t, connA); f.Event != EvtUsersInRoom {
		t.Fatalf("expected refreshed list for a, got %s", f.Event)
	}
	f := readFrame(t, connA)
	if f.Event != EvtUserJoined {
		t.Fatalf("expected user-joined for a, got %s", f.Event)
	}
	var notice UserNotice
	if err := json.Unmarshal(f.Data, &notice); err != nil || notice.User.ID != "b" {
		t.Fatalf("unexpected user-joined payload: %s", f.Data)
	}

	writeFrame(t, connB, EvtCodeChange, CodeChangePayload{RoomID: "r1", Code: "print(1)", UserID: "b"})
	f = readFrame(t, connA)
	if f.Event != EvtCodeUpdate {
		t.Fatalf("expected code-update, got %s", f.Event)
	}
	var update CodeUpdate
	if err := json.Unmarshal(f.Data, &update); err != nil || update.Code != "print(1)" || update.UserID != "b" {
		t.Fatalf("unexpected code-update payload: %s", f.Data)
	}
}
