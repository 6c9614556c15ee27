// Package session implements the real-time side of the service: the
// per-connection presence protocol and the event relay between peers in a
// room. All live state lives in the injected registry; the durable session
// record is only touched through the reconciliation bridge.
package session

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"codelab/internal/metrics"
	"codelab/internal/models"
	"codelab/internal/notify"
	"codelab/internal/registry"
)

// ParticipantRecorder persists room membership transitions. Failures must be
// absorbed by the implementation: live collaboration never blocks on storage.
type ParticipantRecorder interface {
	EnsureParticipant(ctx context.Context, roomID, userID string)
}

// Notifier fans raised-hand notifications out to every connected client,
// independent of room membership.
type Notifier interface {
	Attach(id string, deliver func(notify.Notification))
	Detach(id string)
	Publish(roomID, userID string)
}

// connState is the explicit per-connection lifecycle. Invalid transitions
// are no-ops, never errors that would tear down the shared event loop.
type connState int

const (
	stateUnbound connState = iota
	stateJoined
	stateLeft
)

type conn struct {
	client *Client
	state  connState
	roomID string
	userID string
}

type handlerFunc func(*conn, json.RawMessage)

// Gateway owns every live websocket connection and dispatches inbound frames
// to typed handlers. It is the only writer of the room registry.
type Gateway struct {
	log      *zap.Logger
	reg      *registry.Registry
	bridge   ParticipantRecorder
	notifier Notifier
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns map[string]*conn // client id -> connection

	handlers map[string]handlerFunc
}

func NewGateway(log *zap.Logger, reg *registry.Registry, bridge ParticipantRecorder, notifier Notifier) *Gateway {
	g := &Gateway{
		log:      log,
		reg:      reg,
		bridge:   bridge,
		notifier: notifier,
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
		conns:    make(map[string]*conn),
	}
	g.handlers = map[string]handlerFunc{
		EvtJoinRoom:       g.handleJoinRoom,
		EvtLeaveRoom:      g.handleLeaveRoom,
		EvtCodeChange:     g.handleCodeChange,
		EvtLanguageChange: g.handleLanguageChange,
		EvtCodeExecution:  g.handleCodeExecution,
		EvtRaiseHand:      g.handleRaiseHand,
		EvtLowerHand:      g.handleLowerHand,
		EvtMuteUser:       g.handleMuteUser,
		EvtUnmuteUser:     g.handleUnmuteUser,
	}
	return g
}

// HandleWS upgrades the connection and runs its event loop until the
// transport closes.
func (g *Gateway) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer ws.Close()

	client := NewClient(ws)
	c := g.register(client)
	defer g.drop(c)

	for {
		_, msg, err := ws.ReadMessage()
		if err != nil {
			return
		}
		g.dispatch(c, msg)
	}
}

func (g *Gateway) register(client *Client) *conn {
	c := &conn{client: client, state: stateUnbound}
	g.mu.Lock()
	g.conns[client.ID] = c
	g.mu.Unlock()

	g.notifier.Attach(client.ID, func(n notify.Notification) {
		client.Send(Frame{Event: EvtTANotification, Data: TANotification{RoomID: n.RoomID, UserID: n.UserID}})
	})
	metrics.ConnOpened()
	return c
}

// drop runs the implicit disconnect transition: resolve the connection back
// to its binding via the registry and perform the same removal sequence as a
// voluntary leave. A connection that never joined, or that was orphaned by a
// newer connection for the same user, resolves to nothing and stays silent.
func (g *Gateway) drop(c *conn) {
	g.notifier.Detach(c.client.ID)

	roomID, userID, ok := g.reg.ResolveConn(c.client.ID)
	if ok {
		entry, _ := g.reg.Get(roomID, userID)
		g.reg.Remove(roomID, userID)
		g.setState(c, stateLeft)
		g.broadcastRoom(roomID, Frame{Event: EvtUsersInRoom, Data: g.reg.List(roomID)}, "")
		g.broadcastRoom(roomID, Frame{Event: EvtUserLeft, Data: UserNotice{User: entry.Public()}}, "")
		g.log.Info("user disconnected from room",
			zap.String("roomId", roomID), zap.String("userId", userID))
	}

	g.mu.Lock()
	delete(g.conns, c.client.ID)
	g.mu.Unlock()
	metrics.ConnClosed()
}

// dispatch decodes the envelope and routes to the typed handler for the
// event. Malformed frames are logged and dropped so one bad client cannot
// take down other rooms' traffic.
func (g *Gateway) dispatch(c *conn, msg []byte) {
	var frame inboundFrame
	if err := json.Unmarshal(msg, &frame); err != nil {
		g.log.Warn("malformed frame", zap.Error(err))
		return
	}
	handler, ok := g.handlers[frame.Event]
	if !ok {
		g.log.Warn("unknown event", zap.String("event", frame.Event))
		return
	}
	metrics.WSEvent(frame.Event)
	handler(c, frame.Data)
}

// decode unmarshals and validates an event payload, logging and rejecting
// anything that is missing required fields.
func (g *Gateway) decode(event string, raw json.RawMessage, payload interface{ validate() error }) bool {
	if err := json.Unmarshal(raw, payload); err != nil {
		g.log.Warn("malformed payload", zap.String("event", event), zap.Error(err))
		return false
	}
	if err := payload.validate(); err != nil {
		g.log.Warn("invalid payload", zap.String("event", event), zap.Error(err))
		return false
	}
	return true
}

func (g *Gateway) setState(c *conn, s connState) {
	g.mu.Lock()
	c.state = s
	g.mu.Unlock()
}

func (g *Gateway) stateOf(c *conn) connState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return c.state
}

/*** Presence protocol ***/

func (g *Gateway) handleJoinRoom(c *conn, raw json.RawMessage) {
	var p JoinRoomPayload
	if !g.decode(EvtJoinRoom, raw, &p) {
		return
	}

	// A connection may only hold one presence entry. If it is already bound
	// elsewhere (another room, or another identity in the same room), run the
	// leave sequence for the old binding first so no phantom entry survives
	// this connection's eventual disconnect.
	if prevRoom, prevUser, ok := g.reg.ResolveConn(c.client.ID); ok &&
		(prevRoom != p.RoomID || prevUser != p.User.ID) {
		entry, _ := g.reg.Get(prevRoom, prevUser)
		g.reg.Remove(prevRoom, prevUser)
		g.broadcastRoom(prevRoom, Frame{Event: EvtUsersInRoom, Data: g.reg.List(prevRoom)}, "")
		g.broadcastRoom(prevRoom, Frame{Event: EvtUserLeft, Data: UserNotice{User: entry.Public()}}, "")
		g.log.Info("user switched room",
			zap.String("fromRoomId", prevRoom), zap.String("toRoomId", p.RoomID),
			zap.String("userId", prevUser))
	}

	g.mu.Lock()
	c.state = stateJoined
	c.roomID = p.RoomID
	c.userID = p.User.ID
	g.mu.Unlock()

	entry := models.PresenceEntry{
		ID:     p.User.ID,
		Name:   p.User.Name,
		Email:  p.User.Email,
		Role:   p.User.Role,
		ConnID: c.client.ID,
	}
	g.reg.Upsert(p.RoomID, entry)

	// Best effort: the durable participant ledger must never block presence.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	g.bridge.EnsureParticipant(ctx, p.RoomID, p.User.ID)
	cancel()

	g.broadcastRoom(p.RoomID, Frame{Event: EvtUsersInRoom, Data: g.reg.List(p.RoomID)}, "")
	g.broadcastRoom(p.RoomID, Frame{Event: EvtUserJoined, Data: UserNotice{User: entry.Public()}}, c.client.ID)

	g.log.Info("user joined room",
		zap.String("roomId", p.RoomID), zap.String("userId", p.User.ID))
}

func (g *Gateway) handleLeaveRoom(c *conn, raw json.RawMessage) {
	var p LeaveRoomPayload
	if !g.decode(EvtLeaveRoom, raw, &p) {
		return
	}
	if g.stateOf(c) != stateJoined {
		g.log.Warn("leave-room on connection not in a room", zap.String("userId", p.UserID))
		return
	}

	entry, ok := g.reg.Get(p.RoomID, p.UserID)
	if !ok {
		return
	}
	g.reg.Remove(p.RoomID, p.UserID)
	g.setState(c, stateLeft)

	// Durable participants are untouched: membership history survives leave.
	g.broadcastRoom(p.RoomID, Frame{Event: EvtUsersInRoom, Data: g.reg.List(p.RoomID)}, "")
	g.broadcastRoom(p.RoomID, Frame{Event: EvtUserLeft, Data: UserNotice{User: entry.Public()}}, "")

	g.log.Info("user left room",
		zap.String("roomId", p.RoomID), zap.String("userId", p.UserID))
}

/*** Collaboration event relay ***/

// code-change and language-change are echo-suppressed: the originator already
// has the authoritative local state and a stale echo could overwrite a newer
// local edit.

func (g *Gateway) handleCodeChange(c *conn, raw json.RawMessage) {
	var p CodeChangePayload
	if !g.decode(EvtCodeChange, raw, &p) {
		return
	}
	g.broadcastRoom(p.RoomID, Frame{Event: EvtCodeUpdate, Data: CodeUpdate{Code: p.Code, UserID: p.UserID}}, c.client.ID)
}

func (g *Gateway) handleLanguageChange(c *conn, raw json.RawMessage) {
	var p LanguageChangePayload
	if !g.decode(EvtLanguageChange, raw, &p) {
		return
	}
	g.broadcastRoom(p.RoomID, Frame{Event: EvtLanguageUpdate, Data: LanguageUpdate{Language: p.Language, UserID: p.UserID}}, c.client.ID)
}

// Hand and mute events are state announcements: the originator needs the same
// confirmed view as everyone else, so they go to the full room.

func (g *Gateway) handleRaiseHand(c *conn, raw json.RawMessage) {
	var p HandPayload
	if !g.decode(EvtRaiseHand, raw, &p) {
		return
	}
	g.broadcastRoom(p.RoomID, Frame{Event: EvtHandRaised, Data: UserEvent{UserID: p.UserID}}, "")
	g.notifier.Publish(p.RoomID, p.UserID)
}

func (g *Gateway) handleLowerHand(c *conn, raw json.RawMessage) {
	var p HandPayload
	if !g.decode(EvtLowerHand, raw, &p) {
		return
	}
	g.broadcastRoom(p.RoomID, Frame{Event: EvtHandLowered, Data: UserEvent{UserID: p.UserID}}, "")
}

func (g *Gateway) handleMuteUser(c *conn, raw json.RawMessage) {
	var p HandPayload
	if !g.decode(EvtMuteUser, raw, &p) {
		return
	}
	g.broadcastRoom(p.RoomID, Frame{Event: EvtUserMuted, Data: UserEvent{UserID: p.UserID}}, "")
}

func (g *Gateway) handleUnmuteUser(c *conn, raw json.RawMessage) {
	var p HandPayload
	if !g.decode(EvtUnmuteUser, raw, &p) {
		return
	}
	g.broadcastRoom(p.RoomID, Frame{Event: EvtUserUnmuted, Data: UserEvent{UserID: p.UserID}}, "")
}

func (g *Gateway) handleCodeExecution(c *conn, raw json.RawMessage) {
	var p CodeExecutionPayload
	if !g.decode(EvtCodeExecution, raw, &p) {
		return
	}
	g.broadcastRoom(p.RoomID, Frame{Event: EvtExecutionResult, Data: ExecutionResult{Output: p.Output, ExecutionTime: p.ExecutionTime}}, "")
}

// broadcastRoom relays a frame to every connection currently joined to the
// room, minus excludeConnID when set. Delivery is best effort and at most
// once: a member whose connection is gone is simply skipped, never queued.
func (g *Gateway) broadcastRoom(roomID string, frame Frame, excludeConnID string) {
	entries := g.reg.List(roomID)

	g.mu.Lock()
	targets := make([]*Client, 0, len(entries))
	for _, entry := range entries {
		if entry.ConnID == excludeConnID {
			continue
		}
		if c, ok := g.conns[entry.ConnID]; ok {
			targets = append(targets, c.client)
		}
	}
	g.mu.Unlock()

	for _, client := range targets {
		client.Send(frame)
	}
}
