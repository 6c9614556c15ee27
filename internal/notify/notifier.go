// Package notify carries raised-hand notifications to every connected client
// in the process, independent of room membership, so instructors monitoring
// from outside a room still see them. When a Redis client is supplied the
// notifier also bridges events between service instances over pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Channel is the Redis pub/sub channel for cross-instance notifications.
const Channel = "codelab:raised-hands"

// Notification announces a raised hand in a room.
type Notification struct {
	RoomID     string    `json:"roomId"`
	UserID     string    `json:"userId"`
	InstanceID string    `json:"instanceId,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier fans notifications out to locally attached sinks and, when
// configured, publishes them to Redis for other instances.
type Notifier struct {
	log        *zap.Logger
	rdb        *redis.Client
	instanceID string

	mu    sync.RWMutex
	sinks map[string]func(Notification)

	ctx    context.Context
	cancel context.CancelFunc
}

func New(log *zap.Logger) *Notifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &Notifier{
		log:        log,
		instanceID: uuid.New().String(),
		sinks:      make(map[string]func(Notification)),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// NewWithRedis builds a notifier bridged over Redis pub/sub and starts its
// subscriber loop.
func NewWithRedis(log *zap.Logger, rdb *redis.Client) *Notifier {
	n := New(log)
	n.rdb = rdb
	go n.subscribe()
	return n
}

// Attach registers a delivery function for one connection id.
func (n *Notifier) Attach(id string, deliver func(Notification)) {
	n.mu.Lock()
	n.sinks[id] = deliver
	n.mu.Unlock()
}

func (n *Notifier) Detach(id string) {
	n.mu.Lock()
	delete(n.sinks, id)
	n.mu.Unlock()
}

// Publish delivers the notification to every local sink and forwards it to
// other instances when Redis is configured. Publish failures are logged and
// swallowed: local delivery has already happened.
func (n *Notifier) Publish(roomID, userID string) {
	evt := Notification{
		RoomID:     roomID,
		UserID:     userID,
		InstanceID: n.instanceID,
		Timestamp:  time.Now().UTC(),
	}
	n.fanout(evt)

	if n.rdb == nil {
		return
	}
	data, err := json.Marshal(evt)
	if err != nil {
		n.log.Error("marshal notification", zap.Error(err))
		return
	}
	if err := n.rdb.Publish(n.ctx, Channel, data).Err(); err != nil {
		n.log.Error("publish notification", zap.Error(err))
	}
}

func (n *Notifier) fanout(evt Notification) {
	n.mu.RLock()
	sinks := make([]func(Notification), 0, len(n.sinks))
	for _, deliver := range n.sinks {
		sinks = append(sinks, deliver)
	}
	n.mu.RUnlock()

	for _, deliver := range sinks {
		deliver(evt)
	}
}

// subscribe forwards notifications published by other instances to local
// sinks, skipping this instance's own messages since those were already
// delivered locally.
func (n *Notifier) subscribe() {
	pubsub := n.rdb.Subscribe(n.ctx, Channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for {
		select {
		case <-n.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var evt Notification
			if err := json.Unmarshal([]byte(msg.Payload), &evt); err != nil {
				n.log.Warn("malformed notification", zap.Error(err))
				continue
			}
			if evt.InstanceID == n.instanceID {
				continue
			}
			n.fanout(evt)
		}
	}
}

// Close stops the subscriber loop.
func (n *Notifier) Close() {
	n.cancel()
}
