// Package messaging provides the in-process trigger hub: per-device event
// channels with a broadcast mirror, bounded subscriber queues, and
// at-least-once manual trigger delivery across device reconnects.
package messaging

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/okmonitor/okmonitor-go/internal/infrastructure/observability/logging"
)

// BroadcastChannel receives a mirror of every device-channel publish.
const BroadcastChannel = "all"

// Event is one hub message. Seq is non-zero only for manual trigger
// events, which participate in the ack/replay protocol. ID is assigned
// on publish and lets consumers deduplicate across reconnects.
type Event struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	DeviceID string         `json:"deviceId,omitempty"`
	Seq      uint64         `json:"seq,omitempty"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
}

// Subscriber is one attached consumer. Events arrive on Events; when the
// subscriber falls behind, the oldest queued event is dropped to make
// room, so slow consumers never block publishers.
type Subscriber struct {
	ID      string
	Channel string
	Events  chan Event
}

// deviceState is the per-device bookkeeping that outlives any single
// connection.
type deviceState struct {
	triggerSeq uint64  // monotonic manual trigger counter
	ackedSeq   uint64  // highest sequence the device acknowledged
	pending    []Event // unacked manual triggers, oldest first
	lastSeen   time.Time
}

// Hub routes events between the ingestion pipeline, connected devices,
// and dashboard listeners.
type Hub struct {
	subscriberBuffer int
	replayBuffer     int
	logger           *logging.ChanneledLogger

	mu          sync.RWMutex
	subscribers map[string]map[string]*Subscriber // channel -> subscriber id -> subscriber
	devices     map[string]*deviceState
	closed      bool
}

// NewHub creates a hub. subscriberBuffer bounds each subscriber's queue;
// replayBuffer bounds the per-device unacked trigger backlog.
func NewHub(subscriberBuffer, replayBuffer int, logger *logging.ChanneledLogger) *Hub {
	if subscriberBuffer < 1 {
		subscriberBuffer = 1
	}
	if replayBuffer < 1 {
		replayBuffer = 1
	}
	return &Hub{
		subscriberBuffer: subscriberBuffer,
		replayBuffer:     replayBuffer,
		logger:           logger,
		subscribers:      make(map[string]map[string]*Subscriber),
		devices:          make(map[string]*deviceState),
	}
}

// Subscribe attaches a new consumer to the channel. Subscribing to a
// device channel replays every manual trigger newer than the device's
// last acknowledged sequence, in order, ahead of any live events.
func (h *Hub) Subscribe(channel string) *Subscriber {
	sub := &Subscriber{
		ID:      ulid.Make().String(),
		Channel: channel,
		Events:  make(chan Event, h.subscriberBuffer),
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(sub.Events)
		return sub
	}

	if h.subscribers[channel] == nil {
		h.subscribers[channel] = make(map[string]*Subscriber)
	}
	h.subscribers[channel][sub.ID] = sub

	if state, exists := h.devices[channel]; exists {
		for _, event := range state.pending {
			if event.Seq > state.ackedSeq {
				deliver(sub, event)
			}
		}
	}

	h.logger.SSE().Debug("Subscriber attached", "channel", channel, "subscriberId", sub.ID)
	return sub
}

// Unsubscribe detaches the consumer and closes its event channel.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	if sub == nil {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	subs, exists := h.subscribers[sub.Channel]
	if !exists {
		return
	}
	if _, attached := subs[sub.ID]; !attached {
		return
	}

	delete(subs, sub.ID)
	if len(subs) == 0 {
		delete(h.subscribers, sub.Channel)
	}
	close(sub.Events)

	h.logger.SSE().Debug("Subscriber detached", "channel", sub.Channel, "subscriberId", sub.ID)
}

// Publish delivers the event to the channel's subscribers. Device-channel
// publishes are mirrored to the broadcast channel so dashboard listeners
// see every device's traffic without subscribing per device.
func (h *Hub) Publish(channel string, event Event) {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.At.IsZero() {
		event.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return
	}

	h.fanOut(channel, event)
	if channel != BroadcastChannel {
		h.fanOut(BroadcastChannel, event)
	}
}

// PublishManualTrigger assigns the device's next trigger sequence, queues
// the event for replay until acknowledged, and publishes it. The returned
// event carries the assigned sequence.
func (h *Hub) PublishManualTrigger(deviceID string, payload map[string]any) Event {
	h.mu.Lock()

	state := h.deviceLocked(deviceID)
	state.triggerSeq++
	event := Event{
		ID:       uuid.NewString(),
		Type:     "manual_trigger",
		DeviceID: deviceID,
		Seq:      state.triggerSeq,
		Payload:  payload,
		At:       time.Now(),
	}

	state.pending = append(state.pending, event)
	if len(state.pending) > h.replayBuffer {
		dropped := state.pending[0]
		state.pending = state.pending[1:]
		h.logger.SSE().Warn("Replay buffer full, dropping oldest unacked trigger",
			"deviceId", deviceID, "droppedSeq", dropped.Seq)
	}

	if !h.closed {
		h.fanOut(deviceID, event)
		h.fanOut(BroadcastChannel, event)
	}
	h.mu.Unlock()

	h.logger.SSE().Info("Manual trigger published", "deviceId", deviceID, "seq", event.Seq)
	return event
}

// Ack records that the device has processed every trigger up to and
// including seq, releasing those events from the replay backlog. Stale
// acks (at or below the cursor) are ignored.
func (h *Hub) Ack(deviceID string, seq uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	state, exists := h.devices[deviceID]
	if !exists || seq <= state.ackedSeq {
		return
	}
	if seq > state.triggerSeq {
		seq = state.triggerSeq
	}

	state.ackedSeq = seq
	retained := state.pending[:0]
	for _, event := range state.pending {
		if event.Seq > seq {
			retained = append(retained, event)
		}
	}
	state.pending = retained
}

// PendingTriggers returns the device's unacknowledged trigger count.
func (h *Hub) PendingTriggers(deviceID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if state, exists := h.devices[deviceID]; exists {
		return len(state.pending)
	}
	return 0
}

// Touch records device activity for presence tracking.
func (h *Hub) Touch(deviceID string) {
	h.mu.Lock()
	h.deviceLocked(deviceID).lastSeen = time.Now()
	h.mu.Unlock()
}

// LastSeen returns the device's most recent activity timestamp.
func (h *Hub) LastSeen(deviceID string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	state, exists := h.devices[deviceID]
	if !exists || state.lastSeen.IsZero() {
		return time.Time{}, false
	}
	return state.lastSeen, true
}

// Devices returns the IDs of every device the hub has seen.
func (h *Hub) Devices() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.devices))
	for id := range h.devices {
		ids = append(ids, id)
	}
	return ids
}

// SubscriberCount returns the number of consumers attached to a channel.
func (h *Hub) SubscriberCount(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[channel])
}

// Close detaches every subscriber. Device trigger counters and ack
// cursors are retained so a restart of the HTTP layer does not reissue
// sequences.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for channel, subs := range h.subscribers {
		for _, sub := range subs {
			close(sub.Events)
		}
		delete(h.subscribers, channel)
	}
}

// deviceLocked returns the device state, creating it on first sight.
// Caller holds h.mu.
func (h *Hub) deviceLocked(deviceID string) *deviceState {
	state, exists := h.devices[deviceID]
	if !exists {
		state = &deviceState{}
		h.devices[deviceID] = state
	}
	return state
}

// fanOut delivers to every subscriber of the channel. Caller holds h.mu
// in at least read mode.
func (h *Hub) fanOut(channel string, event Event) {
	for _, sub := range h.subscribers[channel] {
		deliver(sub, event)
	}
}

// deliver enqueues without blocking, dropping the subscriber's oldest
// queued event when the queue is full.
func deliver(sub *Subscriber, event Event) {
	select {
	case sub.Events <- event:
		return
	default:
	}

	select {
	case <-sub.Events:
	default:
	}

	select {
	case sub.Events <- event:
	default:
	}
}
