package realtime

import (
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

const defaultEventBuffer = 64

var (
	errMissingFamilyID = errors.New("realtime: family identifier is required")
	errMissingUserID   = errors.New("realtime: user identifier is required")
)

// ChannelName derives the logical channel name for a family. Two different
// families never share a channel.
func ChannelName(familyID string) string {
	return "family:" + familyID
}

// Hub is the in-process publish/subscribe transport. It keeps one logical
// channel per family, tracks the last presence payload per user, and fans
// row-change events out to every subscriber of the affected family.
//
// Delivery is at-least-once from the caller's perspective and ordered per
// subscriber; a subscriber that cannot keep up has events dropped rather than
// blocking the publisher.
type Hub struct {
	mu         sync.Mutex
	families   map[string]*familyChannel
	nextID     int64
	bufferSize int
	logger     *zap.Logger
}

type familyChannel struct {
	subscribers map[int64]*subscriber
	presence    map[string]PresenceRecord
}

type subscriber struct {
	id     int64
	userID string
	events chan Event
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		families:   make(map[string]*familyChannel),
		bufferSize: defaultEventBuffer,
		logger:     logger,
	}
}

// Channel is one subscription to a family channel. It delivers the typed
// event union on Events until Unsubscribe is called.
type Channel struct {
	hub    *Hub
	name   string
	userID string
	sub    *subscriber
	once   sync.Once
}

// Subscribe opens a subscription for the user on the family channel. The
// complete current presence set is delivered immediately as a PresenceSynced
// event; the caller is expected to Track its own presence right after.
func (h *Hub) Subscribe(familyID, userID string) (*Channel, error) {
	if familyID == "" {
		return nil, errMissingFamilyID
	}
	if userID == "" {
		return nil, errMissingUserID
	}

	name := ChannelName(familyID)

	h.mu.Lock()
	defer h.mu.Unlock()

	channel := h.families[name]
	if channel == nil {
		channel = &familyChannel{
			subscribers: make(map[int64]*subscriber),
			presence:    make(map[string]PresenceRecord),
		}
		h.families[name] = channel
	}

	h.nextID++
	sub := &subscriber{
		id:     h.nextID,
		userID: userID,
		events: make(chan Event, h.bufferSize),
	}
	channel.subscribers[sub.id] = sub

	h.deliver(sub, PresenceSynced{Records: snapshotPresence(channel.presence)})

	return &Channel{hub: h, name: name, userID: userID, sub: sub}, nil
}

// Events exposes the subscription's ordered event stream. The channel is
// closed by Unsubscribe.
func (c *Channel) Events() <-chan Event {
	return c.sub.events
}

// Track publishes this client's current presence to every subscriber on the
// family channel, the origin included. Must be re-invoked whenever the
// locally observed view, activity, or editing target changes.
func (c *Channel) Track(record PresenceRecord) {
	record.UserID = c.userID
	record.Online = true

	c.hub.mu.Lock()
	defer c.hub.mu.Unlock()

	channel := c.hub.families[c.name]
	if channel == nil || channel.subscribers[c.sub.id] == nil {
		return
	}
	channel.presence[c.userID] = record.clone()
	for _, sub := range channel.subscribers {
		c.hub.deliver(sub, PresenceJoined{Record: record.clone()})
	}
}

// Unsubscribe tears the subscription down. No event is delivered afterwards.
// When the last subscription for the user goes away, the user's presence is
// removed and a PresenceLeft event carrying the last payload is broadcast.
// Safe to call more than once.
func (c *Channel) Unsubscribe() {
	c.once.Do(func() {
		c.hub.mu.Lock()
		defer c.hub.mu.Unlock()

		channel := c.hub.families[c.name]
		if channel == nil {
			return
		}
		delete(channel.subscribers, c.sub.id)
		close(c.sub.events)

		stillConnected := false
		for _, sub := range channel.subscribers {
			if sub.userID == c.userID {
				stillConnected = true
				break
			}
		}
		if !stillConnected {
			if last, ok := channel.presence[c.userID]; ok {
				delete(channel.presence, c.userID)
				for _, sub := range channel.subscribers {
					c.hub.deliver(sub, PresenceLeft{Record: last.clone()})
				}
			}
		}
		if len(channel.subscribers) == 0 {
			delete(c.hub.families, c.name)
		}
	})
}

// PublishRowChange fans a committed row mutation out to every subscriber of
// the family channel, including the subscriber whose action caused it (the
// echo). Events for other families are never delivered here, which is the
// family-id predicate of the subscription contract.
func (h *Hub) PublishRowChange(familyID string, change RowChangeEvent) {
	if familyID == "" || change.Type == "" || change.Table == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	channel := h.families[ChannelName(familyID)]
	if channel == nil {
		return
	}
	for _, sub := range channel.subscribers {
		h.deliver(sub, RowChanged{Change: change})
	}
}

func (h *Hub) deliver(sub *subscriber, event Event) {
	select {
	case sub.events <- event:
	default:
		h.logger.Warn("realtime event dropped",
			zap.Int64("subscriber", sub.id),
			zap.String("user_id", sub.userID),
			zap.String("event", fmt.Sprintf("%T", event)))
	}
}

func snapshotPresence(presence map[string]PresenceRecord) map[string][]PresenceRecord {
	records := make(map[string][]PresenceRecord, len(presence))
	for userID, record := range presence {
		records[userID] = []PresenceRecord{record.clone()}
	}
	return records
}
