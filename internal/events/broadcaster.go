package events

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sashakarcz/leasereaper/internal/logger"
)

// EventType represents the type of engine event
type EventType string

const (
	EventDeviceDiscovered EventType = "device_discovered"
	EventReleaseSent      EventType = "release_sent"
	EventReleaseDryRun    EventType = "release_dry_run"
	EventReleaseFailed    EventType = "release_failed"
	EventReleaseSkipped   EventType = "release_skipped"
	EventCaptureStarted   EventType = "capture_started"
	EventCaptureStopped   EventType = "capture_stopped"
	EventSettingsChanged  EventType = "settings_changed"
	EventCycleFailed      EventType = "cycle_failed"
	EventStatsFlushed     EventType = "stats_flushed"
)

// Event is a single engine event
type Event struct {
	ID        string         `json:"id"`
	Timestamp time.Time      `json:"timestamp"`
	Type      EventType      `json:"type"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

// Subscriber receives events on Channel until unsubscribed
type Subscriber struct {
	ID      string
	Channel chan *Event
}

// Broadcaster fans engine events out to subscribers. Publishing never
// blocks; events are dropped for subscribers that fall behind. A nil
// *Broadcaster discards everything.
type Broadcaster struct {
	subscribers map[string]*Subscriber
	register    chan *Subscriber
	unregister  chan *Subscriber
	broadcast   chan *Event
	done        chan struct{}
	mu          sync.RWMutex
}

// NewBroadcaster creates a new event broadcaster
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[string]*Subscriber),
		register:    make(chan *Subscriber),
		unregister:  make(chan *Subscriber),
		broadcast:   make(chan *Event, 100),
		done:        make(chan struct{}),
	}
}

// Start runs the fan-out loop until ctx is done
func (b *Broadcaster) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				close(b.done)
				b.mu.Lock()
				for _, sub := range b.subscribers {
					close(sub.Channel)
				}
				b.subscribers = make(map[string]*Subscriber)
				b.mu.Unlock()
				return

			case sub := <-b.register:
				b.mu.Lock()
				b.subscribers[sub.ID] = sub
				n := len(b.subscribers)
				b.mu.Unlock()
				logger.Debug().Str("subscriber", sub.ID).Int("total", n).Msg("Event subscriber added")

			case sub := <-b.unregister:
				b.mu.Lock()
				if _, ok := b.subscribers[sub.ID]; ok {
					close(sub.Channel)
					delete(b.subscribers, sub.ID)
				}
				n := len(b.subscribers)
				b.mu.Unlock()
				logger.Debug().Str("subscriber", sub.ID).Int("total", n).Msg("Event subscriber removed")

			case event := <-b.broadcast:
				b.mu.RLock()
				for _, sub := range b.subscribers {
					select {
					case sub.Channel <- event:
					default:
						logger.Warn().Str("subscriber", sub.ID).Msg("Subscriber channel full, skipping event")
					}
				}
				b.mu.RUnlock()
			}
		}
	}()
}

// Subscribe registers a subscriber with a buffer of size events. Start must
// be running; after shutdown the returned channel is already closed.
func (b *Broadcaster) Subscribe(size int) *Subscriber {
	if size <= 0 {
		size = 10
	}
	sub := &Subscriber{
		ID:      uuid.NewString(),
		Channel: make(chan *Event, size),
	}
	select {
	case b.register <- sub:
	case <-b.done:
		close(sub.Channel)
	}
	return sub
}

// Unsubscribe removes a subscriber and closes its channel
func (b *Broadcaster) Unsubscribe(sub *Subscriber) {
	select {
	case b.unregister <- sub:
	case <-b.done:
	}
}

// Broadcast queues an event for all subscribers
func (b *Broadcaster) Broadcast(event *Event) {
	if b == nil {
		return
	}
	select {
	case b.broadcast <- event:
	default:
		logger.Warn().Str("type", string(event.Type)).Msg("Broadcast channel full, dropping event")
	}
}

// Publish builds and broadcasts an event
func (b *Broadcaster) Publish(eventType EventType, message string, details map[string]any) {
	if b == nil {
		return
	}
	b.Broadcast(&Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Type:      eventType,
		Message:   message,
		Details:   details,
	})
}

// PublishDevice broadcasts an event about one device
func (b *Broadcaster) PublishDevice(eventType EventType, mac, ip string, details map[string]any) {
	if b == nil {
		return
	}
	d := map[string]any{"mac": mac, "ip": ip}
	for k, v := range details {
		d[k] = v
	}
	b.Publish(eventType, fmt.Sprintf("%s: %s (%s)", eventType, ip, mac), d)
}

// Encode renders an event as JSON for external sinks
func Encode(event *Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event %s: %w", event.ID, err)
	}
	return data, nil
}
