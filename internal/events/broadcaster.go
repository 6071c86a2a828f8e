// Package events fans storage change events out to SSE subscribers.
package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/fruitsalade/objectstore/internal/metrics"
	"github.com/fruitsalade/objectstore/internal/storage"
)

const (
	EventCreate    = "create"
	EventModify    = "modify"
	EventDelete    = "delete"
	EventAssembled = "assembled"
)

// Event is one object change.
type Event struct {
	Type      string `json:"type"`
	Path      string `json:"path"`
	Size      int64  `json:"size,omitempty"`
	ETag      string `json:"etag,omitempty"`
	UploadUid string `json:"uploadUid,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// FromChange converts a storage change notification.
func FromChange(c storage.Change) Event {
	t := EventModify
	switch c.Kind {
	case storage.ChangeCreated:
		t = EventCreate
	case storage.ChangeDeleted:
		t = EventDelete
	}
	return Event{Type: t, Path: c.Path, Size: c.Size, ETag: c.ETag}
}

// Assembled builds the event for a finished chunked upload.
func Assembled(uid string, meta storage.FileMetadata) Event {
	return Event{Type: EventAssembled, Path: meta.FullPath, Size: meta.ContentLength, ETag: meta.ETag, UploadUid: uid}
}

// Broadcaster manages SSE subscribers and publishes events.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
	now         func() time.Time
}

// NewBroadcaster creates a new event broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		subscribers: make(map[chan Event]struct{}),
		now:         time.Now,
	}
}

// Subscribe adds a new subscriber and returns its event channel.
// The caller must call Unsubscribe when done.
func (b *Broadcaster) Subscribe() chan Event {
	ch := make(chan Event, 64)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Broadcaster) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
	n := len(b.subscribers)
	b.mu.Unlock()
	metrics.SetSSEConnectionsActive(int64(n))
}

// Publish sends an event to all subscribers. Non-blocking: drops events
// for slow consumers.
func (b *Broadcaster) Publish(event Event) {
	if event.Timestamp == 0 {
		event.Timestamp = b.now().Unix()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			// Drop event for slow consumer
		}
	}
	metrics.RecordSSEEvent(event.Type)
}

// OnChange adapts Publish to storage.Options.OnChange.
func (b *Broadcaster) OnChange(c storage.Change) {
	b.Publish(FromChange(c))
}

// OnAssembled adapts Publish to upload.Options.OnAssembled.
func (b *Broadcaster) OnAssembled(uid string, meta storage.FileMetadata) {
	b.Publish(Assembled(uid, meta))
}

// Count returns the current number of subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// MarshalEvent serializes an event to JSON.
func MarshalEvent(e Event) ([]byte, error) {
	return json.Marshal(e)
}
