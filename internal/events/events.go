package events

import (
	"encoding/json"
	"sync"
	"time"
)

const (
	EventJobUpdated     = "job_updated"
	EventJobCompleted   = "job_completed"
	EventJobFailed      = "job_failed"
	EventSyncDeadLetter = "sync_dead_letter"
)

// JobEventPayload is the minimal job snapshot carried on bus events.
type JobEventPayload struct {
	JobID          string `json:"job_id"`
	OrganizationID int64  `json:"organization_id"`
	JobType        string `json:"job_type"`
	Status         string `json:"status"`
	Processed      int    `json:"processed"`
	Total          int    `json:"total"`
}

// DeadLetterPayload describes a sync job that exhausted its retries.
type DeadLetterPayload struct {
	SyncJobID      int64  `json:"sync_job_id"`
	OrganizationID int64  `json:"organization_id"`
	EntityType     string `json:"entity_type"`
	Handler        string `json:"handler"`
	RetryCount     int    `json:"retry_count"`
	LastError      string `json:"last_error"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

// Bus provides in-process pub/sub: typed handlers for cross-component
// wiring (dead-letter alerts, downstream refresh) and per-job channels for
// observers watching a single job's progress.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]EventHandler
	jobSubs     map[string][]chan Event
}

// NewBus constructs an empty bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]EventHandler),
		jobSubs:     make(map[string][]chan Event),
	}
}

// Subscribe registers a handler for a given event type.
func (b *Bus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type.
func (b *Bus) Publish(event *Event) {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	for _, handler := range handlers {
		// Handlers run synchronously; caller decides concurrency model.
		_ = handler(event)
	}
}

// PublishJSON serializes the payload and publishes an event.
func (b *Bus) PublishJSON(eventType string, payload any) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	b.Publish(&Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
	return nil
}

// SubscribeJob creates a buffered channel receiving every event for jobID.
func (b *Bus) SubscribeJob(jobID string) chan Event {
	ch := make(chan Event, 16)
	b.mu.Lock()
	b.jobSubs[jobID] = append(b.jobSubs[jobID], ch)
	b.mu.Unlock()
	return ch
}

// UnsubscribeJob removes a channel registered with SubscribeJob.
func (b *Bus) UnsubscribeJob(jobID string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	chans := b.jobSubs[jobID]
	for i, c := range chans {
		if c == ch {
			b.jobSubs[jobID] = append(chans[:i], chans[i+1:]...)
			break
		}
	}
	if len(b.jobSubs[jobID]) == 0 {
		delete(b.jobSubs, jobID)
	}
}

// NotifyJob publishes an event on the typed bus and fans it out to the
// job's channel subscribers without blocking; a slow observer misses the
// event rather than stalling the worker.
func (b *Bus) NotifyJob(eventType string, payload JobEventPayload) {
	if b == nil {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	event := Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}
	b.Publish(&event)

	b.mu.RLock()
	chans := b.jobSubs[payload.JobID]
	b.mu.RUnlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
	}
}

// CloseJob sends a final event to the job's subscribers and closes their
// channels. Used when a job reaches a terminal status.
func (b *Bus) CloseJob(eventType string, payload JobEventPayload) {
	if b == nil {
		return
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	event := Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}
	b.Publish(&event)

	b.mu.Lock()
	chans := b.jobSubs[payload.JobID]
	delete(b.jobSubs, payload.JobID)
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- event:
		default:
		}
		close(ch)
	}
}
