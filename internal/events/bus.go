// Package events is the in-process pub/sub bus feeding the admin realtime
// stream (SPEC_FULL §2 "Realtime ops stream"): job and payout lifecycle
// transitions are emitted here and fanned out over a WebSocket
// connection to an operator dashboard.
package events

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"
)

// CloudEvent is the CloudEvents 1.0 envelope for every coordinator event.
// TenantID scopes org (buyer) lifecycle events: dispute.resolved events
// carry the owning org so an admin can narrow the stream to one buyer's
// activity; all other events leave it blank and reach only unscoped
// subscribers.
type CloudEvent struct {
	SpecVersion string                 `json:"specversion"`
	Type        string                 `json:"type"`
	Source      string                 `json:"source"`
	ID          string                 `json:"id"`
	Time        time.Time              `json:"time"`
	Subject     string                 `json:"subject,omitempty"`
	TenantID    string                 `json:"tenantid,omitempty"`
	Data        map[string]interface{} `json:"data"`
}

// NewCloudEvent creates a CloudEvents 1.0 compliant event
func NewCloudEvent(eventType, source, subject string, data map[string]interface{}) *CloudEvent {
	return &CloudEvent{
		SpecVersion: "1.0",
		Type:        eventType,
		Source:      source,
		ID:          fmt.Sprintf("ce-%d", time.Now().UnixNano()),
		Time:        time.Now(),
		Subject:     subject,
		Data:        data,
	}
}

// JSON serializes the event
func (ce *CloudEvent) JSON() ([]byte, error) {
	return json.Marshal(ce)
}

// EventBus is an in-process pub/sub event bus.
// Subscribers receive CloudEvents in real time.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan *CloudEvent // eventType -> channels
	allSubs     []chan *CloudEvent            // subscribers to all events
	tenants     map[chan *CloudEvent]string   // channel -> tenant filter, if scoped
	logger      *log.Logger
	bufferSize  int
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[string][]chan *CloudEvent),
		allSubs:     make([]chan *CloudEvent, 0),
		tenants:     make(map[chan *CloudEvent]string),
		logger:      log.New(log.Writer(), "[EVENTS] ", log.LstdFlags),
		bufferSize:  100,
	}
}

// Subscribe creates a channel that receives events of specific types.
// Pass empty eventTypes to receive ALL events.
func (eb *EventBus) Subscribe(eventTypes ...string) chan *CloudEvent {
	return eb.SubscribeTenant("", eventTypes...)
}

// SubscribeTenant is Subscribe scoped to a single org: when tenantID is
// non-empty the channel only receives events whose TenantID matches
// (untenanted platform-wide events are not delivered to it), letting the
// admin stream narrow to one buyer's dispute outcomes instead of the whole
// coordinator firehose.
func (eb *EventBus) SubscribeTenant(tenantID string, eventTypes ...string) chan *CloudEvent {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	ch := make(chan *CloudEvent, eb.bufferSize)
	if tenantID != "" {
		eb.tenants[ch] = tenantID
	}

	if len(eventTypes) == 0 {
		eb.allSubs = append(eb.allSubs, ch)
	} else {
		for _, et := range eventTypes {
			eb.subscribers[et] = append(eb.subscribers[et], ch)
		}
	}

	return ch
}

// Unsubscribe removes a subscription channel
func (eb *EventBus) Unsubscribe(ch chan *CloudEvent) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	// Remove from type-specific subs
	for et, subs := range eb.subscribers {
		filtered := make([]chan *CloudEvent, 0)
		for _, s := range subs {
			if s != ch {
				filtered = append(filtered, s)
			}
		}
		eb.subscribers[et] = filtered
	}

	// Remove from all subs
	filtered := make([]chan *CloudEvent, 0)
	for _, s := range eb.allSubs {
		if s != ch {
			filtered = append(filtered, s)
		}
	}
	eb.allSubs = filtered
	delete(eb.tenants, ch)

	close(ch)
}

// Publish sends an event to all matching subscribers, skipping any
// tenant-scoped subscriber whose filter doesn't match the event's TenantID.
func (eb *EventBus) Publish(event *CloudEvent) {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	deliver := func(ch chan *CloudEvent) {
		if tenant, scoped := eb.tenants[ch]; scoped && tenant != event.TenantID {
			return
		}
		select {
		case ch <- event:
		default:
			// Channel full, skip
		}
	}

	for _, ch := range eb.subscribers[event.Type] {
		deliver(ch)
	}
	for _, ch := range eb.allSubs {
		deliver(ch)
	}
}

// Emit is a convenience method to create and publish a platform-wide event.
func (eb *EventBus) Emit(eventType, source, subject string, data map[string]interface{}) {
	eb.Publish(NewCloudEvent(eventType, source, subject, data))
}

// EmitForOrg is Emit for an event scoped to a single buyer org, stamping
// TenantID so SubscribeTenant callers can filter to it.
func (eb *EventBus) EmitForOrg(eventType, source, subject, orgID string, data map[string]interface{}) {
	event := NewCloudEvent(eventType, source, subject, data)
	event.TenantID = orgID
	eb.Publish(event)
}

// SubscriberCount returns the total number of active subscribers
func (eb *EventBus) SubscriberCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	count := len(eb.allSubs)
	for _, subs := range eb.subscribers {
		count += len(subs)
	}
	return count
}
