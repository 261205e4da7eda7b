// Package events is the in-process fan-out bus. Subscribers attach per
// project and receive events published after they join; there is no
// replay. A subscriber that stops draining is disconnected rather than
// allowed to stall the pipeline.
package events

import (
	"sync"

	"go.uber.org/zap"
)

// Event names published by the pipeline. The vocabulary is open; these are
// the ones emitted today.
const (
	EventPhase           = "phase"
	EventWorkerSpawned   = "worker_spawned"
	EventWorkerDone      = "worker_done"
	EventPathwayStarted  = "pathway_started"
	EventPathwayLevel    = "pathway_level"
	EventPathwayBranch   = "pathway_branch"
	EventPathwayComplete = "pathway_complete"
	EventConfidence      = "confidence_computed"
	EventGraphValidated  = "graph_validated"
	EventError           = "error_event"
	EventIndexUpdated    = "index_updated"
	EventSourcesReloaded = "sources_reloaded"
	EventStallDetected   = "stall_detected"
)

// Event is the wire envelope.
type Event struct {
	Event     string `json:"event"`
	ProjectID string `json:"projectId"`
	Data      any    `json:"data"`
}

// DefaultBuffer is each subscriber's send buffer. A subscriber more than
// this many events behind is dropped.
const DefaultBuffer = 64

// Bus fans events out per project. Safe for concurrent use. Publish never
// blocks on subscribers.
type Bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[string]map[uint64]chan Event
	closed bool
	buffer int
	logger *zap.Logger
}

func New(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		subs:   map[string]map[uint64]chan Event{},
		buffer: DefaultBuffer,
		logger: logger.Named("events"),
	}
}

// Subscribe attaches to a project's event stream. The returned cancel
// function detaches and closes the channel; it is safe to call twice.
// Subscribing never replays earlier events.
func (b *Bus) Subscribe(projectID string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	if b.subs[projectID] == nil {
		b.subs[projectID] = map[uint64]chan Event{}
	}
	b.subs[projectID][id] = ch

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.removeLocked(projectID, id)
	}
	return ch, cancel
}

func (b *Bus) removeLocked(projectID string, id uint64) {
	set := b.subs[projectID]
	if set == nil {
		return
	}
	if ch, ok := set[id]; ok {
		delete(set, id)
		close(ch)
	}
	if len(set) == 0 {
		delete(b.subs, projectID)
	}
}

// Publish fans the event out to every live subscriber of the project.
// A subscriber with a full buffer is disconnected and removed.
func (b *Bus) Publish(projectID, event string, data any) {
	ev := Event{Event: event, ProjectID: projectID, Data: data}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for id, ch := range b.subs[projectID] {
		select {
		case ch <- ev:
		default:
			b.logger.Warn("dropping slow event subscriber",
				zap.String("projectId", projectID),
				zap.String("event", event))
			b.removeLocked(projectID, id)
		}
	}
}

// Broadcast fans the event out to every subscriber of every project.
// Registry-level changes (source reloads) use it; each envelope carries the
// subscriber's own project id.
func (b *Bus) Broadcast(event string, data any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for projectID, set := range b.subs {
		ev := Event{Event: event, ProjectID: projectID, Data: data}
		for id, ch := range set {
			select {
			case ch <- ev:
			default:
				b.logger.Warn("dropping slow event subscriber",
					zap.String("projectId", projectID),
					zap.String("event", event))
				b.removeLocked(projectID, id)
			}
		}
	}
}

// SubscriberCount reports the live subscribers for a project.
func (b *Bus) SubscriberCount(projectID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[projectID])
}

// Close disconnects every subscriber. Further Publish and Subscribe calls
// are no-ops returning closed channels.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for projectID, set := range b.subs {
		for id := range set {
			b.removeLocked(projectID, id)
		}
	}
}
