package server

import (
	"context"
	"sync"
	"time"

	"github.com/The777Bot/visitor-garden/internal/garden"
)

const (
	RealtimeEventPlantingsChanged = "plantings-changed"
	realtimeEventSnapshot         = "snapshot"
	realtimeEventHeartbeat        = "heartbeat"
	realtimeHeartbeatInterval     = 25 * time.Second
)

// RealtimeMessage notifies subscribers that the planting collection changed.
// Subscribers re-read the full snapshot, so a dropped notice loses nothing
// as long as a later one arrives.
type RealtimeMessage struct {
	EventType  string
	PlantingID string
	Timestamp  time.Time
}

type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a listener until ctx ends or cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context) (<-chan RealtimeMessage, func()) {
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the message to every subscriber without blocking.
func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.EventType == "" {
		return
	}
	d.mu.RLock()
	if len(d.subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(d.subscribers))
	for _, subscriber := range d.subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// PublishPlanting is the garden.ServiceConfig.OnPlantingCreated hook.
func (d *RealtimeDispatcher) PublishPlanting(planting garden.Planting) {
	d.Publish(RealtimeMessage{
		EventType:  RealtimeEventPlantingsChanged,
		PlantingID: planting.ID,
		Timestamp:  planting.CreatedAt(),
	})
}

// SubscriberCount reports active subscriptions.
func (d *RealtimeDispatcher) SubscriberCount() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers)
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(subscriberID int64) {
	d.mu.Lock()
	delete(d.subscribers, subscriberID)
	d.mu.Unlock()
}
