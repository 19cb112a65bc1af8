package server

import (
	"context"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/replication"
)

const (
	RealtimeEventSyncFinished = "sync-finished"
	realtimeEventHeartbeat    = "heartbeat"
	realtimeSourceBackend     = "content-node"
)

// RealtimeDispatcher fans finished sync events out to the wallet's stream subscribers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan replication.SyncEvent
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a stream for wallet until ctx ends or cleanup runs.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, wallet string) (<-chan replication.SyncEvent, func()) {
	key := walletKey(wallet)
	if key == "" {
		ch := make(chan replication.SyncEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan replication.SyncEvent, d.bufferSize),
	}
	d.registerSubscriber(key, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(key, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers event to every subscriber of its wallet, dropping it for subscribers whose buffer is full.
func (d *RealtimeDispatcher) Publish(event replication.SyncEvent) {
	key := walletKey(event.Wallet)
	if key == "" || event.Status == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[key]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(wallet string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[wallet]; !ok {
		d.subscribers[wallet] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[wallet][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(wallet string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[wallet]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, wallet)
		}
	}
	d.mu.Unlock()
}

func walletKey(wallet string) string {
	return strings.ToLower(strings.TrimSpace(wallet))
}
