package server

import (
	"context"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/replication"
)

const (
	testWallet      = "0x00000000000000000000000000000000000000a1"
	otherTestWallet = "0x00000000000000000000000000000000000000b2"
)

func TestRealtimeDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, testWallet)
	defer cleanup()

	dispatcher.Publish(replication.SyncEvent{
		Wallet:    "0x00000000000000000000000000000000000000A1",
		Kind:      replication.JobKindSecondary,
		Status:    replication.StatusSuccess,
		Clock:     6,
		Timestamp: time.Now().UTC(),
	})

	select {
	case received := <-stream:
		if received.Status != replication.StatusSuccess {
			t.Fatalf("expected status %s, got %s", replication.StatusSuccess, received.Status)
		}
		if received.Clock != 6 {
			t.Fatalf("expected clock 6, got %d", received.Clock)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event within deadline")
	}
}

func TestRealtimeDispatcherIsolatedByWallet(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	walletStream, cleanup := dispatcher.Subscribe(ctx, testWallet)
	defer cleanup()

	otherStream, otherCleanup := dispatcher.Subscribe(ctx, otherTestWallet)
	defer otherCleanup()

	dispatcher.Publish(replication.SyncEvent{
		Wallet: otherTestWallet,
		Kind:   replication.JobKindSecondary,
		Status: replication.StatusFailureContentFetch,
	})

	select {
	case <-walletStream:
		t.Fatal("did not expect an event for an unrelated wallet")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case event := <-otherStream:
		if event.Wallet != otherTestWallet {
			t.Fatalf("expected %s, received %s", otherTestWallet, event.Wallet)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected realtime event for subscribed wallet")
	}
}

func TestRealtimeDispatcherDropsSubscriberAfterCancel(t *testing.T) {
	dispatcher := NewRealtimeDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx, testWallet)

	cancel()
	cleanup()

	dispatcher.mu.RLock()
	defer dispatcher.mu.RUnlock()
	if len(dispatcher.subscribers) != 0 {
		t.Fatalf("expected no subscribers after cleanup, got %d", len(dispatcher.subscribers))
	}
}
