package replication

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/peer"
)

type gatedSecondary struct {
	calls   atomic.Int32
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	seen    []SyncRequest
}

func (g *gatedSecondary) SecondarySyncFromPrimary(_ context.Context, request SyncRequest) SyncResult {
	call := g.calls.Add(1)
	g.mu.Lock()
	g.seen = append(g.seen, request)
	g.mu.Unlock()
	g.started <- struct{}{}
	<-g.release
	return SyncResult{Wallets: []WalletResult{{
		Wallet:     request.Wallets[0].String(),
		Status:     StatusSuccess,
		LocalClock: int64(call),
	}}}
}

type collectingEvents struct {
	mu     sync.Mutex
	events []SyncEvent
}

func (c *collectingEvents) Publish(event SyncEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func waitForStart(t *testing.T, started <-chan struct{}) {
	t.Helper()
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a sync run to start")
	}
}

func TestCoordinatorCoalescesRequestsForBusyWallet(testContext *testing.T) {
	secondary := &gatedSecondary{started: make(chan struct{}, 4), release: make(chan struct{})}
	events := &collectingEvents{}
	coordinator := NewCoordinator(CoordinatorConfig{Secondary: secondary, Events: events, MaxConcurrentJobs: 2})
	wallet := mustWallet(testContext)

	first := coordinator.Submit(Job{Kind: JobKindSecondary, Wallet: wallet, Endpoint: primaryEndpoint})
	waitForStart(testContext, secondary.started)

	blockNumber := int64(12)
	second := coordinator.Submit(Job{Kind: JobKindSecondary, Wallet: wallet, Endpoint: primaryEndpoint, BlockNumber: &blockNumber})
	third := coordinator.Submit(Job{Kind: JobKindSecondary, Wallet: wallet, Endpoint: primaryEndpoint, ForceResync: true})

	secondary.release <- struct{}{}
	firstResult := <-first
	if firstResult.Sync == nil || firstResult.Sync.LocalClock != 1 {
		testContext.Fatalf("unexpected first result %+v", firstResult)
	}

	waitForStart(testContext, secondary.started)
	secondary.release <- struct{}{}
	secondResult, thirdResult := <-second, <-third
	if secondResult.Sync == nil || thirdResult.Sync == nil || secondResult.Sync.LocalClock != 2 || thirdResult.Sync.LocalClock != 2 {
		testContext.Fatalf("expected coalesced waiters to share one run, got %+v and %+v", secondResult.Sync, thirdResult.Sync)
	}
	if calls := secondary.calls.Load(); calls != 2 {
		testContext.Fatalf("expected two runs, got %d", calls)
	}

	followUp := secondary.seen[1]
	if !followUp.ForceResync || followUp.BlockNumber == nil || *followUp.BlockNumber != 12 {
		testContext.Fatalf("expected merged follow-up request, got %+v", followUp)
	}

	if err := coordinator.Close(context.Background()); err != nil {
		testContext.Fatalf("close: %v", err)
	}
	if len(events.events) != 2 || events.events[0].Status != StatusSuccess {
		testContext.Fatalf("expected an event per run, got %+v", events.events)
	}
}

// walletWork blocks every sync and recovery until released and records how many overlap.
type walletWork struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	started  chan string
	release  chan struct{}
	mu       sync.Mutex
	order    []string
}

func (w *walletWork) enter(kind string) {
	current := w.inFlight.Add(1)
	for {
		peak := w.peak.Load()
		if current <= peak || w.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	w.mu.Lock()
	w.order = append(w.order, kind)
	w.mu.Unlock()
	w.started <- kind
	<-w.release
	w.inFlight.Add(-1)
}

func (w *walletWork) SecondarySyncFromPrimary(_ context.Context, request SyncRequest) SyncResult {
	w.enter(JobKindSecondary)
	return SyncResult{Wallets: []WalletResult{{Wallet: request.Wallets[0].String(), Status: StatusSuccess}}}
}

func (w *walletWork) PrimarySyncFromSecondary(context.Context, RecoveryRequest) (RecoveryResult, error) {
	w.enter(JobKindRecovery)
	return RecoveryResult{}, nil
}

func expectStarted(t *testing.T, started <-chan string, kind string) {
	t.Helper()
	select {
	case got := <-started:
		if got != kind {
			t.Fatalf("expected %s to start, got %s", kind, got)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("expected %s to start", kind)
	}
}

func TestCoordinatorSerializesSyncAndRecoveryForOneWallet(testContext *testing.T) {
	work := &walletWork{started: make(chan string, 4), release: make(chan struct{}, 4)}
	coordinator := NewCoordinator(CoordinatorConfig{Secondary: work, Recovery: work, MaxConcurrentJobs: 4})
	wallet := mustWallet(testContext)

	syncDone := coordinator.Submit(Job{Kind: JobKindSecondary, Wallet: wallet, Endpoint: primaryEndpoint})
	expectStarted(testContext, work.started, JobKindSecondary)

	recoveryDone := coordinator.Submit(Job{Kind: JobKindRecovery, Wallet: wallet, Endpoint: secondaryEndpoint})
	laterSyncDone := coordinator.Submit(Job{Kind: JobKindSecondary, Wallet: wallet, Endpoint: primaryEndpoint})
	select {
	case kind := <-work.started:
		testContext.Fatalf("%s started while the wallet was busy", kind)
	case <-time.After(100 * time.Millisecond):
	}

	work.release <- struct{}{}
	<-syncDone
	expectStarted(testContext, work.started, JobKindRecovery)
	work.release <- struct{}{}
	if result := <-recoveryDone; result.Err != nil || result.Recovery == nil {
		testContext.Fatalf("unexpected recovery result %+v", result)
	}
	expectStarted(testContext, work.started, JobKindSecondary)
	work.release <- struct{}{}
	if result := <-laterSyncDone; result.Sync == nil {
		testContext.Fatalf("unexpected sync result %+v", result)
	}

	if err := coordinator.Close(context.Background()); err != nil {
		testContext.Fatalf("close: %v", err)
	}
	if peak := work.peak.Load(); peak != 1 {
		testContext.Fatalf("expected one job in flight per wallet, got %d", peak)
	}
	expected := []string{JobKindSecondary, JobKindRecovery, JobKindSecondary}
	if len(work.order) != len(expected) {
		testContext.Fatalf("expected runs %v, got %v", expected, work.order)
	}
	for index, kind := range expected {
		if work.order[index] != kind {
			testContext.Fatalf("expected runs %v, got %v", expected, work.order)
		}
	}
}

func TestCoordinatorRunsDifferentWalletsConcurrently(testContext *testing.T) {
	secondary := &gatedSecondary{started: make(chan struct{}, 4), release: make(chan struct{}, 2)}
	coordinator := NewCoordinator(CoordinatorConfig{Secondary: secondary, MaxConcurrentJobs: 2})
	other, err := ledger.NewWalletAddress("0x00000000000000000000000000000000000000f6")
	if err != nil {
		testContext.Fatalf("wallet: %v", err)
	}

	first := coordinator.Submit(Job{Kind: JobKindSecondary, Wallet: mustWallet(testContext), Endpoint: primaryEndpoint})
	second := coordinator.Submit(Job{Kind: JobKindSecondary, Wallet: other, Endpoint: primaryEndpoint})
	waitForStart(testContext, secondary.started)
	waitForStart(testContext, secondary.started)

	secondary.release <- struct{}{}
	secondary.release <- struct{}{}
	<-first
	<-second
	if err := coordinator.Close(context.Background()); err != nil {
		testContext.Fatalf("close: %v", err)
	}
}

func TestCoordinatorRejectsJobsAfterClose(testContext *testing.T) {
	coordinator := NewCoordinator(CoordinatorConfig{})
	if err := coordinator.Close(context.Background()); err != nil {
		testContext.Fatalf("close: %v", err)
	}
	result := coordinator.Run(context.Background(), Job{Kind: JobKindSecondary, Wallet: mustWallet(testContext)})
	if !errors.Is(result.Err, ErrCoordinatorClosed) {
		testContext.Fatalf("expected ErrCoordinatorClosed, got %v", result.Err)
	}
}

type stubRecovery struct {
	result RecoveryResult
	err    error
}

func (s stubRecovery) PrimarySyncFromSecondary(context.Context, RecoveryRequest) (RecoveryResult, error) {
	return s.result, s.err
}

func TestCoordinatorReportsRecoveryDivergence(testContext *testing.T) {
	events := &collectingEvents{}
	coordinator := NewCoordinator(CoordinatorConfig{
		Recovery: stubRecovery{result: RecoveryResult{Clock: 9, Diverged: true}},
		Events:   events,
	})
	defer coordinator.Close(context.Background()) //nolint:errcheck

	result := coordinator.Run(context.Background(), Job{Kind: JobKindRecovery, Wallet: mustWallet(testContext), Endpoint: secondaryEndpoint})
	if result.Err != nil || result.Recovery == nil || !result.Recovery.Diverged {
		testContext.Fatalf("unexpected result %+v", result)
	}
	if len(events.events) != 1 || events.events[0].Status != StatusRecoveryDiverged || events.events[0].Clock != 9 {
		testContext.Fatalf("unexpected events %+v", events.events)
	}
}

type recordingTriggers struct {
	mu       sync.Mutex
	triggers map[string]peer.SyncTrigger
}

func (r *recordingTriggers) TriggerSync(_ context.Context, endpoint string, trigger peer.SyncTrigger) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers[endpoint] = trigger
	return nil
}

func TestPeerNotifierTriggersEveryOtherPeer(testContext *testing.T) {
	triggers := &recordingTriggers{triggers: map[string]peer.SyncTrigger{}}
	notifier := NewPeerNotifier(triggers, primaryEndpoint, []string{primaryEndpoint, secondaryEndpoint, "http://third/"}, time.Second, nil)

	notifier.NotifyWrite(context.Background(), mustWallet(testContext))
	notifier.Wait()

	if len(triggers.triggers) != 2 {
		testContext.Fatalf("expected two peers to be triggered, got %v", triggers.triggers)
	}
	trigger, ok := triggers.triggers["http://third"]
	if !ok || len(trigger.Wallets) != 1 || trigger.Wallets[0] != replicationWallet {
		testContext.Fatalf("unexpected trigger %+v", trigger)
	}
	if _, self := triggers.triggers[primaryEndpoint]; self {
		testContext.Fatalf("expected the writing node not to trigger itself")
	}
}
