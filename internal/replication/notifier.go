package replication

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/peer"
	"go.uber.org/zap"
)

const defaultNotifyTimeout = 10 * time.Second

// SyncTriggerer asks a secondary to pull from this node.
type SyncTriggerer interface {
	TriggerSync(ctx context.Context, endpoint string, trigger peer.SyncTrigger) error
}

// PeerNotifier tells the replica peers about committed writes so they sync without waiting for a sweep.
type PeerNotifier struct {
	triggers SyncTriggerer
	peers    []string
	timeout  time.Duration
	logger   *zap.Logger
	wg       sync.WaitGroup
}

// NewPeerNotifier constructs a PeerNotifier. The self endpoint is removed from peers.
func NewPeerNotifier(triggers SyncTriggerer, self string, peers []string, timeout time.Duration, logger *zap.Logger) *PeerNotifier {
	if timeout <= 0 {
		timeout = defaultNotifyTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	targets := gatewaysFor("", self, peers)
	return &PeerNotifier{triggers: triggers, peers: targets, timeout: timeout, logger: logger}
}

// NotifyWrite triggers a sync of wallet on every peer in the background.
func (n *PeerNotifier) NotifyWrite(_ context.Context, wallet ledger.WalletAddress) {
	for _, endpoint := range n.peers {
		endpoint := endpoint
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), n.timeout)
			defer cancel()
			err := n.triggers.TriggerSync(ctx, endpoint, peer.SyncTrigger{Wallets: []string{wallet.String()}})
			if err != nil {
				n.logger.Warn("failed to trigger peer sync",
					zap.String("endpoint", endpoint),
					zap.String("wallet", wallet.String()),
					zap.Error(err))
			}
		}()
	}
}

// Wait blocks until every outstanding notification has finished.
func (n *PeerNotifier) Wait() {
	n.wg.Wait()
}
