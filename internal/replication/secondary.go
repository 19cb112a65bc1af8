package replication

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/retry"
	"go.uber.org/zap"
)

// Wallet sync statuses.
const (
	StatusSuccess              = "success"
	StatusClocksAlreadyMatch   = "success_clocks_already_match"
	StatusFailureFetchExport   = "failure_fetch_export"
	StatusFailureNotOnPrimary  = "failure_wallet_not_on_primary"
	StatusFailureInvalidExport = "failure_invalid_export"
	StatusFailureContentFetch  = "failure_content_fetch"
	StatusFailureDatabase      = "failure_db_transaction"
	StatusFailureSelfSync      = "failure_self_sync"
)

// SyncRequest asks this node, as a secondary, to catch up with a primary.
type SyncRequest struct {
	Wallets         []ledger.WalletAddress
	PrimaryEndpoint string
	BlockNumber     *int64
	ForceResync     bool
}

// WalletResult reports the outcome of syncing one wallet.
type WalletResult struct {
	Wallet       string `json:"wallet"`
	Status       string `json:"status"`
	LocalClock   int64  `json:"localClock"`
	PrimaryClock int64  `json:"primaryClock"`
	Attempts     uint   `json:"attempts"`
	Error        string `json:"error,omitempty"`
}

// Succeeded reports whether the wallet finished in a success status.
func (r WalletResult) Succeeded() bool {
	return r.Status == StatusSuccess || r.Status == StatusClocksAlreadyMatch
}

// SyncResult collects per-wallet outcomes of one request.
type SyncResult struct {
	Wallets []WalletResult `json:"wallets"`
}

// SecondaryConfig wires the Secondary.
type SecondaryConfig struct {
	Ledger              *ledger.Service
	Exports             ExportSource
	Content             ContentStore
	SelfEndpoint        string
	ReplicaPeers        []string
	FileSaveConcurrency int
	Retry               retry.Policy
	Logger              *zap.Logger
}

// Secondary pulls history from a primary and replays it locally at the primary's clock values.
type Secondary struct {
	ledger       *ledger.Service
	exports      ExportSource
	content      ContentStore
	self         string
	replicaPeers []string
	concurrency  int
	retry        retry.Policy
	logger       *zap.Logger
}

// statusError carries the wallet status a failure maps to.
type statusError struct {
	status string
	err    error
}

func (e *statusError) Error() string {
	return e.err.Error()
}

func (e *statusError) Unwrap() error {
	return e.err
}

func failWith(status string, err error) error {
	return &statusError{status: status, err: err}
}

// NewSecondary constructs a Secondary.
func NewSecondary(cfg SecondaryConfig) (*Secondary, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Exports == nil {
		return nil, errMissingExports
	}
	if cfg.Content == nil {
		return nil, errMissingContent
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Secondary{
		ledger:       cfg.Ledger,
		exports:      cfg.Exports,
		content:      cfg.Content,
		self:         normalizeEndpoint(cfg.SelfEndpoint),
		replicaPeers: append([]string(nil), cfg.ReplicaPeers...),
		concurrency:  cfg.FileSaveConcurrency,
		retry:        cfg.Retry,
		logger:       logger,
	}, nil
}

// SecondarySyncFromPrimary syncs each wallet independently; one wallet's failure does not stop the others.
func (s *Secondary) SecondarySyncFromPrimary(ctx context.Context, request SyncRequest) SyncResult {
	result := SyncResult{Wallets: make([]WalletResult, 0, len(request.Wallets))}
	for _, wallet := range request.Wallets {
		result.Wallets = append(result.Wallets, s.syncWallet(ctx, request, wallet))
	}
	return result
}

func (s *Secondary) syncWallet(ctx context.Context, request SyncRequest, wallet ledger.WalletAddress) WalletResult {
	result := WalletResult{Wallet: wallet.String()}
	primary := normalizeEndpoint(request.PrimaryEndpoint)
	started := time.Now()

	if primary == "" || primary == s.self {
		result.Status = StatusFailureSelfSync
		result.Error = ErrSelfSync.Error()
		return result
	}

	if request.ForceResync {
		if err := s.ledger.DeleteUser(ctx, wallet); err != nil {
			result.Status = StatusFailureDatabase
			result.Error = err.Error()
			return result
		}
		s.logger.Info("local state wiped for resync", zap.String("wallet", wallet.String()))
	}

	attempts, err := retry.Do(ctx, s.retry, func(ctx context.Context) error {
		return s.syncRounds(ctx, request, primary, wallet, &result)
	})
	result.Attempts = attempts
	if err != nil {
		result.Error = err.Error()
		var failure *statusError
		if errors.As(err, &failure) {
			result.Status = failure.status
		} else {
			result.Status = StatusFailureDatabase
		}
		s.logger.Warn("wallet sync failed",
			zap.String("wallet", wallet.String()),
			zap.String("primary", primary),
			zap.String("status", result.Status),
			zap.Uint("attempts", attempts),
			zap.Error(err))
		return result
	}

	s.logger.Info("wallet synced",
		zap.String("wallet", wallet.String()),
		zap.String("primary", primary),
		zap.String("status", result.Status),
		zap.Int64("clock", result.LocalClock),
		zap.Duration("elapsed", time.Since(started)))
	return result
}

// syncRounds pulls export pages until local history matches the primary.
func (s *Secondary) syncRounds(ctx context.Context, request SyncRequest, primary string, wallet ledger.WalletAddress, result *WalletResult) error {
	gateways := gatewaysFor(primary, s.self, s.replicaPeers)
	for round := 0; ; round++ {
		localClock, exists, err := s.localClock(ctx, wallet)
		if err != nil {
			return failWith(StatusFailureDatabase, err)
		}
		result.LocalClock = localClock

		clockRangeMin := int64(0)
		if exists {
			clockRangeMin = localClock + 1
		}
		exported, found, err := s.exports.FetchExport(ctx, primary, wallet, clockRangeMin)
		if err != nil {
			return failWith(StatusFailureFetchExport, err)
		}
		if !found {
			return retry.Permanent(failWith(StatusFailureNotOnPrimary, fmt.Errorf("%w: %s", ErrWalletNotFound, wallet)))
		}
		result.PrimaryClock = exported.ClockInfo.LocalClockMax

		if exists && exported.ClockInfo.LocalClockMax == localClock {
			if round == 0 {
				result.Status = StatusClocksAlreadyMatch
			} else {
				result.Status = StatusSuccess
			}
			return s.recordBlockNumber(ctx, wallet, request.BlockNumber)
		}
		if err := validateExport(exported, localClock); err != nil {
			return retry.Permanent(failWith(StatusFailureInvalidExport, err))
		}

		rows := exported.Rows()
		fetchErr := fetchContent(ctx, s.content, rows.Files, gateways, s.concurrency)
		var failure *contentFailure
		if errors.As(fetchErr, &failure) {
			rows = rows.Truncate(failure.clock)
		}

		var committed ledger.CNodeUser
		err = s.ledger.Transaction(ctx, func(tx *ledger.Tx) error {
			user, _, err := tx.EnsureUser(wallet, exported.CNodeUserID)
			if err != nil {
				return err
			}
			if _, err := tx.Import(&user, rows); err != nil {
				return err
			}
			if request.BlockNumber != nil {
				if err := tx.RecordBlockNumber(&user, *request.BlockNumber); err != nil {
					return err
				}
			}
			committed = user
			return nil
		})
		if err != nil {
			return failWith(StatusFailureDatabase, err)
		}
		result.LocalClock = committed.Clock

		s.logger.Debug("sync round committed",
			zap.String("wallet", wallet.String()),
			zap.Int("round", round),
			zap.Int64("from_clock", localClock),
			zap.Int64("to_clock", committed.Clock),
			zap.Int64("primary_clock", exported.ClockInfo.LocalClockMax))

		if fetchErr != nil {
			return failWith(StatusFailureContentFetch, fetchErr)
		}
		progressed := committed.Clock > localClock || !exists
		if !exported.ClockInfo.Capped() || !progressed {
			result.Status = StatusSuccess
			return nil
		}
	}
}

func (s *Secondary) localClock(ctx context.Context, wallet ledger.WalletAddress) (int64, bool, error) {
	user, err := s.ledger.UserByWallet(ctx, wallet)
	if errors.Is(err, ledger.ErrUserNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return user.Clock, true, nil
}

func (s *Secondary) recordBlockNumber(ctx context.Context, wallet ledger.WalletAddress, blockNumber *int64) error {
	if blockNumber == nil {
		return nil
	}
	err := s.ledger.Transaction(ctx, func(tx *ledger.Tx) error {
		user, err := tx.LockUser(wallet)
		if err != nil {
			return err
		}
		return tx.RecordBlockNumber(&user, *blockNumber)
	})
	if err != nil {
		return failWith(StatusFailureDatabase, err)
	}
	return nil
}
