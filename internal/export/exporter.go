package export

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"go.uber.org/zap"
)

var (
	// ErrInvalidClockRange indicates a clock range start that is negative or too large to page from.
	ErrInvalidClockRange = errors.New("export: invalid clock range")
	errMissingLedger     = errors.New("export: ledger service is required")
	errInvalidMaxRange   = errors.New("export: max clock range must be positive")
)

// ClockInfo describes the window an export covers.
type ClockInfo struct {
	RequestedClockRangeMin int64 `json:"requestedClockRangeMin"`
	RequestedClockRangeMax int64 `json:"requestedClockRangeMax"`
	LocalClockMax          int64 `json:"localClockMax"`
}

// Capped reports whether the exporting node holds clocks beyond the window.
func (c ClockInfo) Capped() bool {
	return c.LocalClockMax > c.RequestedClockRangeMax
}

// ExportedUser is one user's slice of history as exchanged between nodes.
type ExportedUser struct {
	ledger.CNodeUser
	AudiusUsers  []ledger.AudiusUser  `json:"audiusUsers"`
	Tracks       []ledger.Track       `json:"tracks"`
	Files        []ledger.File        `json:"files"`
	ClockRecords []ledger.ClockRecord `json:"clockRecords"`
	ClockInfo    ClockInfo            `json:"clockInfo"`
}

// Rows returns the exported rows as a ledger range.
func (u ExportedUser) Rows() ledger.Range {
	return ledger.Range{
		ClockRecords: u.ClockRecords,
		AudiusUsers:  u.AudiusUsers,
		Tracks:       u.Tracks,
		Files:        u.Files,
	}
}

// Result maps cnodeUserUUID to the exported user.
type Result struct {
	CNodeUsers map[string]ExportedUser `json:"cnodeUsers"`
}

// Find returns the exported user for the wallet, if present.
func (r Result) Find(wallet ledger.WalletAddress) (ExportedUser, bool) {
	for _, user := range r.CNodeUsers {
		if user.WalletPublicKey == wallet.String() {
			return user, true
		}
	}
	return ExportedUser{}, false
}

// Config wires the exporter.
type Config struct {
	Ledger        *ledger.Service
	MaxClockRange int64
	Logger        *zap.Logger
}

// Exporter serves bounded, snapshot-consistent slices of user history.
type Exporter struct {
	ledger        *ledger.Service
	maxClockRange int64
	logger        *zap.Logger
}

// New constructs an Exporter.
func New(cfg Config) (*Exporter, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.MaxClockRange <= 0 {
		return nil, errInvalidMaxRange
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{ledger: cfg.Ledger, maxClockRange: cfg.MaxClockRange, logger: logger}, nil
}

// MaxClockRange returns the widest window a single export covers.
func (e *Exporter) MaxClockRange() int64 {
	return e.maxClockRange
}

// Export returns every row with clockRangeMin <= clock <= clockRangeMin+maxClockRange-1 for each known wallet.
// Unknown wallets are omitted. All reads share one transaction.
func (e *Exporter) Export(ctx context.Context, wallets []ledger.WalletAddress, clockRangeMin int64) (Result, error) {
	if clockRangeMin < 0 || clockRangeMin > math.MaxInt64-e.maxClockRange {
		return Result{}, fmt.Errorf("%w: %d", ErrInvalidClockRange, clockRangeMin)
	}
	requestedMax := clockRangeMin + e.maxClockRange - 1
	result := Result{CNodeUsers: make(map[string]ExportedUser, len(wallets))}

	err := e.ledger.Transaction(ctx, func(tx *ledger.Tx) error {
		for _, wallet := range wallets {
			user, err := tx.UserByWallet(wallet)
			if errors.Is(err, ledger.ErrUserNotFound) {
				continue
			}
			if err != nil {
				return err
			}

			rows, err := tx.Range(user.CNodeUserID, clockRangeMin, requestedMax)
			if err != nil {
				return err
			}

			localClockMax := user.Clock
			user.Clock = min(localClockMax, requestedMax)
			result.CNodeUsers[user.CNodeUserID] = ExportedUser{
				CNodeUser:    user,
				AudiusUsers:  orEmpty(rows.AudiusUsers),
				Tracks:       orEmpty(rows.Tracks),
				Files:        orEmpty(rows.Files),
				ClockRecords: orEmpty(rows.ClockRecords),
				ClockInfo: ClockInfo{
					RequestedClockRangeMin: clockRangeMin,
					RequestedClockRangeMax: requestedMax,
					LocalClockMax:          localClockMax,
				},
			}
		}
		return nil
	})
	if err != nil {
		e.logger.Error("export failed",
			zap.Int("wallets", len(wallets)),
			zap.Int64("clock_range_min", clockRangeMin),
			zap.Error(err))
		return Result{}, fmt.Errorf("export: %w", err)
	}

	return result, nil
}

func orEmpty[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
