package replication

import (
	"context"
	"fmt"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/export"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"go.uber.org/zap"
)

// RecoveryRequest asks this node, as a primary, to merge a secondary's history for one wallet.
type RecoveryRequest struct {
	Secondary string
	Wallet    ledger.WalletAddress
}

// RecoveryResult reports what a merge did.
type RecoveryResult struct {
	Wallet    string `json:"wallet"`
	Secondary string `json:"secondary"`
	LocalBase int64  `json:"localBase"`
	Imported  int64  `json:"imported"`
	Clock     int64  `json:"clock"`
	UpToDate  bool   `json:"upToDate"`
	Diverged  bool   `json:"diverged"`
}

// RecoveryConfig wires the Recovery.
type RecoveryConfig struct {
	Ledger              *ledger.Service
	Exports             ExportSource
	Content             ContentStore
	SelfEndpoint        string
	ReplicaPeers        []string
	FileSaveConcurrency int
	Logger              *zap.Logger
}

// Recovery rebuilds a primary's history from a secondary by appending the secondary's rows after local history.
type Recovery struct {
	ledger       *ledger.Service
	exports      ExportSource
	content      ContentStore
	self         string
	replicaPeers []string
	concurrency  int
	logger       *zap.Logger
}

// NewRecovery constructs a Recovery.
func NewRecovery(cfg RecoveryConfig) (*Recovery, error) {
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
	return &Recovery{
		ledger:       cfg.Ledger,
		exports:      cfg.Exports,
		content:      cfg.Content,
		self:         normalizeEndpoint(cfg.SelfEndpoint),
		replicaPeers: append([]string(nil), cfg.ReplicaPeers...),
		concurrency:  cfg.FileSaveConcurrency,
		logger:       logger,
	}, nil
}

// PrimarySyncFromSecondary fetches the secondary's full history and content, then merges it in one transaction.
// Nothing is committed when any page or blob cannot be fetched.
func (r *Recovery) PrimarySyncFromSecondary(ctx context.Context, request RecoveryRequest) (RecoveryResult, error) {
	secondary := normalizeEndpoint(request.Secondary)
	result := RecoveryResult{Wallet: request.Wallet.String(), Secondary: secondary}
	if secondary == "" || secondary == r.self {
		return result, ErrSelfSync
	}

	remote, err := r.fetchHistory(ctx, secondary, request.Wallet)
	if err != nil {
		return result, err
	}
	if err := fetchContent(ctx, r.content, remote.Files, gatewaysFor(secondary, r.self, r.replicaPeers), r.concurrency); err != nil {
		return result, err
	}
	remoteClock := remote.MaxClock()

	err = r.ledger.Transaction(ctx, func(tx *ledger.Tx) error {
		user, _, err := tx.EnsureUser(request.Wallet, "")
		if err != nil {
			return err
		}
		result.LocalBase = user.Clock
		result.Clock = user.Clock
		if remoteClock == 0 {
			result.UpToDate = true
			return nil
		}

		if user.Clock >= remoteClock {
			local, err := tx.Range(user.CNodeUserID, 1, remoteClock)
			if err != nil {
				return err
			}
			if isPrefix(remote, local) {
				result.UpToDate = true
				return nil
			}
		}

		rebased, err := rebase(tx, remote, user.Clock)
		if err != nil {
			return err
		}
		imported, err := tx.Import(&user, rebased)
		if err != nil {
			return err
		}
		result.Imported = remoteClock
		result.Clock = imported.Clock
		result.Diverged = result.LocalBase > 0
		return nil
	})
	if err != nil {
		return RecoveryResult{Wallet: result.Wallet, Secondary: secondary}, fmt.Errorf("replication: merge %s from %s: %w", request.Wallet, secondary, err)
	}

	fields := []zap.Field{
		zap.String("wallet", result.Wallet),
		zap.String("secondary", secondary),
		zap.Int64("local_base", result.LocalBase),
		zap.Int64("imported", result.Imported),
		zap.Int64("clock", result.Clock),
	}
	switch {
	case result.Diverged:
		r.logger.Warn("histories diverged; secondary rows appended after local history", fields...)
	case result.UpToDate:
		r.logger.Info("secondary history already present", fields...)
	default:
		r.logger.Info("secondary history merged", fields...)
	}
	return result, nil
}

// fetchHistory pages through the secondary's export from clock 0.
func (r *Recovery) fetchHistory(ctx context.Context, secondary string, wallet ledger.WalletAddress) (ledger.Range, error) {
	var history ledger.Range
	var clockRangeMin, localClock int64
	for {
		page, found, err := r.exports.FetchExport(ctx, secondary, wallet, clockRangeMin)
		if err != nil {
			return ledger.Range{}, err
		}
		if !found {
			return ledger.Range{}, fmt.Errorf("%w: %s on %s", ErrWalletNotFound, wallet, secondary)
		}
		if err := validateExport(page, localClock); err != nil {
			return ledger.Range{}, err
		}
		appendPage(&history, page)
		if !page.ClockInfo.Capped() || page.Clock == localClock {
			return history, nil
		}
		localClock = page.Clock
		clockRangeMin = page.Clock + 1
	}
}

func appendPage(history *ledger.Range, page export.ExportedUser) {
	history.ClockRecords = append(history.ClockRecords, page.ClockRecords...)
	history.AudiusUsers = append(history.AudiusUsers, page.AudiusUsers...)
	history.Tracks = append(history.Tracks, page.Tracks...)
	history.Files = append(history.Files, page.Files...)
}

// isPrefix reports whether local already holds remote's history at the same clocks.
func isPrefix(remote, local ledger.Range) bool {
	if len(local.ClockRecords) != len(remote.ClockRecords) {
		return false
	}
	for index, record := range remote.ClockRecords {
		if local.ClockRecords[index].Clock != record.Clock || local.ClockRecords[index].SourceTable != record.SourceTable {
			return false
		}
	}
	localHashes := make(map[int64]string, len(local.Files))
	for _, file := range local.Files {
		localHashes[file.Clock] = file.Multihash
	}
	for _, file := range remote.Files {
		if localHashes[file.Clock] != file.Multihash {
			return false
		}
	}
	return true
}

// rebase shifts every row by base and gives it a fresh id, remapping references between the rows.
func rebase(tx *ledger.Tx, remote ledger.Range, base int64) (ledger.Range, error) {
	ids := map[string]string{}
	fresh := func(old string) (string, error) {
		id, err := tx.NewID()
		if err != nil {
			return "", err
		}
		ids[old] = id
		return id, nil
	}
	remap := func(old *string) *string {
		if old == nil {
			return nil
		}
		if id, ok := ids[*old]; ok {
			return &id
		}
		return old
	}

	rebased := ledger.Range{
		ClockRecords: make([]ledger.ClockRecord, 0, len(remote.ClockRecords)),
		AudiusUsers:  make([]ledger.AudiusUser, 0, len(remote.AudiusUsers)),
		Tracks:       make([]ledger.Track, 0, len(remote.Tracks)),
		Files:        make([]ledger.File, 0, len(remote.Files)),
	}
	for _, record := range remote.ClockRecords {
		record.Clock += base
		record.CreatedAtSeconds = 0
		rebased.ClockRecords = append(rebased.ClockRecords, record)
	}
	for _, file := range remote.Files {
		var err error
		if file.FileID, err = fresh(file.FileID); err != nil {
			return ledger.Range{}, err
		}
		file.Clock += base
		rebased.Files = append(rebased.Files, file)
	}
	for _, row := range remote.AudiusUsers {
		var err error
		if row.AudiusUserID, err = fresh(row.AudiusUserID); err != nil {
			return ledger.Range{}, err
		}
		row.Clock += base
		row.MetadataFileID = *remap(&row.MetadataFileID)
		row.CoverArtFileID = remap(row.CoverArtFileID)
		row.ProfilePicFileID = remap(row.ProfilePicFileID)
		rebased.AudiusUsers = append(rebased.AudiusUsers, row)
	}
	for _, row := range remote.Tracks {
		var err error
		if row.TrackID, err = fresh(row.TrackID); err != nil {
			return ledger.Range{}, err
		}
		row.Clock += base
		row.MetadataFileID = *remap(&row.MetadataFileID)
		row.CoverArtFileID = remap(row.CoverArtFileID)
		rebased.Tracks = append(rebased.Tracks, row)
	}
	return rebased, nil
}
