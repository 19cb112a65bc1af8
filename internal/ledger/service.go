package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

// ServiceError carries a stable <operation>.<reason> code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "ledger.service.new"
	opCreateUser          = "ledger.create_user"
	opUserByWallet        = "ledger.user_by_wallet"
	opAppend              = "ledger.append"
	opDeleteUser          = "ledger.delete_user"
	opVerifyContiguity    = "ledger.verify_contiguity"
	opFileByMultihash     = "ledger.file_by_multihash"
	opTrackIDsForHash     = "ledger.track_ids_for_multihash"
	opMultihashesForTrack = "ledger.multihashes_for_track"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig wires the ledger dependencies.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Service owns the per-user clock and every row written under it.
type Service struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, "missing_database", errMissingDatabase)
	}
	if cfg.IDProvider == nil {
		return nil, newServiceError(opServiceNew, "missing_id_provider", errMissingIDProvider)
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}

	return &Service{
		db:         cfg.Database,
		clock:      clock,
		idProvider: cfg.IDProvider,
		logger:     logger,
	}, nil
}

// Transaction runs fn inside one database transaction. Any error rolls back every write made through the Tx.
func (s *Service) Transaction(ctx context.Context, fn func(*Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Tx{db: tx, now: s.clock().UTC(), ids: s.idProvider})
	})
}

// CreateUser registers the wallet at clock 0. Existing wallets are returned unchanged.
func (s *Service) CreateUser(ctx context.Context, wallet WalletAddress) (CNodeUser, error) {
	var user CNodeUser
	err := s.Transaction(ctx, func(tx *Tx) error {
		var err error
		user, _, err = tx.EnsureUser(wallet, "")
		return err
	})
	if err != nil {
		s.logError(opCreateUser, "insert_failed", err, zap.String("wallet", wallet.String()))
		return CNodeUser{}, newServiceError(opCreateUser, "insert_failed", err)
	}
	return user, nil
}

// UserByWallet returns the user registered for the wallet.
func (s *Service) UserByWallet(ctx context.Context, wallet WalletAddress) (CNodeUser, error) {
	var user CNodeUser
	err := s.Transaction(ctx, func(tx *Tx) error {
		var err error
		user, err = tx.UserByWallet(wallet)
		return err
	})
	if errors.Is(err, ErrUserNotFound) {
		return CNodeUser{}, err
	}
	if err != nil {
		s.logError(opUserByWallet, "query_failed", err, zap.String("wallet", wallet.String()))
		return CNodeUser{}, newServiceError(opUserByWallet, "query_failed", err)
	}
	return user, nil
}

// AppendAudiusUser writes a profile revision as one clock unit.
func (s *Service) AppendAudiusUser(ctx context.Context, wallet WalletAddress, row AudiusUser) (AudiusUser, error) {
	var stored AudiusUser
	err := s.appendUnit(ctx, wallet, func(tx *Tx, user *CNodeUser) error {
		var err error
		stored, err = tx.AppendAudiusUser(user, row)
		return err
	})
	return stored, err
}

// AppendTrack writes a track revision as one clock unit.
func (s *Service) AppendTrack(ctx context.Context, wallet WalletAddress, row Track) (Track, error) {
	var stored Track
	err := s.appendUnit(ctx, wallet, func(tx *Tx, user *CNodeUser) error {
		var err error
		stored, err = tx.AppendTrack(user, row)
		return err
	})
	return stored, err
}

// AppendFile writes a file row as one clock unit.
func (s *Service) AppendFile(ctx context.Context, wallet WalletAddress, row File) (File, error) {
	var stored File
	err := s.appendUnit(ctx, wallet, func(tx *Tx, user *CNodeUser) error {
		var err error
		stored, err = tx.AppendFile(user, row)
		return err
	})
	return stored, err
}

func (s *Service) appendUnit(ctx context.Context, wallet WalletAddress, write func(*Tx, *CNodeUser) error) error {
	err := s.Transaction(ctx, func(tx *Tx) error {
		user, err := tx.LockUser(wallet)
		if err != nil {
			return err
		}
		return write(tx, &user)
	})
	if errors.Is(err, ErrUserNotFound) || errors.Is(err, ErrInvalidFileType) {
		return err
	}
	if err != nil {
		s.logError(opAppend, "write_failed", err, zap.String("wallet", wallet.String()))
		return newServiceError(opAppend, "write_failed", err)
	}
	return nil
}

// DeleteUser removes the wallet's user and all rows it owns. Missing wallets are a no-op.
func (s *Service) DeleteUser(ctx context.Context, wallet WalletAddress) error {
	err := s.Transaction(ctx, func(tx *Tx) error {
		user, err := tx.LockUser(wallet)
		if errors.Is(err, ErrUserNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return tx.DeleteUser(user.CNodeUserID)
	})
	if err != nil {
		s.logError(opDeleteUser, "delete_failed", err, zap.String("wallet", wallet.String()))
		return newServiceError(opDeleteUser, "delete_failed", err)
	}
	return nil
}

type clockSummary struct {
	Count    int64
	MinClock int64
	MaxClock int64
}

// VerifyContiguity checks that the wallet's clock records are exactly [1..clock].
func (s *Service) VerifyContiguity(ctx context.Context, wallet WalletAddress) error {
	var (
		user    CNodeUser
		summary clockSummary
	)
	err := s.Transaction(ctx, func(tx *Tx) error {
		var err error
		if user, err = tx.UserByWallet(wallet); err != nil {
			return err
		}
		return tx.DB().Model(&ClockRecord{}).
			Select("COUNT(*) AS count, COALESCE(MIN(clock), 0) AS min_clock, COALESCE(MAX(clock), 0) AS max_clock").
			Where("cnode_user_id = ?", user.CNodeUserID).
			Scan(&summary).Error
	})
	if errors.Is(err, ErrUserNotFound) {
		return err
	}
	if err != nil {
		s.logError(opVerifyContiguity, "query_failed", err, zap.String("wallet", wallet.String()))
		return newServiceError(opVerifyContiguity, "query_failed", err)
	}

	if summary.Count != user.Clock || summary.MaxClock != user.Clock || (user.Clock > 0 && summary.MinClock != 1) {
		return fmt.Errorf("%w: clock=%d records=%d min=%d max=%d",
			ErrClockGap, user.Clock, summary.Count, summary.MinClock, summary.MaxClock)
	}
	return nil
}

// FileByMultihash returns one File row referencing the hash.
func (s *Service) FileByMultihash(ctx context.Context, multihash string) (File, error) {
	var file File
	err := s.db.WithContext(ctx).
		Where("multihash = ?", multihash).
		Order("clock ASC").
		Take(&file).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return File{}, fmt.Errorf("%w: %s", ErrFileNotFound, multihash)
	}
	if err != nil {
		s.logError(opFileByMultihash, "query_failed", err, zap.String("multihash", multihash))
		return File{}, newServiceError(opFileByMultihash, "query_failed", err)
	}
	return file, nil
}

// TrackIDsForMultihash returns the blockchain ids of tracks that own the hash, either
// through a Track revision listing it or a File row carrying the track id.
func (s *Service) TrackIDsForMultihash(ctx context.Context, multihash string) ([]int64, error) {
	var fromTracks, fromFiles []int64
	db := s.db.WithContext(ctx)
	if err := db.Model(&Track{}).
		Where(datatypes.JSONArrayQuery("content_multihashes").Contains(multihash)).
		Distinct().
		Pluck("blockchain_id", &fromTracks).Error; err != nil {
		s.logError(opTrackIDsForHash, "query_failed", err, zap.String("multihash", multihash))
		return nil, newServiceError(opTrackIDsForHash, "query_failed", err)
	}
	if err := db.Model(&File{}).
		Where("multihash = ? AND track_blockchain_id IS NOT NULL", multihash).
		Distinct().
		Pluck("track_blockchain_id", &fromFiles).Error; err != nil {
		s.logError(opTrackIDsForHash, "query_failed", err, zap.String("multihash", multihash))
		return nil, newServiceError(opTrackIDsForHash, "query_failed", err)
	}
	trackIDs := lo.Uniq(append(fromTracks, fromFiles...))
	slices.Sort(trackIDs)
	return trackIDs, nil
}

// MultihashesForTrack returns the content hashes owned by a track blockchain id.
func (s *Service) MultihashesForTrack(ctx context.Context, trackID int64) ([]string, error) {
	var tracks []Track
	var fromFiles []string
	db := s.db.WithContext(ctx)
	if err := db.Where("blockchain_id = ?", trackID).Find(&tracks).Error; err != nil {
		s.logError(opMultihashesForTrack, "query_failed", err, zap.Int64("track_id", trackID))
		return nil, newServiceError(opMultihashesForTrack, "query_failed", err)
	}
	if err := db.Model(&File{}).
		Where("track_blockchain_id = ?", trackID).
		Distinct().
		Pluck("multihash", &fromFiles).Error; err != nil {
		s.logError(opMultihashesForTrack, "query_failed", err, zap.Int64("track_id", trackID))
		return nil, newServiceError(opMultihashesForTrack, "query_failed", err)
	}
	multihashes := lo.FlatMap(tracks, func(track Track, _ int) []string {
		return []string(track.ContentMultihashes)
	})
	multihashes = lo.Uniq(append(multihashes, fromFiles...))
	slices.Sort(multihashes)
	return multihashes, nil
}

func (s *Service) loggerOrDefault() *zap.Logger {
	if s == nil || s.logger == nil {
		return noOpLogger
	}
	return s.logger
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.loggerOrDefault().Error("ledger service error", attrs...)
}
