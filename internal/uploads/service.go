// Package uploads implements the writer-facing flows that append to a user's clock.
package uploads

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/transcode"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

var (
	// ErrInvalidMetadata indicates metadata that is not a JSON object.
	ErrInvalidMetadata = errors.New("uploads: metadata must be a JSON object")
	// ErrUnknownContent indicates a referenced hash the user never uploaded.
	ErrUnknownContent = errors.New("uploads: unknown content")
	// ErrTranscodeUnavailable indicates that no node could transcode the upload.
	ErrTranscodeUnavailable = errors.New("uploads: transcode unavailable")
	// ErrEmptyUpload indicates an upload without bytes.
	ErrEmptyUpload = errors.New("uploads: empty upload")

	errMissingLedger    = errors.New("uploads: ledger is required")
	errMissingStore     = errors.New("uploads: content store is required")
	errMissingDelegator = errors.New("uploads: transcode delegator is required")
)

// ContentStore persists blobs and reports where they live.
type ContentStore interface {
	Put(ctx context.Context, data []byte) (string, error)
	PathFor(multihash string) string
}

// Notifier is told after a write commits so that replicas can catch up.
type Notifier interface {
	NotifyWrite(ctx context.Context, wallet ledger.WalletAddress)
}

// Config wires the uploads service.
type Config struct {
	Ledger    *ledger.Service
	Store     ContentStore
	Delegator transcode.Delegator
	Notifier  Notifier
	Logger    *zap.Logger
}

// Service appends writer uploads to the ledger.
type Service struct {
	ledger    *ledger.Service
	store     ContentStore
	delegator transcode.Delegator
	notifier  Notifier
	logger    *zap.Logger
}

// ProfileUpdate is a new revision of the user's profile.
type ProfileUpdate struct {
	Metadata       json.RawMessage
	CoverArtHash   string
	ProfilePicHash string
}

// TrackContent lists the hashes produced by a track upload.
type TrackContent struct {
	SegmentHashes []string `json:"segmentHashes"`
	Copy320Hash   string   `json:"copy320Hash"`
	SourceFile    string   `json:"sourceFile"`
}

// TrackCreate registers a track's metadata against previously uploaded content.
type TrackCreate struct {
	BlockchainID  int64
	Metadata      json.RawMessage
	SegmentHashes []string
	Copy320Hash   string
	CoverArtHash  string
}

// NewService constructs a Service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Delegator == nil {
		return nil, errMissingDelegator
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		ledger:    cfg.Ledger,
		store:     cfg.Store,
		delegator: cfg.Delegator,
		notifier:  cfg.Notifier,
		logger:    logger,
	}, nil
}

// Signup registers the wallet at clock 0.
func (s *Service) Signup(ctx context.Context, wallet ledger.WalletAddress) (ledger.CNodeUser, error) {
	user, err := s.ledger.CreateUser(ctx, wallet)
	if err != nil {
		return ledger.CNodeUser{}, err
	}
	s.notify(ctx, wallet)
	return user, nil
}

// UploadImage stores an image and records it as one clock unit.
func (s *Service) UploadImage(ctx context.Context, wallet ledger.WalletAddress, fileName string, data []byte) (ledger.File, error) {
	if len(data) == 0 {
		return ledger.File{}, ErrEmptyUpload
	}
	hash, err := s.store.Put(ctx, data)
	if err != nil {
		return ledger.File{}, err
	}
	file, err := s.ledger.AppendFile(ctx, wallet, ledger.File{
		Multihash:   hash,
		Type:        ledger.FileTypeImage,
		StoragePath: s.store.PathFor(hash),
		FileName:    optional(filepath.Base(fileName)),
	})
	if err != nil {
		return ledger.File{}, err
	}
	s.notify(ctx, wallet)
	return file, nil
}

// UpdateProfile writes a metadata File and an AudiusUser revision.
func (s *Service) UpdateProfile(ctx context.Context, wallet ledger.WalletAddress, update ProfileUpdate) (ledger.AudiusUser, error) {
	metadata, err := normalizeMetadata(update.Metadata)
	if err != nil {
		return ledger.AudiusUser{}, err
	}
	metadataHash, err := s.store.Put(ctx, metadata)
	if err != nil {
		return ledger.AudiusUser{}, err
	}

	var stored ledger.AudiusUser
	err = s.ledger.Transaction(ctx, func(tx *ledger.Tx) error {
		user, err := tx.LockUser(wallet)
		if err != nil {
			return err
		}
		images, err := resolveFiles(tx, user, update.CoverArtHash, update.ProfilePicHash)
		if err != nil {
			return err
		}
		metadataFile, err := tx.AppendFile(&user, ledger.File{
			Multihash:   metadataHash,
			Type:        ledger.FileTypeMetadata,
			StoragePath: s.store.PathFor(metadataHash),
		})
		if err != nil {
			return err
		}
		stored, err = tx.AppendAudiusUser(&user, ledger.AudiusUser{
			MetadataJSON:     datatypes.JSON(metadata),
			MetadataFileID:   metadataFile.FileID,
			CoverArtFileID:   images[update.CoverArtHash],
			ProfilePicFileID: images[update.ProfilePicHash],
		})
		return err
	})
	if err != nil {
		return ledger.AudiusUser{}, err
	}
	s.notify(ctx, wallet)
	return stored, nil
}

// UploadTrackContent hands the upload off for transcoding and records the segment and copy320 files.
func (s *Service) UploadTrackContent(ctx context.Context, wallet ledger.WalletAddress, fileName string, data []byte) (TrackContent, error) {
	if len(data) == 0 {
		return TrackContent{}, ErrEmptyUpload
	}
	if _, err := s.ledger.UserByWallet(ctx, wallet); err != nil {
		return TrackContent{}, err
	}

	sourceFile := filepath.Base(fileName)
	result := s.delegator.HandOff(ctx, transcode.Request{FileName: sourceFile, Data: data})
	if result.Empty() || len(result.Transcode) == 0 {
		return TrackContent{}, fmt.Errorf("%w: %s", ErrTranscodeUnavailable, sourceFile)
	}

	segments := make([]ledger.File, 0, len(result.Segments))
	for _, segment := range result.Segments {
		hash, err := s.store.Put(ctx, segment.Data)
		if err != nil {
			return TrackContent{}, err
		}
		segments = append(segments, ledger.File{
			Multihash:   hash,
			Type:        ledger.FileTypeTrackSegment,
			StoragePath: s.store.PathFor(hash),
			SourceFile:  optional(sourceFile),
			FileName:    optional(segment.Name),
		})
	}
	copy320Hash, err := s.store.Put(ctx, result.Transcode)
	if err != nil {
		return TrackContent{}, err
	}

	err = s.ledger.Transaction(ctx, func(tx *ledger.Tx) error {
		user, err := tx.LockUser(wallet)
		if err != nil {
			return err
		}
		for _, segment := range segments {
			if _, err := tx.AppendFile(&user, segment); err != nil {
				return err
			}
		}
		_, err = tx.AppendFile(&user, ledger.File{
			Multihash:   copy320Hash,
			Type:        ledger.FileTypeCopy320,
			StoragePath: s.store.PathFor(copy320Hash),
			SourceFile:  optional(sourceFile),
		})
		return err
	})
	if err != nil {
		return TrackContent{}, err
	}

	s.logger.Info("track content stored",
		zap.String("wallet", wallet.String()),
		zap.String("source_file", sourceFile),
		zap.String("transcode_node", result.Node),
		zap.Int("segments", len(segments)))
	s.notify(ctx, wallet)
	return TrackContent{
		SegmentHashes: lo.Map(segments, func(file ledger.File, _ int) string { return file.Multihash }),
		Copy320Hash:   copy320Hash,
		SourceFile:    sourceFile,
	}, nil
}

// CreateTrack writes a metadata File and a Track revision that lists the track's
// segment and copy320 hashes.
func (s *Service) CreateTrack(ctx context.Context, wallet ledger.WalletAddress, create TrackCreate) (ledger.Track, error) {
	metadata, err := normalizeMetadata(create.Metadata)
	if err != nil {
		return ledger.Track{}, err
	}
	if len(create.SegmentHashes) == 0 {
		return ledger.Track{}, fmt.Errorf("%w: no segments", ErrUnknownContent)
	}
	metadataHash, err := s.store.Put(ctx, metadata)
	if err != nil {
		return ledger.Track{}, err
	}

	contentHashes := lo.Uniq(lo.Compact(append(append([]string{}, create.SegmentHashes...), create.Copy320Hash)))
	var stored ledger.Track
	err = s.ledger.Transaction(ctx, func(tx *ledger.Tx) error {
		user, err := tx.LockUser(wallet)
		if err != nil {
			return err
		}
		if _, err := resolveFiles(tx, user, contentHashes...); err != nil {
			return err
		}
		images, err := resolveFiles(tx, user, create.CoverArtHash)
		if err != nil {
			return err
		}
		metadataFile, err := tx.AppendFile(&user, ledger.File{
			Multihash:   metadataHash,
			Type:        ledger.FileTypeMetadata,
			StoragePath: s.store.PathFor(metadataHash),
		})
		if err != nil {
			return err
		}
		stored, err = tx.AppendTrack(&user, ledger.Track{
			BlockchainID:       create.BlockchainID,
			MetadataJSON:       datatypes.JSON(metadata),
			MetadataFileID:     metadataFile.FileID,
			CoverArtFileID:     images[create.CoverArtHash],
			ContentMultihashes: datatypes.NewJSONSlice(contentHashes),
		})
		return err
	})
	if err != nil {
		return ledger.Track{}, err
	}
	s.notify(ctx, wallet)
	return stored, nil
}

func (s *Service) notify(ctx context.Context, wallet ledger.WalletAddress) {
	if s.notifier != nil {
		s.notifier.NotifyWrite(ctx, wallet)
	}
}

// resolveFiles maps each non-empty hash to the id of the user's earliest File row for it.
func resolveFiles(tx *ledger.Tx, user ledger.CNodeUser, hashes ...string) (map[string]*string, error) {
	wanted := lo.Uniq(lo.Compact(hashes))
	resolved := make(map[string]*string, len(wanted))
	if len(wanted) == 0 {
		return resolved, nil
	}
	files, err := tx.FilesForUser(user.CNodeUserID, wanted)
	if err != nil {
		return nil, err
	}
	for _, file := range files {
		if _, seen := resolved[file.Multihash]; !seen {
			resolved[file.Multihash] = optional(file.FileID)
		}
	}
	if missing := lo.Filter(wanted, func(hash string, _ int) bool {
		_, ok := resolved[hash]
		return !ok
	}); len(missing) > 0 {
		return nil, fmt.Errorf("%w: %v", ErrUnknownContent, missing)
	}
	return resolved, nil
}

func normalizeMetadata(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 {
		return []byte("{}"), nil
	}
	var object map[string]any
	if err := json.Unmarshal(raw, &object); err != nil || object == nil {
		return nil, ErrInvalidMetadata
	}
	return json.Marshal(object)
}

func optional(value string) *string {
	if value == "" {
		return nil
	}
	return &value
}
