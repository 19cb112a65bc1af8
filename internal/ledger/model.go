package ledger

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gorm.io/datatypes"
)

// SourceTable names the domain table a clock record points at.
type SourceTable string

const (
	SourceTableAudiusUser SourceTable = "AudiusUser"
	SourceTableTrack      SourceTable = "Track"
	SourceTableFile       SourceTable = "File"
)

// FileType classifies stored content.
type FileType string

const (
	FileTypeMetadata     FileType = "metadata"
	FileTypeTrackSegment FileType = "track"
	FileTypeCopy320      FileType = "copy320"
	FileTypeImage        FileType = "image"
	FileTypeDirectory    FileType = "dir"
)

var (
	// ErrInvalidWallet indicates a wallet public key that is not a hex address.
	ErrInvalidWallet = errors.New("ledger: invalid wallet")
	// ErrInvalidFileType indicates an unknown file type.
	ErrInvalidFileType = errors.New("ledger: invalid file type")
	// ErrUserNotFound indicates that no CNodeUser is registered for the wallet.
	ErrUserNotFound = errors.New("ledger: user not found")
	// ErrClockGap indicates that clock records are not exactly [1..clock].
	ErrClockGap = errors.New("ledger: clock records are not contiguous")
	// ErrFileNotFound indicates that no File row references the multihash.
	ErrFileNotFound = errors.New("ledger: file not found")
)

// WalletAddress is a lower-cased hex wallet public key.
type WalletAddress string

// NewWalletAddress validates raw input and returns a WalletAddress.
func NewWalletAddress(rawInput string) (WalletAddress, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidWallet)
	}
	if !common.IsHexAddress(trimmed) {
		return "", fmt.Errorf("%w: %s", ErrInvalidWallet, trimmed)
	}
	return WalletAddress(strings.ToLower(trimmed)), nil
}

// String returns the lower-cased address.
func (w WalletAddress) String() string {
	return string(w)
}

// Valid reports whether the file type is one of the known kinds.
func (t FileType) Valid() bool {
	switch t {
	case FileTypeMetadata, FileTypeTrackSegment, FileTypeCopy320, FileTypeImage, FileTypeDirectory:
		return true
	}
	return false
}

// CNodeUser is the replicated identity keyed by wallet.
type CNodeUser struct {
	CNodeUserID       string `gorm:"column:cnode_user_id;primaryKey;size:64;not null" json:"cnodeUserUUID"`
	WalletPublicKey   string `gorm:"column:wallet_public_key;size:64;not null;uniqueIndex:idx_cnode_users_wallet" json:"walletPublicKey"`
	Clock             int64  `gorm:"column:clock;not null;default:0" json:"clock"`
	LatestBlockNumber int64  `gorm:"column:latest_block_number;not null;default:0" json:"latestBlockNumber"`
	LastLoginSeconds  int64  `gorm:"column:last_login_s;not null;default:0" json:"lastLogin"`
	CreatedAtSeconds  int64  `gorm:"column:created_at_s;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (CNodeUser) TableName() string {
	return "cnode_users"
}

// ClockRecord marks which table received the write at a clock value.
type ClockRecord struct {
	CNodeUserID      string      `gorm:"column:cnode_user_id;primaryKey;size:64;not null" json:"cnodeUserUUID"`
	Clock            int64       `gorm:"column:clock;primaryKey;not null" json:"clock"`
	SourceTable      SourceTable `gorm:"column:source_table;size:32;not null" json:"sourceTable"`
	CreatedAtSeconds int64       `gorm:"column:created_at_s;not null" json:"createdAt"`
}

// TableName provides the explicit table binding for GORM.
func (ClockRecord) TableName() string {
	return "clock_records"
}

// AudiusUser is one revision of the user profile; the highest clock is current.
type AudiusUser struct {
	AudiusUserID     string         `gorm:"column:audius_user_id;primaryKey;size:64;not null" json:"audiusUserUUID"`
	CNodeUserID      string         `gorm:"column:cnode_user_id;size:64;not null;uniqueIndex:idx_audius_users_user_clock,priority:1" json:"cnodeUserUUID"`
	Clock            int64          `gorm:"column:clock;not null;uniqueIndex:idx_audius_users_user_clock,priority:2" json:"clock"`
	MetadataJSON     datatypes.JSON `gorm:"column:metadata_json;not null" json:"metadataJSON"`
	MetadataFileID   string         `gorm:"column:metadata_file_id;size:64;not null" json:"metadataFileUUID"`
	CoverArtFileID   *string        `gorm:"column:cover_art_file_id;size:64" json:"coverArtFileUUID,omitempty"`
	ProfilePicFileID *string        `gorm:"column:profile_pic_file_id;size:64" json:"profilePicFileUUID,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (AudiusUser) TableName() string {
	return "audius_users"
}

// Track is one revision of a track's metadata. ContentMultihashes lists the segment and
// copy320 hashes the track owns, so ownership replicates with the track's clock.
type Track struct {
	TrackID            string                      `gorm:"column:track_id;primaryKey;size:64;not null" json:"trackUUID"`
	CNodeUserID        string                      `gorm:"column:cnode_user_id;size:64;not null;uniqueIndex:idx_tracks_user_clock,priority:1" json:"cnodeUserUUID"`
	Clock              int64                       `gorm:"column:clock;not null;uniqueIndex:idx_tracks_user_clock,priority:2" json:"clock"`
	BlockchainID       int64                       `gorm:"column:blockchain_id;not null;index:idx_tracks_blockchain_id" json:"blockchainId"`
	MetadataJSON       datatypes.JSON              `gorm:"column:metadata_json;not null" json:"metadataJSON"`
	MetadataFileID     string                      `gorm:"column:metadata_file_id;size:64;not null" json:"metadataFileUUID"`
	CoverArtFileID     *string                     `gorm:"column:cover_art_file_id;size:64" json:"coverArtFileUUID,omitempty"`
	ContentMultihashes datatypes.JSONSlice[string] `gorm:"column:content_multihashes;not null;default:'[]'" json:"contentMultihashes"`
}

// TableName provides the explicit table binding for GORM.
func (Track) TableName() string {
	return "tracks"
}

// File references one content-addressed blob. Several rows may share a multihash.
type File struct {
	FileID            string   `gorm:"column:file_id;primaryKey;size:64;not null" json:"fileUUID"`
	CNodeUserID       string   `gorm:"column:cnode_user_id;size:64;not null;uniqueIndex:idx_files_user_clock,priority:1" json:"cnodeUserUUID"`
	Clock             int64    `gorm:"column:clock;not null;uniqueIndex:idx_files_user_clock,priority:2" json:"clock"`
	Multihash         string   `gorm:"column:multihash;size:128;not null;index:idx_files_multihash" json:"multihash"`
	Type              FileType `gorm:"column:type;size:16;not null" json:"type"`
	StoragePath       string   `gorm:"column:storage_path;type:text;not null" json:"storagePath"`
	SourceFile        *string  `gorm:"column:source_file;type:text" json:"sourceFile,omitempty"`
	TrackBlockchainID *int64   `gorm:"column:track_blockchain_id;index:idx_files_track_blockchain_id" json:"trackBlockchainId,omitempty"`
	DirMultihash      *string  `gorm:"column:dir_multihash;size:128" json:"dirMultihash,omitempty"`
	FileName          *string  `gorm:"column:file_name;type:text" json:"fileName,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (File) TableName() string {
	return "files"
}

// Models lists every table owned by the ledger, in migration order.
func Models() []any {
	return []any{&CNodeUser{}, &ClockRecord{}, &AudiusUser{}, &Track{}, &File{}}
}
