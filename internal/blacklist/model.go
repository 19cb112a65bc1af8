package blacklist

import (
	"errors"
	"fmt"
	"strings"
)

// EntryType names what a blacklist entry refers to.
type EntryType string

const (
	EntryTypeUser  EntryType = "USER"
	EntryTypeTrack EntryType = "TRACK"
	EntryTypeCID   EntryType = "CID"
)

var (
	// ErrInvalidEntryType indicates an unknown blacklist entry type.
	ErrInvalidEntryType = errors.New("blacklist: invalid entry type")
	// ErrInvalidValues indicates an empty or malformed value list.
	ErrInvalidValues = errors.New("blacklist: invalid values")
	// ErrInvalidSignature indicates a signature that does not recover to the operator wallet.
	ErrInvalidSignature = errors.New("blacklist: invalid signature")
	// ErrStaleSignature indicates a signed timestamp outside the accepted window.
	ErrStaleSignature = errors.New("blacklist: stale signature")
)

// NewEntryType validates raw input and returns an EntryType.
func NewEntryType(rawInput string) (EntryType, error) {
	switch EntryType(strings.ToUpper(strings.TrimSpace(rawInput))) {
	case EntryTypeUser:
		return EntryTypeUser, nil
	case EntryTypeTrack:
		return EntryTypeTrack, nil
	case EntryTypeCID:
		return EntryTypeCID, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidEntryType, rawInput)
}

// Entry is one persisted blacklist row.
type Entry struct {
	EntryID          int64     `gorm:"column:entry_id;primaryKey;autoIncrement"`
	Type             EntryType `gorm:"column:type;size:16;not null;uniqueIndex:idx_blacklist_type_value,priority:1"`
	Value            string    `gorm:"column:value;size:190;not null;uniqueIndex:idx_blacklist_type_value,priority:2"`
	CreatedAtSeconds int64     `gorm:"column:created_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Entry) TableName() string {
	return "blacklist_entries"
}
