package ledger

import (
	"errors"
	"fmt"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var emptyMetadata = datatypes.JSON(`{}`)

// Range holds every row of one user with a clock inside a closed interval, ordered by clock.
type Range struct {
	ClockRecords []ClockRecord
	AudiusUsers  []AudiusUser
	Tracks       []Track
	Files        []File
}

// MaxClock returns the highest clock record in the range, or zero when empty.
func (r Range) MaxClock() int64 {
	if len(r.ClockRecords) == 0 {
		return 0
	}
	return r.ClockRecords[len(r.ClockRecords)-1].Clock
}

// Truncate returns the rows whose clock is strictly below the limit.
func (r Range) Truncate(limit int64) Range {
	var truncated Range
	for _, record := range r.ClockRecords {
		if record.Clock < limit {
			truncated.ClockRecords = append(truncated.ClockRecords, record)
		}
	}
	for _, row := range r.AudiusUsers {
		if row.Clock < limit {
			truncated.AudiusUsers = append(truncated.AudiusUsers, row)
		}
	}
	for _, row := range r.Tracks {
		if row.Clock < limit {
			truncated.Tracks = append(truncated.Tracks, row)
		}
	}
	for _, row := range r.Files {
		if row.Clock < limit {
			truncated.Files = append(truncated.Files, row)
		}
	}
	return truncated
}

// ImportResult reports what an import inserted.
type ImportResult struct {
	Inserted int64
	Skipped  int64
	Clock    int64
}

// Tx scopes ledger reads and writes to one database transaction.
type Tx struct {
	db  *gorm.DB
	now time.Time
	ids IDProvider
}

// DB exposes the underlying transaction for callers that persist adjacent tables atomically.
func (t *Tx) DB() *gorm.DB {
	return t.db
}

// NewID issues a fresh row identifier.
func (t *Tx) NewID() (string, error) {
	return t.ids.NewID()
}

// UserByWallet loads the user without locking.
func (t *Tx) UserByWallet(wallet WalletAddress) (CNodeUser, error) {
	var user CNodeUser
	err := t.db.Where("wallet_public_key = ?", wallet.String()).Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CNodeUser{}, fmt.Errorf("%w: %s", ErrUserNotFound, wallet)
	}
	if err != nil {
		return CNodeUser{}, err
	}
	return user, nil
}

// LockUser loads the user row for update.
func (t *Tx) LockUser(wallet WalletAddress) (CNodeUser, error) {
	var user CNodeUser
	err := t.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("wallet_public_key = ?", wallet.String()).
		Take(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return CNodeUser{}, fmt.Errorf("%w: %s", ErrUserNotFound, wallet)
	}
	if err != nil {
		return CNodeUser{}, err
	}
	return user, nil
}

// EnsureUser locks the user row, creating it at clock 0 when absent.
// A non-empty preferredID is used as the identifier of a newly created user.
func (t *Tx) EnsureUser(wallet WalletAddress, preferredID string) (CNodeUser, bool, error) {
	user, err := t.LockUser(wallet)
	if err == nil {
		return user, false, nil
	}
	if !errors.Is(err, ErrUserNotFound) {
		return CNodeUser{}, false, err
	}

	userID := preferredID
	if userID == "" {
		userID, err = t.ids.NewID()
		if err != nil {
			return CNodeUser{}, false, err
		}
	}
	user = CNodeUser{
		CNodeUserID:      userID,
		WalletPublicKey:  wallet.String(),
		CreatedAtSeconds: t.now.Unix(),
		LastLoginSeconds: t.now.Unix(),
	}
	if err := t.db.Create(&user).Error; err != nil {
		return CNodeUser{}, false, err
	}
	return user, true, nil
}

// AppendAudiusUser writes a profile revision at the next clock.
func (t *Tx) AppendAudiusUser(user *CNodeUser, row AudiusUser) (AudiusUser, error) {
	clockValue, err := t.advance(user, SourceTableAudiusUser)
	if err != nil {
		return AudiusUser{}, err
	}
	if row.AudiusUserID == "" {
		if row.AudiusUserID, err = t.ids.NewID(); err != nil {
			return AudiusUser{}, err
		}
	}
	if len(row.MetadataJSON) == 0 {
		row.MetadataJSON = emptyMetadata
	}
	row.CNodeUserID = user.CNodeUserID
	row.Clock = clockValue
	if err := t.db.Create(&row).Error; err != nil {
		return AudiusUser{}, err
	}
	return row, nil
}

// AppendTrack writes a track revision at the next clock.
func (t *Tx) AppendTrack(user *CNodeUser, row Track) (Track, error) {
	clockValue, err := t.advance(user, SourceTableTrack)
	if err != nil {
		return Track{}, err
	}
	if row.TrackID == "" {
		if row.TrackID, err = t.ids.NewID(); err != nil {
			return Track{}, err
		}
	}
	if len(row.MetadataJSON) == 0 {
		row.MetadataJSON = emptyMetadata
	}
	if row.ContentMultihashes == nil {
		row.ContentMultihashes = datatypes.JSONSlice[string]{}
	}
	row.CNodeUserID = user.CNodeUserID
	row.Clock = clockValue
	if err := t.db.Create(&row).Error; err != nil {
		return Track{}, err
	}
	return row, nil
}

// AppendFile writes a file row at the next clock.
func (t *Tx) AppendFile(user *CNodeUser, row File) (File, error) {
	if !row.Type.Valid() {
		return File{}, fmt.Errorf("%w: %q", ErrInvalidFileType, row.Type)
	}
	clockValue, err := t.advance(user, SourceTableFile)
	if err != nil {
		return File{}, err
	}
	if row.FileID == "" {
		if row.FileID, err = t.ids.NewID(); err != nil {
			return File{}, err
		}
	}
	row.CNodeUserID = user.CNodeUserID
	row.Clock = clockValue
	if err := t.db.Create(&row).Error; err != nil {
		return File{}, err
	}
	return row, nil
}

// advance bumps the user clock by one and records the write at the new value.
func (t *Tx) advance(user *CNodeUser, source SourceTable) (int64, error) {
	next := user.Clock + 1
	record := ClockRecord{
		CNodeUserID:      user.CNodeUserID,
		Clock:            next,
		SourceTable:      source,
		CreatedAtSeconds: t.now.Unix(),
	}
	if err := t.db.Create(&record).Error; err != nil {
		return 0, err
	}
	if err := t.db.Model(&CNodeUser{}).
		Where("cnode_user_id = ?", user.CNodeUserID).
		Update("clock", next).Error; err != nil {
		return 0, err
	}
	user.Clock = next
	return next, nil
}

// Range loads every row of the user with minClock <= clock <= maxClock.
func (t *Tx) Range(cnodeUserID string, minClock, maxClock int64) (Range, error) {
	var result Range
	scoped := func() *gorm.DB {
		return t.db.Where("cnode_user_id = ? AND clock >= ? AND clock <= ?", cnodeUserID, minClock, maxClock).Order("clock ASC")
	}
	if err := scoped().Find(&result.ClockRecords).Error; err != nil {
		return Range{}, err
	}
	if err := scoped().Find(&result.AudiusUsers).Error; err != nil {
		return Range{}, err
	}
	if err := scoped().Find(&result.Tracks).Error; err != nil {
		return Range{}, err
	}
	if err := scoped().Find(&result.Files).Error; err != nil {
		return Range{}, err
	}
	return result, nil
}

// Import inserts rows at their given clocks. Rows whose (user, clock) or id already
// exist are skipped, so replaying the same range is a no-op.
func (t *Tx) Import(user *CNodeUser, rows Range) (ImportResult, error) {
	var result ImportResult
	insert := func(value any, count int) error {
		if count == 0 {
			return nil
		}
		outcome := t.db.Clauses(clause.OnConflict{DoNothing: true}).Create(value)
		if outcome.Error != nil {
			return outcome.Error
		}
		result.Inserted += outcome.RowsAffected
		result.Skipped += int64(count) - outcome.RowsAffected
		return nil
	}

	for index := range rows.ClockRecords {
		rows.ClockRecords[index].CNodeUserID = user.CNodeUserID
		if rows.ClockRecords[index].CreatedAtSeconds == 0 {
			rows.ClockRecords[index].CreatedAtSeconds = t.now.Unix()
		}
	}
	for index := range rows.AudiusUsers {
		rows.AudiusUsers[index].CNodeUserID = user.CNodeUserID
		if len(rows.AudiusUsers[index].MetadataJSON) == 0 {
			rows.AudiusUsers[index].MetadataJSON = emptyMetadata
		}
	}
	for index := range rows.Tracks {
		rows.Tracks[index].CNodeUserID = user.CNodeUserID
		if len(rows.Tracks[index].MetadataJSON) == 0 {
			rows.Tracks[index].MetadataJSON = emptyMetadata
		}
		if rows.Tracks[index].ContentMultihashes == nil {
			rows.Tracks[index].ContentMultihashes = datatypes.JSONSlice[string]{}
		}
	}
	for index := range rows.Files {
		rows.Files[index].CNodeUserID = user.CNodeUserID
	}

	if err := insert(&rows.ClockRecords, len(rows.ClockRecords)); err != nil {
		return ImportResult{}, err
	}
	if err := insert(&rows.AudiusUsers, len(rows.AudiusUsers)); err != nil {
		return ImportResult{}, err
	}
	if err := insert(&rows.Tracks, len(rows.Tracks)); err != nil {
		return ImportResult{}, err
	}
	if err := insert(&rows.Files, len(rows.Files)); err != nil {
		return ImportResult{}, err
	}

	if maxClock := rows.MaxClock(); maxClock > user.Clock {
		if err := t.db.Model(&CNodeUser{}).
			Where("cnode_user_id = ?", user.CNodeUserID).
			Update("clock", maxClock).Error; err != nil {
			return ImportResult{}, err
		}
		user.Clock = maxClock
	}
	result.Clock = user.Clock
	return result, nil
}

// RecordBlockNumber raises latestBlockNumber; lower values are ignored.
func (t *Tx) RecordBlockNumber(user *CNodeUser, blockNumber int64) error {
	if blockNumber <= user.LatestBlockNumber {
		return nil
	}
	if err := t.db.Model(&CNodeUser{}).
		Where("cnode_user_id = ?", user.CNodeUserID).
		Update("latest_block_number", blockNumber).Error; err != nil {
		return err
	}
	user.LatestBlockNumber = blockNumber
	return nil
}

// DeleteUser removes the user and every row it owns.
func (t *Tx) DeleteUser(cnodeUserID string) error {
	for _, model := range []any{&File{}, &Track{}, &AudiusUser{}, &ClockRecord{}, &CNodeUser{}} {
		if err := t.db.Where("cnode_user_id = ?", cnodeUserID).Delete(model).Error; err != nil {
			return err
		}
	}
	return nil
}

// FilesForUser returns the user's File rows for the given multihashes.
func (t *Tx) FilesForUser(cnodeUserID string, multihashes []string) ([]File, error) {
	var files []File
	if len(multihashes) == 0 {
		return files, nil
	}
	err := t.db.Where("cnode_user_id = ? AND multihash IN ?", cnodeUserID, multihashes).
		Order("clock ASC").
		Find(&files).Error
	return files, err
}
