package ledger

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	testWallet      = "0x00000000000000000000000000000000000000A1"
	testOtherWallet = "0x00000000000000000000000000000000000000b2"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database:   db,
		IDProvider: NewUUIDProvider(),
		Clock:      func() time.Time { return time.Unix(1_700_000_000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to build service: %v", err)
	}
	return service, db
}

func mustWallet(t *testing.T, value string) WalletAddress {
	t.Helper()
	wallet, err := NewWalletAddress(value)
	if err != nil {
		t.Fatalf("unexpected wallet error: %v", err)
	}
	return wallet
}

func TestNewWalletAddressLowercases(testContext *testing.T) {
	wallet := mustWallet(testContext, testWallet)
	if wallet.String() != "0x00000000000000000000000000000000000000a1" {
		testContext.Fatalf("expected lower-cased wallet, got %s", wallet)
	}

	for _, raw := range []string{"", "   ", "not-a-wallet", "0x1234"} {
		if _, err := NewWalletAddress(raw); !errors.Is(err, ErrInvalidWallet) {
			testContext.Fatalf("expected ErrInvalidWallet for %q, got %v", raw, err)
		}
	}
}

func TestNewServiceValidatesDependencies(testContext *testing.T) {
	if _, err := NewService(ServiceConfig{IDProvider: NewUUIDProvider()}); err == nil {
		testContext.Fatalf("expected missing database error")
	}
	_, db := newTestService(testContext)
	_, err := NewService(ServiceConfig{Database: db})
	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) || serviceErr.Code() != "ledger.service.new.missing_id_provider" {
		testContext.Fatalf("expected missing id provider code, got %v", err)
	}
}

func TestAppendAdvancesClockContiguously(testContext *testing.T) {
	service, _ := newTestService(testContext)
	ctx := context.Background()
	wallet := mustWallet(testContext, testWallet)

	user, err := service.CreateUser(ctx, wallet)
	if err != nil {
		testContext.Fatalf("create user: %v", err)
	}
	if user.Clock != 0 {
		testContext.Fatalf("expected new user at clock 0, got %d", user.Clock)
	}

	again, err := service.CreateUser(ctx, wallet)
	if err != nil {
		testContext.Fatalf("repeat create user: %v", err)
	}
	if again.CNodeUserID != user.CNodeUserID {
		testContext.Fatalf("expected signup to be idempotent")
	}

	metadata, err := service.AppendFile(ctx, wallet, File{Multihash: "QmMetadata", Type: FileTypeMetadata, StoragePath: "/tmp/a"})
	if err != nil {
		testContext.Fatalf("append file: %v", err)
	}
	profile, err := service.AppendAudiusUser(ctx, wallet, AudiusUser{
		MetadataJSON:   datatypes.JSON(`{"name":"artist"}`),
		MetadataFileID: metadata.FileID,
	})
	if err != nil {
		testContext.Fatalf("append audius user: %v", err)
	}
	track, err := service.AppendTrack(ctx, wallet, Track{BlockchainID: 7, MetadataFileID: metadata.FileID})
	if err != nil {
		testContext.Fatalf("append track: %v", err)
	}

	if metadata.Clock != 1 || profile.Clock != 2 || track.Clock != 3 {
		testContext.Fatalf("unexpected clocks %d %d %d", metadata.Clock, profile.Clock, track.Clock)
	}

	stored, err := service.UserByWallet(ctx, wallet)
	if err != nil {
		testContext.Fatalf("user by wallet: %v", err)
	}
	if stored.Clock != 3 {
		testContext.Fatalf("expected clock 3, got %d", stored.Clock)
	}
	if err := service.VerifyContiguity(ctx, wallet); err != nil {
		testContext.Fatalf("expected contiguous clock records: %v", err)
	}

	var rows Range
	err = service.Transaction(ctx, func(tx *Tx) error {
		var err error
		rows, err = tx.Range(stored.CNodeUserID, 0, 100)
		return err
	})
	if err != nil {
		testContext.Fatalf("range: %v", err)
	}
	expected := []SourceTable{SourceTableFile, SourceTableAudiusUser, SourceTableTrack}
	if len(rows.ClockRecords) != len(expected) {
		testContext.Fatalf("expected %d clock records, got %d", len(expected), len(rows.ClockRecords))
	}
	for index, record := range rows.ClockRecords {
		if record.Clock != int64(index+1) || record.SourceTable != expected[index] {
			testContext.Fatalf("unexpected clock record %+v at %d", record, index)
		}
	}
	if string(rows.AudiusUsers[0].MetadataJSON) != `{"name":"artist"}` {
		testContext.Fatalf("unexpected metadata %s", rows.AudiusUsers[0].MetadataJSON)
	}
}

func TestTransactionRollsBackEveryWrite(testContext *testing.T) {
	service, db := newTestService(testContext)
	ctx := context.Background()
	wallet := mustWallet(testContext, testWallet)
	if _, err := service.CreateUser(ctx, wallet); err != nil {
		testContext.Fatalf("create user: %v", err)
	}

	failure := errors.New("disk full")
	err := service.Transaction(ctx, func(tx *Tx) error {
		user, err := tx.LockUser(wallet)
		if err != nil {
			return err
		}
		if _, err := tx.AppendFile(&user, File{Multihash: "QmA", Type: FileTypeMetadata, StoragePath: "/a"}); err != nil {
			return err
		}
		if _, err := tx.AppendTrack(&user, Track{BlockchainID: 1}); err != nil {
			return err
		}
		return failure
	})
	if !errors.Is(err, failure) {
		testContext.Fatalf("expected failure to propagate, got %v", err)
	}

	stored, err := service.UserByWallet(ctx, wallet)
	if err != nil {
		testContext.Fatalf("user by wallet: %v", err)
	}
	if stored.Clock != 0 {
		testContext.Fatalf("expected clock to stay 0, got %d", stored.Clock)
	}
	var count int64
	if err := db.Model(&ClockRecord{}).Count(&count).Error; err != nil {
		testContext.Fatalf("count: %v", err)
	}
	if count != 0 {
		testContext.Fatalf("expected no clock records after rollback, got %d", count)
	}
}

func TestAppendRejectsInvalidInput(testContext *testing.T) {
	service, _ := newTestService(testContext)
	ctx := context.Background()
	wallet := mustWallet(testContext, testWallet)

	if _, err := service.AppendTrack(ctx, wallet, Track{BlockchainID: 1}); !errors.Is(err, ErrUserNotFound) {
		testContext.Fatalf("expected ErrUserNotFound, got %v", err)
	}
	if _, err := service.CreateUser(ctx, wallet); err != nil {
		testContext.Fatalf("create user: %v", err)
	}
	if _, err := service.AppendFile(ctx, wallet, File{Multihash: "QmA", Type: "video", StoragePath: "/a"}); !errors.Is(err, ErrInvalidFileType) {
		testContext.Fatalf("expected ErrInvalidFileType, got %v", err)
	}
	if err := service.VerifyContiguity(ctx, wallet); err != nil {
		testContext.Fatalf("expected rejected writes to leave the clock intact: %v", err)
	}
}

func TestImportReplayIsIdempotent(testContext *testing.T) {
	service, _ := newTestService(testContext)
	ctx := context.Background()
	wallet := mustWallet(testContext, testWallet)

	trackID := int64(11)
	rows := Range{
		ClockRecords: []ClockRecord{
			{Clock: 1, SourceTable: SourceTableFile},
			{Clock: 2, SourceTable: SourceTableTrack},
		},
		Files:  []File{{FileID: "file-1", Clock: 1, Multihash: "QmSegment", Type: FileTypeTrackSegment, StoragePath: "/s", TrackBlockchainID: &trackID}},
		Tracks: []Track{{TrackID: "track-1", Clock: 2, BlockchainID: trackID}},
	}

	importOnce := func() ImportResult {
		var result ImportResult
		err := service.Transaction(ctx, func(tx *Tx) error {
			user, _, err := tx.EnsureUser(wallet, "primary-user-id")
			if err != nil {
				return err
			}
			replay := Range{
				ClockRecords: append([]ClockRecord(nil), rows.ClockRecords...),
				Files:        append([]File(nil), rows.Files...),
				Tracks:       append([]Track(nil), rows.Tracks...),
			}
			result, err = tx.Import(&user, replay)
			return err
		})
		if err != nil {
			testContext.Fatalf("import: %v", err)
		}
		return result
	}

	first := importOnce()
	if first.Inserted != 4 || first.Clock != 2 {
		testContext.Fatalf("unexpected first import %+v", first)
	}
	second := importOnce()
	if second.Inserted != 0 || second.Skipped != 4 || second.Clock != 2 {
		testContext.Fatalf("unexpected replay %+v", second)
	}

	user, err := service.UserByWallet(ctx, wallet)
	if err != nil {
		testContext.Fatalf("user by wallet: %v", err)
	}
	if user.CNodeUserID != "primary-user-id" {
		testContext.Fatalf("expected preferred user id, got %s", user.CNodeUserID)
	}
	if err := service.VerifyContiguity(ctx, wallet); err != nil {
		testContext.Fatalf("expected contiguity after import: %v", err)
	}

	trackIDs, err := service.TrackIDsForMultihash(ctx, "QmSegment")
	if err != nil || len(trackIDs) != 1 || trackIDs[0] != trackID {
		testContext.Fatalf("unexpected track ids %v (%v)", trackIDs, err)
	}
}

func TestDeleteUserRemovesOwnedRows(testContext *testing.T) {
	service, db := newTestService(testContext)
	ctx := context.Background()
	wallet := mustWallet(testContext, testWallet)
	other := mustWallet(testContext, testOtherWallet)

	for _, target := range []WalletAddress{wallet, other} {
		if _, err := service.CreateUser(ctx, target); err != nil {
			testContext.Fatalf("create user: %v", err)
		}
		if _, err := service.AppendFile(ctx, target, File{Multihash: "QmShared", Type: FileTypeImage, StoragePath: "/i"}); err != nil {
			testContext.Fatalf("append file: %v", err)
		}
	}

	if err := service.DeleteUser(ctx, wallet); err != nil {
		testContext.Fatalf("delete user: %v", err)
	}
	if _, err := service.UserByWallet(ctx, wallet); !errors.Is(err, ErrUserNotFound) {
		testContext.Fatalf("expected deleted user to be gone, got %v", err)
	}
	if err := service.DeleteUser(ctx, wallet); err != nil {
		testContext.Fatalf("expected deleting a missing user to be a no-op: %v", err)
	}

	var fileCount, recordCount int64
	db.Model(&File{}).Count(&fileCount)
	db.Model(&ClockRecord{}).Count(&recordCount)
	if fileCount != 1 || recordCount != 1 {
		testContext.Fatalf("expected only the other user's rows to remain, got files=%d records=%d", fileCount, recordCount)
	}
	if _, err := service.FileByMultihash(ctx, "QmShared"); err != nil {
		testContext.Fatalf("expected shared multihash to remain referenced: %v", err)
	}
}

func TestVerifyContiguityDetectsGap(testContext *testing.T) {
	service, db := newTestService(testContext)
	ctx := context.Background()
	wallet := mustWallet(testContext, testWallet)
	user, err := service.CreateUser(ctx, wallet)
	if err != nil {
		testContext.Fatalf("create user: %v", err)
	}
	for index := 0; index < 3; index++ {
		if _, err := service.AppendTrack(ctx, wallet, Track{BlockchainID: int64(index + 1)}); err != nil {
			testContext.Fatalf("append track: %v", err)
		}
	}
	if err := db.Where("cnode_user_id = ? AND clock = ?", user.CNodeUserID, 2).Delete(&ClockRecord{}).Error; err != nil {
		testContext.Fatalf("delete record: %v", err)
	}
	if err := service.VerifyContiguity(ctx, wallet); !errors.Is(err, ErrClockGap) {
		testContext.Fatalf("expected ErrClockGap, got %v", err)
	}
}

func TestTrackRevisionOwnsContent(testContext *testing.T) {
	service, _ := newTestService(testContext)
	ctx := context.Background()
	wallet := mustWallet(testContext, testWallet)
	if _, err := service.CreateUser(ctx, wallet); err != nil {
		testContext.Fatalf("create user: %v", err)
	}
	for _, file := range []File{
		{Multihash: "QmSegment", Type: FileTypeTrackSegment, StoragePath: "/s"},
		{Multihash: "QmCopy", Type: FileTypeCopy320, StoragePath: "/c"},
		{Multihash: "QmMeta", Type: FileTypeMetadata, StoragePath: "/m"},
	} {
		if _, err := service.AppendFile(ctx, wallet, file); err != nil {
			testContext.Fatalf("append file: %v", err)
		}
	}
	if _, err := service.AppendTrack(ctx, wallet, Track{
		BlockchainID:       42,
		ContentMultihashes: datatypes.NewJSONSlice([]string{"QmSegment", "QmCopy"}),
	}); err != nil {
		testContext.Fatalf("append track: %v", err)
	}
	if _, err := service.AppendTrack(ctx, wallet, Track{BlockchainID: 43}); err != nil {
		testContext.Fatalf("append track without content: %v", err)
	}

	hashes, err := service.MultihashesForTrack(ctx, 42)
	if err != nil {
		testContext.Fatalf("multihashes for track: %v", err)
	}
	if len(hashes) != 2 || hashes[0] != "QmCopy" || hashes[1] != "QmSegment" {
		testContext.Fatalf("expected segment and copy320 hashes, got %v", hashes)
	}
	owners, err := service.TrackIDsForMultihash(ctx, "QmSegment")
	if err != nil || len(owners) != 1 || owners[0] != 42 {
		testContext.Fatalf("unexpected owners %v (%v)", owners, err)
	}
	if owners, _ := service.TrackIDsForMultihash(ctx, "QmMeta"); len(owners) != 0 {
		testContext.Fatalf("expected metadata to have no owning track, got %v", owners)
	}

	user, err := service.UserByWallet(ctx, wallet)
	if err != nil {
		testContext.Fatalf("user by wallet: %v", err)
	}
	if user.Clock != 5 {
		testContext.Fatalf("expected every write to take one clock, got %d", user.Clock)
	}
	if err := service.VerifyContiguity(ctx, wallet); err != nil {
		testContext.Fatalf("expected contiguity: %v", err)
	}
}

func TestRangeTruncate(testContext *testing.T) {
	rows := Range{
		ClockRecords: []ClockRecord{{Clock: 1}, {Clock: 2}, {Clock: 3}},
		Files:        []File{{Clock: 1}, {Clock: 3}},
		Tracks:       []Track{{Clock: 2}},
	}
	truncated := rows.Truncate(3)
	if truncated.MaxClock() != 2 || len(truncated.Files) != 1 || len(truncated.Tracks) != 1 {
		testContext.Fatalf("unexpected truncation %+v", truncated)
	}
	if (Range{}).MaxClock() != 0 {
		testContext.Fatalf("expected empty range max clock 0")
	}
}
