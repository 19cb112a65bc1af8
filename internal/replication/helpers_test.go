package replication

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/export"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	primaryEndpoint   = "http://primary"
	secondaryEndpoint = "http://secondary"
	replicationWallet = "0x00000000000000000000000000000000000000d4"
)

func newTestLedger(t *testing.T, name string) *ledger.Service {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), name+".db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(ledger.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	service, err := ledger.NewService(ledger.ServiceConfig{Database: db, IDProvider: ledger.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build ledger: %v", err)
	}
	return service
}

func mustWallet(t *testing.T) ledger.WalletAddress {
	t.Helper()
	wallet, err := ledger.NewWalletAddress(replicationWallet)
	if err != nil {
		t.Fatalf("unexpected wallet error: %v", err)
	}
	return wallet
}

// seedHistory signs the wallet up and appends a profile plus a track whose content hashes carry prefix.
// It reaches clock 6.
func seedHistory(t *testing.T, service *ledger.Service, wallet ledger.WalletAddress, prefix string) {
	t.Helper()
	ctx := context.Background()
	if _, err := service.CreateUser(ctx, wallet); err != nil {
		t.Fatalf("create user: %v", err)
	}
	profile, err := service.AppendFile(ctx, wallet, ledger.File{Multihash: prefix + "-profile", Type: ledger.FileTypeMetadata, StoragePath: "/p"})
	if err != nil {
		t.Fatalf("append file: %v", err)
	}
	if _, err := service.AppendAudiusUser(ctx, wallet, ledger.AudiusUser{MetadataFileID: profile.FileID}); err != nil {
		t.Fatalf("append audius user: %v", err)
	}
	for _, file := range []ledger.File{
		{Multihash: prefix + "-segment", Type: ledger.FileTypeTrackSegment, StoragePath: "/s"},
		{Multihash: prefix + "-copy320", Type: ledger.FileTypeCopy320, StoragePath: "/c"},
	} {
		if _, err := service.AppendFile(ctx, wallet, file); err != nil {
			t.Fatalf("append file: %v", err)
		}
	}
	trackMetadata, err := service.AppendFile(ctx, wallet, ledger.File{Multihash: prefix + "-track", Type: ledger.FileTypeMetadata, StoragePath: "/t"})
	if err != nil {
		t.Fatalf("append file: %v", err)
	}
	if _, err := service.AppendTrack(ctx, wallet, ledger.Track{
		BlockchainID:       1,
		MetadataFileID:     trackMetadata.FileID,
		ContentMultihashes: datatypes.NewJSONSlice([]string{prefix + "-segment", prefix + "-copy320"}),
	}); err != nil {
		t.Fatalf("append track: %v", err)
	}
}

func historyOf(t *testing.T, service *ledger.Service, wallet ledger.WalletAddress) (ledger.CNodeUser, ledger.Range) {
	t.Helper()
	var (
		user ledger.CNodeUser
		rows ledger.Range
	)
	err := service.Transaction(context.Background(), func(tx *ledger.Tx) error {
		var err error
		if user, err = tx.UserByWallet(wallet); err != nil {
			return err
		}
		rows, err = tx.Range(user.CNodeUserID, 0, user.Clock)
		return err
	})
	if err != nil {
		t.Fatalf("read history: %v", err)
	}
	return user, rows
}

// localExports serves exports straight from in-process exporters keyed by endpoint.
type localExports struct {
	mu        sync.Mutex
	exporters map[string]*export.Exporter
	requested []int64
}

func newLocalExports(t *testing.T, maxClockRange int64, nodes map[string]*ledger.Service) *localExports {
	t.Helper()
	exports := &localExports{exporters: map[string]*export.Exporter{}}
	for endpoint, service := range nodes {
		exporter, err := export.New(export.Config{Ledger: service, MaxClockRange: maxClockRange})
		if err != nil {
			t.Fatalf("build exporter: %v", err)
		}
		exports.exporters[endpoint] = exporter
	}
	return exports
}

func (l *localExports) FetchExport(ctx context.Context, endpoint string, wallet ledger.WalletAddress, clockRangeMin int64) (export.ExportedUser, bool, error) {
	l.mu.Lock()
	l.requested = append(l.requested, clockRangeMin)
	exporter, ok := l.exporters[endpoint]
	l.mu.Unlock()
	if !ok {
		return export.ExportedUser{}, false, fmt.Errorf("no route to %s", endpoint)
	}
	result, err := exporter.Export(ctx, []ledger.WalletAddress{wallet}, clockRangeMin)
	if err != nil {
		return export.ExportedUser{}, false, err
	}
	user, found := result.Find(wallet)
	return user, found, nil
}

// fakeContent records which hashes were saved and fails the ones marked unavailable.
type fakeContent struct {
	mu          sync.Mutex
	unavailable map[string]bool
	saved       map[string][]string
	directories map[string]bool
}

func newFakeContent(unavailable ...string) *fakeContent {
	content := &fakeContent{
		unavailable: map[string]bool{},
		saved:       map[string][]string{},
		directories: map[string]bool{},
	}
	for _, hash := range unavailable {
		content.unavailable[hash] = true
	}
	return content
}

func (f *fakeContent) FetchAndStore(_ context.Context, multihash string, gateways []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.unavailable[multihash] {
		return errors.New("no gateway holds " + multihash)
	}
	f.saved[multihash] = gateways
	return nil
}

func (f *fakeContent) EnsureDirectory(multihash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.directories[multihash] = true
	return nil
}

func (f *fakeContent) PathFor(multihash string) string {
	return "/local/" + multihash
}

func (f *fakeContent) makeAvailable(multihash string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.unavailable, multihash)
}
