// Package replication moves clock-ordered user history between the nodes of a replica set.
package replication

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/export"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/samber/lo"
	"golang.org/x/sync/errgroup"
)

const defaultFileSaveConcurrency = 10

var (
	// ErrInvalidExport indicates an export whose clocks do not line up with local state.
	ErrInvalidExport = errors.New("replication: invalid export")
	// ErrWalletNotFound indicates that the remote node does not know the wallet.
	ErrWalletNotFound = errors.New("replication: wallet not found on remote node")
	// ErrSelfSync indicates a request to sync from this node's own endpoint.
	ErrSelfSync = errors.New("replication: remote endpoint is this node")

	errMissingLedger  = errors.New("replication: ledger is required")
	errMissingExports = errors.New("replication: export source is required")
	errMissingContent = errors.New("replication: content store is required")
)

// ExportSource reads a page of a wallet's history from a remote node.
type ExportSource interface {
	FetchExport(ctx context.Context, endpoint string, wallet ledger.WalletAddress, clockRangeMin int64) (export.ExportedUser, bool, error)
}

// ContentStore makes remote blobs available on local disk.
type ContentStore interface {
	FetchAndStore(ctx context.Context, multihash string, gateways []string) error
	EnsureDirectory(multihash string) error
	PathFor(multihash string) string
}

// contentFailure records the lowest clock whose content could not be fetched.
type contentFailure struct {
	clock int64
	err   error
}

func (f *contentFailure) Error() string {
	return fmt.Sprintf("content for clock %d: %v", f.clock, f.err)
}

func (f *contentFailure) Unwrap() error {
	return f.err
}

// fetchContent saves every blob referenced by files, at most limit at a time.
// Rows are rewritten to point at the local storage path. On failure the returned
// contentFailure names the lowest affected clock.
func fetchContent(ctx context.Context, store ContentStore, files []ledger.File, gateways []string, limit int) error {
	if limit <= 0 {
		limit = defaultFileSaveConcurrency
	}
	firstClock := map[string]int64{}
	directories := map[string]bool{}
	for index := range files {
		file := &files[index]
		file.StoragePath = store.PathFor(file.Multihash)
		if clock, seen := firstClock[file.Multihash]; !seen || file.Clock < clock {
			firstClock[file.Multihash] = file.Clock
		}
		if file.Type == ledger.FileTypeDirectory {
			directories[file.Multihash] = true
		}
	}

	var (
		group    errgroup.Group
		mu       sync.Mutex
		failures []*contentFailure
	)
	group.SetLimit(limit)
	for _, hash := range lo.Keys(firstClock) {
		hash := hash
		group.Go(func() error {
			var err error
			if directories[hash] {
				err = store.EnsureDirectory(hash)
			} else {
				err = store.FetchAndStore(ctx, hash, gateways)
			}
			if err != nil {
				mu.Lock()
				failures = append(failures, &contentFailure{clock: firstClock[hash], err: err})
				mu.Unlock()
			}
			return nil
		})
	}
	_ = group.Wait()

	if len(failures) == 0 {
		return nil
	}
	return lo.MinBy(failures, func(a, b *contentFailure) bool { return a.clock < b.clock })
}

// validateExport checks that the export continues local history at localClock.
func validateExport(exported export.ExportedUser, localClock int64) error {
	if exported.ClockInfo.LocalClockMax < localClock {
		return fmt.Errorf("%w: remote clock %d is behind local clock %d", ErrInvalidExport, exported.ClockInfo.LocalClockMax, localClock)
	}
	if exported.Clock < localClock {
		return fmt.Errorf("%w: export clock %d is behind local clock %d", ErrInvalidExport, exported.Clock, localClock)
	}
	records := exported.ClockRecords
	if len(records) == 0 {
		if exported.Clock != localClock {
			return fmt.Errorf("%w: export clock %d carries no clock records", ErrInvalidExport, exported.Clock)
		}
		return nil
	}
	if records[0].Clock != localClock+1 {
		return fmt.Errorf("%w: first clock record %d, expected %d", ErrInvalidExport, records[0].Clock, localClock+1)
	}
	if last := records[len(records)-1].Clock; last != exported.Clock {
		return fmt.Errorf("%w: last clock record %d does not match export clock %d", ErrInvalidExport, last, exported.Clock)
	}
	for index := 1; index < len(records); index++ {
		if records[index].Clock != records[index-1].Clock+1 {
			return fmt.Errorf("%w: clock records jump from %d to %d", ErrInvalidExport, records[index-1].Clock, records[index].Clock)
		}
	}
	return nil
}

// gatewaysFor lists where a remote user's content may be found, the remote node first.
func gatewaysFor(remote, self string, replicaPeers []string) []string {
	candidates := append([]string{remote}, replicaPeers...)
	candidates = lo.Map(candidates, func(endpoint string, _ int) string {
		return normalizeEndpoint(endpoint)
	})
	return lo.Without(lo.Uniq(lo.Compact(candidates)), normalizeEndpoint(self))
}

func normalizeEndpoint(endpoint string) string {
	return strings.TrimRight(strings.TrimSpace(endpoint), "/")
}
