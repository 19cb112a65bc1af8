package blacklist

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/content"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/metrics"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase      = errors.New("blacklist: database handle is required")
	errMissingAuthenticator = errors.New("blacklist: authenticator is required")
	errMissingTrackContent  = errors.New("blacklist: track content index is required")
)

// TrackContent links tracks to the content hashes stamped with their blockchain id.
type TrackContent interface {
	MultihashesForTrack(ctx context.Context, trackID int64) ([]string, error)
	TrackIDsForMultihash(ctx context.Context, multihash string) ([]int64, error)
}

// Config wires the Manager.
type Config struct {
	Database      *gorm.DB
	Authenticator *Authenticator
	Tracks        TrackContent
	Existence     ExistenceIndex
	CIDWhitelist  []string
	Clock         func() time.Time
	Metrics       *metrics.Collectors
	Logger        *zap.Logger
}

// Outcome reports which values a mutation changed.
type Outcome struct {
	Type    EntryType `json:"type"`
	Applied []string  `json:"applied"`
	Ignored []string  `json:"ignored"`
}

// Listing is the current blacklist contents.
type Listing struct {
	UserIDs            []int64  `json:"userIds"`
	TrackIDs           []int64  `json:"trackIds"`
	IndividualSegments []string `json:"individualSegments"`
}

type snapshot struct {
	users         map[int64]struct{}
	tracks        map[int64]struct{}
	cids          map[string]struct{}
	segmentTracks map[string][]int64
}

func emptySnapshot() *snapshot {
	return &snapshot{
		users:         map[int64]struct{}{},
		tracks:        map[int64]struct{}{},
		cids:          map[string]struct{}{},
		segmentTracks: map[string][]int64{},
	}
}

// Manager persists blacklist entries and answers servability questions from an in-memory index.
type Manager struct {
	db        *gorm.DB
	auth      *Authenticator
	tracks    TrackContent
	existence ExistenceIndex
	whitelist map[string]struct{}
	clock     func() time.Time
	metrics   *metrics.Collectors
	logger    *zap.Logger

	mutex   sync.Mutex
	indexMu sync.RWMutex
	index   *snapshot
}

// NewManager constructs a Manager with an empty index; call Init to load persisted entries.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.Authenticator == nil {
		return nil, errMissingAuthenticator
	}
	if cfg.Tracks == nil {
		return nil, errMissingTrackContent
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	whitelist := lo.SliceToMap(cfg.CIDWhitelist, func(hash string) (string, struct{}) {
		return strings.TrimSpace(hash), struct{}{}
	})
	return &Manager{
		db:        cfg.Database,
		auth:      cfg.Authenticator,
		tracks:    cfg.Tracks,
		existence: cfg.Existence,
		whitelist: whitelist,
		clock:     clock,
		metrics:   cfg.Metrics,
		logger:    logger,
		index:     emptySnapshot(),
	}, nil
}

// Init rebuilds the in-memory index from the persisted entries.
func (m *Manager) Init(ctx context.Context) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.rebuild(ctx)
}

// Add verifies the mutation and persists its values. Ids unknown to the indexer are ignored.
func (m *Manager) Add(ctx context.Context, mutation Mutation) (Outcome, error) {
	entryType, values, err := m.prepare(mutation)
	if err != nil {
		return Outcome{}, err
	}

	applied, err := m.filterExisting(ctx, entryType, values)
	if err != nil {
		return Outcome{}, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	if len(applied) > 0 {
		now := m.clock().UTC().Unix()
		entries := lo.Map(applied, func(value string, _ int) Entry {
			return Entry{Type: entryType, Value: value, CreatedAtSeconds: now}
		})
		err := m.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&entries).Error
		if err != nil {
			return Outcome{}, fmt.Errorf("blacklist: insert entries: %w", err)
		}
		if err := m.rebuild(ctx); err != nil {
			return Outcome{}, err
		}
	}

	outcome := Outcome{Type: entryType, Applied: applied, Ignored: lo.Without(values, applied...)}
	m.logger.Info("blacklist entries added",
		zap.String("type", string(entryType)),
		zap.Strings("applied", outcome.Applied),
		zap.Strings("ignored", outcome.Ignored))
	return outcome, nil
}

// Remove verifies the mutation and deletes its values. Values not on the list are ignored.
func (m *Manager) Remove(ctx context.Context, mutation Mutation) (Outcome, error) {
	entryType, values, err := m.prepare(mutation)
	if err != nil {
		return Outcome{}, err
	}

	m.mutex.Lock()
	defer m.mutex.Unlock()

	var present []string
	err = m.db.WithContext(ctx).
		Model(&Entry{}).
		Where("type = ? AND value IN ?", entryType, values).
		Pluck("value", &present).Error
	if err != nil {
		return Outcome{}, fmt.Errorf("blacklist: query entries: %w", err)
	}
	if len(present) > 0 {
		err := m.db.WithContext(ctx).
			Where("type = ? AND value IN ?", entryType, present).
			Delete(&Entry{}).Error
		if err != nil {
			return Outcome{}, fmt.Errorf("blacklist: delete entries: %w", err)
		}
		if err := m.rebuild(ctx); err != nil {
			return Outcome{}, err
		}
	}

	outcome := Outcome{Type: entryType, Applied: present, Ignored: lo.Without(values, present...)}
	m.logger.Info("blacklist entries removed",
		zap.String("type", string(entryType)),
		zap.Strings("applied", outcome.Applied))
	return outcome, nil
}

// IsBlacklisted reports whether the value is listed under the entry type. A CID is
// listed when it has its own entry or belongs to a blacklisted track.
func (m *Manager) IsBlacklisted(entryType EntryType, value string) bool {
	index := m.current()
	switch entryType {
	case EntryTypeCID:
		_, listed := index.cids[value]
		return listed || len(index.segmentTracks[value]) > 0
	case EntryTypeUser, EntryTypeTrack:
		id, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return false
		}
		set := index.users
		if entryType == EntryTypeTrack {
			set = index.tracks
		}
		_, listed := set[id]
		return listed
	}
	return false
}

// IsServable decides whether the hash may be streamed. A hash owned by a blacklisted
// track stays servable only when the caller names a non-blacklisted track that also owns it.
func (m *Manager) IsServable(ctx context.Context, multihash string, trackID *int64) (bool, error) {
	if _, whitelisted := m.whitelist[multihash]; whitelisted {
		return true, nil
	}
	index := m.current()
	if _, listed := index.cids[multihash]; listed {
		m.metrics.BlacklistDenied()
		return false, nil
	}
	if len(index.tracks) == 0 {
		return true, nil
	}

	owners, err := m.tracks.TrackIDsForMultihash(ctx, multihash)
	if err != nil {
		return false, fmt.Errorf("blacklist: owners of %s: %w", multihash, err)
	}
	blocked := lo.Uniq(append(
		lo.Filter(owners, func(id int64, _ int) bool {
			_, listed := index.tracks[id]
			return listed
		}),
		index.segmentTracks[multihash]...,
	))
	if len(blocked) == 0 {
		return true, nil
	}

	servable := trackID != nil &&
		!lo.Contains(blocked, *trackID) &&
		lo.Contains(owners, *trackID)
	if !servable {
		m.metrics.BlacklistDenied()
	}
	return servable, nil
}

// List returns the current entries in ascending order.
func (m *Manager) List() Listing {
	index := m.current()
	listing := Listing{
		UserIDs:            lo.Keys(index.users),
		TrackIDs:           lo.Keys(index.tracks),
		IndividualSegments: lo.Keys(index.cids),
	}
	slices.Sort(listing.UserIDs)
	slices.Sort(listing.TrackIDs)
	slices.Sort(listing.IndividualSegments)
	return listing
}

func (m *Manager) current() *snapshot {
	m.indexMu.RLock()
	defer m.indexMu.RUnlock()
	return m.index
}

func (m *Manager) prepare(mutation Mutation) (EntryType, []string, error) {
	entryType, err := NewEntryType(mutation.Type)
	if err != nil {
		return "", nil, err
	}
	if err := m.auth.Verify(mutation); err != nil {
		return "", nil, err
	}

	values := lo.Uniq(lo.Map(mutation.Values, func(value string, _ int) string {
		return strings.TrimSpace(value)
	}))
	if len(values) == 0 {
		return "", nil, fmt.Errorf("%w: no values", ErrInvalidValues)
	}
	for _, value := range values {
		if entryType == EntryTypeCID {
			if err := content.ValidateHash(value); err != nil {
				return "", nil, fmt.Errorf("%w: %v", ErrInvalidValues, err)
			}
			continue
		}
		if _, err := strconv.ParseInt(value, 10, 64); err != nil {
			return "", nil, fmt.Errorf("%w: %q is not an id", ErrInvalidValues, value)
		}
	}
	return entryType, values, nil
}

func (m *Manager) filterExisting(ctx context.Context, entryType EntryType, values []string) ([]string, error) {
	if entryType == EntryTypeCID || m.existence == nil {
		return values, nil
	}
	ids := lo.Map(values, func(value string, _ int) int64 {
		id, _ := strconv.ParseInt(value, 10, 64)
		return id
	})

	var (
		known []int64
		err   error
	)
	if entryType == EntryTypeUser {
		known, err = m.existence.ExistingUserIDs(ctx, ids)
	} else {
		known, err = m.existence.ExistingTrackIDs(ctx, ids)
	}
	if err != nil {
		return nil, err
	}
	return lo.FilterMap(ids, func(id int64, _ int) (string, bool) {
		return strconv.FormatInt(id, 10), lo.Contains(known, id)
	}), nil
}

// rebuild must be called with m.mutex held.
func (m *Manager) rebuild(ctx context.Context) error {
	var entries []Entry
	if err := m.db.WithContext(ctx).Order("entry_id").Find(&entries).Error; err != nil {
		return fmt.Errorf("blacklist: load entries: %w", err)
	}

	next := emptySnapshot()
	for _, entry := range entries {
		if entry.Type == EntryTypeCID {
			next.cids[entry.Value] = struct{}{}
			continue
		}
		id, err := strconv.ParseInt(entry.Value, 10, 64)
		if err != nil {
			m.logger.Warn("skipping malformed blacklist entry",
				zap.Int64("entry_id", entry.EntryID), zap.String("value", entry.Value))
			continue
		}
		if entry.Type == EntryTypeUser {
			next.users[id] = struct{}{}
			continue
		}
		next.tracks[id] = struct{}{}
		hashes, err := m.tracks.MultihashesForTrack(ctx, id)
		if err != nil {
			return fmt.Errorf("blacklist: content of track %d: %w", id, err)
		}
		for _, hash := range hashes {
			next.segmentTracks[hash] = append(next.segmentTracks[hash], id)
		}
	}

	m.indexMu.Lock()
	m.index = next
	m.indexMu.Unlock()
	return nil
}
