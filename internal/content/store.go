package content

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/metrics"
	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"go.uber.org/zap"
)

const (
	defaultPeerTimeout = 5 * time.Second
	filesDirectory     = "files"
	shardWidth         = 3
)

var (
	// ErrInvalidHash indicates a string that is not a content identifier.
	ErrInvalidHash = errors.New("content: invalid hash")
	// ErrNotFound indicates that no source could serve the hash.
	ErrNotFound = errors.New("content: not found")
	// ErrIsDirectory indicates that the hash names a directory rather than a blob.
	ErrIsDirectory = errors.New("content: hash is a directory")
	// ErrHashMismatch indicates fetched bytes that do not hash to the requested identifier.
	ErrHashMismatch = errors.New("content: hash mismatch")

	errMissingStoragePath = errors.New("content: storage path is required")

	rawPrefix = cid.Prefix{Version: 1, Codec: cid.Raw, MhType: mh.SHA2_256, MhLength: -1}
)

// PeerFetcher reads a blob held on a peer's disk.
type PeerFetcher interface {
	FetchContent(ctx context.Context, endpoint, multihash string) ([]byte, error)
}

// PublicNetwork reads a blob from the wider content-addressed network.
type PublicNetwork interface {
	Cat(ctx context.Context, multihash string) ([]byte, error)
}

// FileIndex resolves which File row references a hash.
type FileIndex interface {
	FileByMultihash(ctx context.Context, multihash string) (ledger.File, error)
}

// Config wires the store.
type Config struct {
	StoragePath    string
	ReplicaPeers   []string
	Fetcher        PeerFetcher
	Files          FileIndex
	Public         PublicNetwork
	PublicFallback bool
	PeerTimeout    time.Duration
	Metrics        *metrics.Collectors
	Logger         *zap.Logger
}

// Store keeps blobs on a sharded local disk and resolves misses from peers.
type Store struct {
	root           string
	replicaPeers   []string
	fetcher        PeerFetcher
	files          FileIndex
	public         PublicNetwork
	publicFallback bool
	peerTimeout    time.Duration
	metrics        *metrics.Collectors
	logger         *zap.Logger
}

// NewStore creates the storage root when missing.
func NewStore(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.StoragePath) == "" {
		return nil, errMissingStoragePath
	}
	root := filepath.Join(cfg.StoragePath, filesDirectory)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("content: create storage root: %w", err)
	}
	timeout := cfg.PeerTimeout
	if timeout <= 0 {
		timeout = defaultPeerTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		root:           root,
		replicaPeers:   append([]string(nil), cfg.ReplicaPeers...),
		fetcher:        cfg.Fetcher,
		files:          cfg.Files,
		public:         cfg.Public,
		publicFallback: cfg.PublicFallback && cfg.Public != nil,
		peerTimeout:    timeout,
		metrics:        cfg.Metrics,
		logger:         logger,
	}, nil
}

// ValidateHash reports whether the string parses as a content identifier.
func ValidateHash(multihash string) error {
	if _, err := cid.Decode(strings.TrimSpace(multihash)); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidHash, multihash)
	}
	return nil
}

// PathFor returns <root>/<shard>/<hash>, where the shard is the three characters before the last one.
func (s *Store) PathFor(multihash string) string {
	shard := multihash
	if len(multihash) > shardWidth {
		shard = multihash[len(multihash)-shardWidth-1 : len(multihash)-1]
	}
	return filepath.Join(s.root, shard, multihash)
}

// GetContent resolves a hash from local disk, then replica peers, then the public network.
func (s *Store) GetContent(ctx context.Context, multihash string) ([]byte, error) {
	if err := ValidateHash(multihash); err != nil {
		return nil, err
	}

	data, err := s.readLocal(multihash)
	if err == nil {
		s.metrics.ContentResolved(metrics.SourceLocal)
		return data, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if s.files != nil {
		file, lookupErr := s.files.FileByMultihash(ctx, multihash)
		switch {
		case lookupErr == nil && file.Type == ledger.FileTypeDirectory:
			return nil, fmt.Errorf("%w: %s", ErrIsDirectory, multihash)
		case lookupErr == nil:
			if data, err := s.race(ctx, s.replicaPeers, multihash); err == nil {
				s.metrics.ContentResolved(metrics.SourcePeer)
				if writeErr := s.write(multihash, data); writeErr != nil {
					s.logger.Warn("failed to persist peer content", zap.String("multihash", multihash), zap.Error(writeErr))
				}
				return data, nil
			}
		case !errors.Is(lookupErr, ledger.ErrFileNotFound):
			return nil, lookupErr
		}
	}

	if s.publicFallback {
		data, err := s.public.Cat(ctx, multihash)
		if errors.Is(err, ErrIsDirectory) {
			return nil, err
		}
		if err == nil {
			err = verify(multihash, data)
		}
		if err == nil {
			s.metrics.ContentResolved(metrics.SourcePublic)
			return data, nil
		}
		s.logger.Debug("public network miss", zap.String("multihash", multihash), zap.Error(err))
	}

	s.metrics.ContentResolved(metrics.SourceMiss)
	return nil, fmt.Errorf("%w: %s", ErrNotFound, multihash)
}

// LocalContent reads a hash from local disk only.
func (s *Store) LocalContent(_ context.Context, multihash string) ([]byte, error) {
	if err := ValidateHash(multihash); err != nil {
		return nil, err
	}
	return s.readLocal(multihash)
}

// HasLocal reports whether the hash is already present on disk, as a blob or directory.
func (s *Store) HasLocal(multihash string) bool {
	_, err := os.Stat(s.PathFor(multihash))
	return err == nil
}

// FetchAndStore makes the hash available locally, racing the gateways before the public network.
func (s *Store) FetchAndStore(ctx context.Context, multihash string, gateways []string) error {
	if err := ValidateHash(multihash); err != nil {
		return err
	}
	if s.HasLocal(multihash) {
		return nil
	}

	data, err := s.race(ctx, gateways, multihash)
	if err != nil && s.publicFallback {
		publicData, publicErr := s.public.Cat(ctx, multihash)
		if publicErr == nil {
			publicErr = verify(multihash, publicData)
		}
		if publicErr == nil {
			data, err = publicData, nil
		} else {
			err = errors.Join(err, publicErr)
		}
	}
	if err != nil {
		return err
	}
	return s.write(multihash, data)
}

// EnsureDirectory records a directory hash on disk.
func (s *Store) EnsureDirectory(multihash string) error {
	if err := ValidateHash(multihash); err != nil {
		return err
	}
	return os.MkdirAll(s.PathFor(multihash), 0o755)
}

// Put stores data under its CIDv1 (raw, sha2-256) and returns the identifier.
func (s *Store) Put(_ context.Context, data []byte) (string, error) {
	identifier, err := rawPrefix.Sum(data)
	if err != nil {
		return "", fmt.Errorf("content: hash: %w", err)
	}
	multihash := identifier.String()
	if s.HasLocal(multihash) {
		return multihash, nil
	}
	if err := s.write(multihash, data); err != nil {
		return "", err
	}
	return multihash, nil
}

func (s *Store) readLocal(multihash string) ([]byte, error) {
	path := s.PathFor(multihash)
	info, err := os.Stat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, multihash)
	}
	if err != nil {
		return nil, fmt.Errorf("content: stat %s: %w", multihash, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, multihash)
	}
	return os.ReadFile(path)
}

func (s *Store) write(multihash string, data []byte) error {
	path := s.PathFor(multihash)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("content: create shard: %w", err)
	}
	temp, err := os.CreateTemp(filepath.Dir(path), ".incoming-*")
	if err != nil {
		return fmt.Errorf("content: create temp file: %w", err)
	}
	defer os.Remove(temp.Name()) //nolint:errcheck
	if _, err := temp.Write(data); err != nil {
		temp.Close() //nolint:errcheck
		return fmt.Errorf("content: write %s: %w", multihash, err)
	}
	if err := temp.Close(); err != nil {
		return fmt.Errorf("content: close %s: %w", multihash, err)
	}
	if err := os.Rename(temp.Name(), path); err != nil {
		return fmt.Errorf("content: rename %s: %w", multihash, err)
	}
	return nil
}

// verify checks raw-codec identifiers against the bytes; chunked DAG identifiers cannot be checked from the bytes alone.
func verify(multihash string, data []byte) error {
	expected, err := cid.Decode(multihash)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidHash, multihash)
	}
	prefix := expected.Prefix()
	if prefix.Codec != cid.Raw {
		return nil
	}
	actual, err := prefix.Sum(data)
	if err != nil {
		return fmt.Errorf("content: hash: %w", err)
	}
	if !actual.Equals(expected) {
		return fmt.Errorf("%w: %s", ErrHashMismatch, multihash)
	}
	return nil
}
