package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/blacklist"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/content"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/export"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/replication"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/uploads"
)

type stubTokens struct {
	peers       map[string]string
	writers     map[string]string
	validateErr error
}

func (s stubTokens) ValidatePeerToken(token string) (string, error) {
	return s.lookup(s.peers, token)
}

func (s stubTokens) ValidateWriterToken(token string) (string, error) {
	return s.lookup(s.writers, token)
}

func (s stubTokens) lookup(subjects map[string]string, token string) (string, error) {
	if s.validateErr != nil {
		return "", s.validateErr
	}
	subject, ok := subjects[token]
	if !ok {
		return "", auth.ErrInvalidToken
	}
	return subject, nil
}

type stubExporter struct {
	result        export.Result
	err           error
	clockRangeMin int64
	wallets       []ledger.WalletAddress
}

func (s *stubExporter) Export(_ context.Context, wallets []ledger.WalletAddress, clockRangeMin int64) (export.Result, error) {
	s.wallets = wallets
	s.clockRangeMin = clockRangeMin
	return s.result, s.err
}

type stubCoordinator struct {
	mu        sync.Mutex
	enqueued  []replication.Job
	submitted []replication.Job
	respond   func(replication.Job) replication.JobResult
}

func (s *stubCoordinator) Submit(job replication.Job) <-chan replication.JobResult {
	s.mu.Lock()
	s.submitted = append(s.submitted, job)
	s.mu.Unlock()
	results := make(chan replication.JobResult, 1)
	results <- s.respond(job)
	return results
}

func (s *stubCoordinator) Enqueue(job replication.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enqueued = append(s.enqueued, job)
}

type stubContent struct {
	blobs map[string][]byte
	local map[string][]byte
}

func (s stubContent) GetContent(_ context.Context, multihash string) ([]byte, error) {
	if err := content.ValidateHash(multihash); err != nil {
		return nil, err
	}
	data, ok := s.blobs[multihash]
	if !ok {
		return nil, content.ErrNotFound
	}
	return data, nil
}

func (s stubContent) LocalContent(_ context.Context, multihash string) ([]byte, error) {
	data, ok := s.local[multihash]
	if !ok {
		return nil, content.ErrNotFound
	}
	return data, nil
}

type stubBlacklist struct {
	blocked  map[string]bool
	mutation blacklist.Mutation
	err      error
}

func (s *stubBlacklist) Add(_ context.Context, mutation blacklist.Mutation) (blacklist.Outcome, error) {
	s.mutation = mutation
	if s.err != nil {
		return blacklist.Outcome{}, s.err
	}
	return blacklist.Outcome{Type: blacklist.EntryType(mutation.Type), Applied: mutation.Values, Ignored: []string{}}, nil
}

func (s *stubBlacklist) Remove(_ context.Context, mutation blacklist.Mutation) (blacklist.Outcome, error) {
	return s.Add(context.Background(), mutation)
}

func (s *stubBlacklist) List() blacklist.Listing {
	return blacklist.Listing{UserIDs: []int64{}, TrackIDs: []int64{1}, IndividualSegments: []string{}}
}

func (s *stubBlacklist) IsServable(_ context.Context, multihash string, _ *int64) (bool, error) {
	return !s.blocked[multihash], nil
}

type stubUploads struct {
	signedUp []ledger.WalletAddress
	images   map[string][]byte
	err      error
}

func (s *stubUploads) Signup(_ context.Context, wallet ledger.WalletAddress) (ledger.CNodeUser, error) {
	s.signedUp = append(s.signedUp, wallet)
	return ledger.CNodeUser{CNodeUserID: "user-1", WalletPublicKey: wallet.String()}, s.err
}

func (s *stubUploads) UploadImage(_ context.Context, _ ledger.WalletAddress, fileName string, data []byte) (ledger.File, error) {
	if s.err != nil {
		return ledger.File{}, s.err
	}
	if s.images == nil {
		s.images = map[string][]byte{}
	}
	s.images[fileName] = data
	return ledger.File{FileID: "file-1", Clock: 1, Type: ledger.FileTypeImage}, nil
}

func (s *stubUploads) UpdateProfile(context.Context, ledger.WalletAddress, uploads.ProfileUpdate) (ledger.AudiusUser, error) {
	return ledger.AudiusUser{}, s.err
}

func (s *stubUploads) UploadTrackContent(context.Context, ledger.WalletAddress, string, []byte) (uploads.TrackContent, error) {
	return uploads.TrackContent{}, s.err
}

func (s *stubUploads) CreateTrack(context.Context, ledger.WalletAddress, uploads.TrackCreate) (ledger.Track, error) {
	return ledger.Track{}, s.err
}
