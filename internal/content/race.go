package content

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

type raceOutcome struct {
	endpoint string
	data     []byte
	err      error
}

// race asks every endpoint at once and returns the first verified response.
// Returning cancels the outstanding requests.
func (s *Store) race(ctx context.Context, endpoints []string, multihash string) ([]byte, error) {
	if s.fetcher == nil || len(endpoints) == 0 {
		return nil, fmt.Errorf("%w: %s: no peers to ask", ErrNotFound, multihash)
	}

	raceCtx, cancel := context.WithTimeout(ctx, s.peerTimeout)
	defer cancel()

	outcomes := make(chan raceOutcome, len(endpoints))
	for _, endpoint := range endpoints {
		go func(endpoint string) {
			data, err := s.fetcher.FetchContent(raceCtx, endpoint, multihash)
			if err == nil {
				err = verify(multihash, data)
			}
			outcomes <- raceOutcome{endpoint: endpoint, data: data, err: err}
		}(endpoint)
	}

	var failures []error
	for range endpoints {
		outcome := <-outcomes
		if outcome.err == nil {
			s.logger.Debug("content served by peer",
				zap.String("multihash", multihash),
				zap.String("endpoint", outcome.endpoint))
			return outcome.data, nil
		}
		failures = append(failures, fmt.Errorf("%s: %w", outcome.endpoint, outcome.err))
	}
	return nil, fmt.Errorf("%w: %s: %w", ErrNotFound, multihash, errors.Join(failures...))
}
