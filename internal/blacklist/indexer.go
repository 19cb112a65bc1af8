package blacklist

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

var errMissingIndexerEndpoint = errors.New("blacklist: indexer endpoint is required")

// ExistenceIndex reports which user and track ids the network knows about.
type ExistenceIndex interface {
	ExistingUserIDs(ctx context.Context, ids []int64) ([]int64, error)
	ExistingTrackIDs(ctx context.Context, ids []int64) ([]int64, error)
}

// IndexerClient answers existence queries from the discovery indexer's HTTP API.
type IndexerClient struct {
	http     *resty.Client
	endpoint string
}

// NewIndexerClient constructs an IndexerClient for endpoint.
func NewIndexerClient(endpoint string, timeout time.Duration, httpClient *http.Client) (*IndexerClient, error) {
	endpoint = strings.TrimRight(strings.TrimSpace(endpoint), "/")
	if endpoint == "" {
		return nil, errMissingIndexerEndpoint
	}
	client := resty.New()
	if httpClient != nil {
		client = resty.NewWithClient(httpClient)
	}
	if timeout > 0 {
		client.SetTimeout(timeout)
	}
	return &IndexerClient{http: client, endpoint: endpoint}, nil
}

// ExistingUserIDs returns the subset of ids present in the indexer.
func (c *IndexerClient) ExistingUserIDs(ctx context.Context, ids []int64) ([]int64, error) {
	return c.lookup(ctx, "/users", "data.#.user_id", ids)
}

// ExistingTrackIDs returns the subset of ids present in the indexer.
func (c *IndexerClient) ExistingTrackIDs(ctx context.Context, ids []int64) ([]int64, error) {
	return c.lookup(ctx, "/tracks", "data.#.track_id", ids)
}

func (c *IndexerClient) lookup(ctx context.Context, path, field string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := url.Values{}
	for _, id := range ids {
		query.Add("id", strconv.FormatInt(id, 10))
	}
	response, err := c.http.R().
		SetContext(ctx).
		SetQueryParamsFromValues(query).
		Get(c.endpoint + path)
	if err != nil {
		return nil, fmt.Errorf("blacklist: indexer %s: %w", path, err)
	}
	if response.IsError() {
		return nil, fmt.Errorf("blacklist: indexer %s returned %d", path, response.StatusCode())
	}

	result := gjson.GetBytes(response.Body(), field)
	found := make([]int64, 0, len(ids))
	for _, value := range result.Array() {
		found = append(found, value.Int())
	}
	return found, nil
}
