package peer

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/export"
	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/ledger"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrNotFound indicates that the peer does not hold the requested item.
	ErrNotFound = errors.New("peer: not found")
	// ErrUnexpectedStatus indicates a non-success response from the peer.
	ErrUnexpectedStatus = errors.New("peer: unexpected status")
	errMissingTokens    = errors.New("peer: token source is required")
	errMissingEndpoint  = errors.New("peer: endpoint is required")
)

// TokenSource mints the bearer token presented to peers.
type TokenSource interface {
	IssuePeerToken(nodeEndpoint string) (string, error)
}

// Config wires the peer client.
type Config struct {
	SelfEndpoint string
	Tokens       TokenSource
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// Client talks to the other nodes of a replica set.
type Client struct {
	http   *resty.Client
	self   string
	tokens TokenSource
	logger *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.Tokens == nil {
		return nil, errMissingTokens
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	httpClient := resty.New()
	if cfg.HTTPClient != nil {
		httpClient = resty.NewWithClient(cfg.HTTPClient)
	}
	httpClient.SetTimeout(timeout).SetHeader("User-Agent", "content-node")

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		http:   httpClient,
		self:   strings.TrimRight(cfg.SelfEndpoint, "/"),
		tokens: cfg.Tokens,
		logger: logger,
	}, nil
}

// SelfEndpoint returns the endpoint this node advertises to peers.
func (c *Client) SelfEndpoint() string {
	return c.self
}

type exportEnvelope struct {
	Data export.Result `json:"data"`
}

// FetchExport requests one page of the wallet's history from the peer.
// The boolean is false when the peer does not know the wallet.
func (c *Client) FetchExport(ctx context.Context, endpoint string, wallet ledger.WalletAddress, clockRangeMin int64) (export.ExportedUser, bool, error) {
	request, err := c.request(ctx, endpoint)
	if err != nil {
		return export.ExportedUser{}, false, err
	}

	var envelope exportEnvelope
	response, err := request.
		SetQueryParam("wallet_public_key", wallet.String()).
		SetQueryParam("clock_range_min", strconv.FormatInt(clockRangeMin, 10)).
		SetResult(&envelope).
		Get(join(endpoint, "/export"))
	if err != nil {
		return export.ExportedUser{}, false, fmt.Errorf("peer: export request to %s: %w", endpoint, err)
	}
	if response.IsError() {
		return export.ExportedUser{}, false, statusError(endpoint, response)
	}

	user, ok := envelope.Data.Find(wallet)
	return user, ok, nil
}

// FetchContent reads a blob the peer holds on its own disk.
func (c *Client) FetchContent(ctx context.Context, endpoint, multihash string) ([]byte, error) {
	request, err := c.request(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	response, err := request.
		SetPathParam("hash", multihash).
		Get(join(endpoint, "/internal/lookup/{hash}"))
	if err != nil {
		return nil, fmt.Errorf("peer: lookup %s on %s: %w", multihash, endpoint, err)
	}
	if response.StatusCode() == http.StatusNotFound {
		return nil, fmt.Errorf("%w: %s on %s", ErrNotFound, multihash, endpoint)
	}
	if response.IsError() {
		return nil, statusError(endpoint, response)
	}
	return response.Body(), nil
}

// SyncTrigger asks a secondary to pull wallets from this node.
type SyncTrigger struct {
	Wallets             []string `json:"wallet"`
	CreatorNodeEndpoint string   `json:"creator_node_endpoint"`
	Immediate           bool     `json:"immediate,omitempty"`
	ForceResync         bool     `json:"forceResync,omitempty"`
	BlockNumber         *int64   `json:"blockNumber,omitempty"`
}

// TriggerSync posts a sync request to the secondary at endpoint.
func (c *Client) TriggerSync(ctx context.Context, endpoint string, trigger SyncTrigger) error {
	if trigger.CreatorNodeEndpoint == "" {
		trigger.CreatorNodeEndpoint = c.self
	}
	request, err := c.request(ctx, endpoint)
	if err != nil {
		return err
	}
	response, err := request.SetBody(trigger).Post(join(endpoint, "/sync"))
	if err != nil {
		return fmt.Errorf("peer: sync request to %s: %w", endpoint, err)
	}
	if response.IsError() {
		return statusError(endpoint, response)
	}
	c.logger.Debug("sync triggered",
		zap.String("endpoint", endpoint),
		zap.Strings("wallets", trigger.Wallets))
	return nil
}

func (c *Client) request(ctx context.Context, endpoint string) (*resty.Request, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, errMissingEndpoint
	}
	token, err := c.tokens.IssuePeerToken(c.self)
	if err != nil {
		return nil, fmt.Errorf("peer: issue token: %w", err)
	}
	return c.http.R().SetContext(ctx).SetAuthToken(token), nil
}

func join(endpoint, path string) string {
	return strings.TrimRight(endpoint, "/") + path
}

func statusError(endpoint string, response *resty.Response) error {
	body := strings.TrimSpace(response.String())
	if len(body) > 256 {
		body = body[:256]
	}
	return fmt.Errorf("%w: %s returned %d: %s", ErrUnexpectedStatus, endpoint, response.StatusCode(), body)
}
