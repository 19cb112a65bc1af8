// Package transcode hands uploaded tracks to other nodes for transcoding and segmenting.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/contentnode/backend/internal/retry"
	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
)

const (
	statusDone       = "DONE"
	statusFailed     = "FAILED"
	statusInProgress = "IN_PROGRESS"

	defaultPollAttempts = 50
	defaultPollMinDelay = time.Second
	defaultPollMaxDelay = 5 * time.Second
	defaultTimeout      = 60 * time.Second
)

var (
	errJobPending    = errors.New("transcode: job pending")
	errJobFailed     = errors.New("transcode: job failed")
	errMissingOutput = errors.New("transcode: missing outputs")
)

// Request is an uploaded audio file awaiting transcoding.
type Request struct {
	FileName string
	Data     []byte
}

// Segment is one stream segment produced by a transcode job.
type Segment struct {
	Name string
	Data []byte
}

// Result holds the outputs of a successful hand-off. The zero value means no node succeeded.
type Result struct {
	Node      string
	Segments  []Segment
	Transcode []byte
}

// Empty reports whether the hand-off produced nothing.
func (r Result) Empty() bool {
	return len(r.Segments) == 0 && len(r.Transcode) == 0
}

// Delegator produces transcoded outputs for an upload.
type Delegator interface {
	HandOff(ctx context.Context, request Request) Result
}

// TokenSource mints the bearer token presented to candidate nodes.
type TokenSource interface {
	IssuePeerToken(nodeEndpoint string) (string, error)
}

// Config wires the HTTP delegator.
type Config struct {
	Candidates   []string
	SelfEndpoint string
	Tokens       TokenSource
	PollAttempts uint
	PollMinDelay time.Duration
	PollMaxDelay time.Duration
	Timeout      time.Duration
	HTTPClient   *http.Client
	Logger       *zap.Logger
}

// HTTPDelegator submits jobs to candidate nodes over their transcode API.
type HTTPDelegator struct {
	http       *resty.Client
	candidates []string
	self       string
	tokens     TokenSource
	poll       retry.Policy
	logger     *zap.Logger
}

// NewHTTPDelegator constructs an HTTPDelegator.
func NewHTTPDelegator(cfg Config) *HTTPDelegator {
	client := resty.New()
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client.SetTimeout(timeout)

	poll := retry.Policy{MaxAttempts: cfg.PollAttempts, Backoff: cfg.PollMinDelay, MaxBackoff: cfg.PollMaxDelay}
	if poll.MaxAttempts == 0 {
		poll.MaxAttempts = defaultPollAttempts
	}
	if poll.Backoff <= 0 {
		poll.Backoff = defaultPollMinDelay
	}
	if poll.MaxBackoff <= 0 {
		poll.MaxBackoff = defaultPollMaxDelay
	}

	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	candidates := make([]string, 0, len(cfg.Candidates))
	for _, candidate := range cfg.Candidates {
		candidate = strings.TrimRight(strings.TrimSpace(candidate), "/")
		if candidate != "" && candidate != strings.TrimRight(cfg.SelfEndpoint, "/") {
			candidates = append(candidates, candidate)
		}
	}
	return &HTTPDelegator{
		http:       client,
		candidates: candidates,
		self:       strings.TrimRight(cfg.SelfEndpoint, "/"),
		tokens:     cfg.Tokens,
		poll:       poll,
		logger:     logger,
	}
}

// HandOff tries each candidate in order and returns the first complete set of outputs.
func (d *HTTPDelegator) HandOff(ctx context.Context, request Request) Result {
	for _, node := range d.candidates {
		result, err := d.handOffTo(ctx, node, request)
		if err == nil {
			d.logger.Info("transcode hand-off succeeded",
				zap.String("node", node),
				zap.String("file_name", request.FileName),
				zap.Int("segments", len(result.Segments)))
			return result
		}
		d.logger.Warn("transcode hand-off failed",
			zap.String("node", node),
			zap.String("file_name", request.FileName),
			zap.Error(err))
		if ctx.Err() != nil {
			break
		}
	}
	return Result{}
}

func (d *HTTPDelegator) handOffTo(ctx context.Context, node string, request Request) (Result, error) {
	jobID, err := d.submit(ctx, node, request)
	if err != nil {
		return Result{}, err
	}

	var outputs gjson.Result
	_, err = retry.Do(ctx, d.poll, func(ctx context.Context) error {
		var pollErr error
		outputs, pollErr = d.status(ctx, node, jobID)
		return pollErr
	})
	if err != nil {
		return Result{}, err
	}

	segmentNames := outputs.Get("segmentFileNames").Array()
	if len(segmentNames) == 0 {
		return Result{}, fmt.Errorf("%w: no segments for job %s", errMissingOutput, jobID)
	}
	result := Result{Node: node}
	for _, name := range segmentNames {
		data, err := d.fetch(ctx, node, jobID, name.String(), "segment")
		if err != nil {
			return Result{}, err
		}
		result.Segments = append(result.Segments, Segment{Name: name.String(), Data: data})
	}
	result.Transcode, err = d.fetch(ctx, node, jobID, jobID+"-dl.mp3", "transcode")
	if err != nil {
		return Result{}, err
	}
	return result, nil
}

func (d *HTTPDelegator) submit(ctx context.Context, node string, request Request) (string, error) {
	req, err := d.request(ctx)
	if err != nil {
		return "", err
	}
	response, err := req.
		SetFileReader("file", request.FileName, bytes.NewReader(request.Data)).
		Post(node + "/transcode_and_segment")
	if err != nil {
		return "", fmt.Errorf("transcode: submit to %s: %w", node, err)
	}
	if response.IsError() {
		return "", fmt.Errorf("transcode: submit to %s returned %d", node, response.StatusCode())
	}
	jobID := gjson.GetBytes(response.Body(), "data.uuid").String()
	if jobID == "" {
		return "", fmt.Errorf("%w: %s returned no job id", errMissingOutput, node)
	}
	return jobID, nil
}

func (d *HTTPDelegator) status(ctx context.Context, node, jobID string) (gjson.Result, error) {
	req, err := d.request(ctx)
	if err != nil {
		return gjson.Result{}, retry.Permanent(err)
	}
	response, err := req.SetQueryParam("uuid", jobID).Get(node + "/async_processing_status")
	if err != nil {
		return gjson.Result{}, err
	}
	if response.IsError() {
		return gjson.Result{}, fmt.Errorf("transcode: status from %s returned %d", node, response.StatusCode())
	}

	body := gjson.ParseBytes(response.Body())
	switch status := body.Get("data.status").String(); status {
	case statusDone:
		return body.Get("data.resp"), nil
	case statusFailed:
		return gjson.Result{}, retry.Permanent(fmt.Errorf("%w: %s: %s", errJobFailed, jobID, body.Get("data.resp").String()))
	case statusInProgress, "":
		return gjson.Result{}, fmt.Errorf("%w: %s", errJobPending, jobID)
	default:
		return gjson.Result{}, retry.Permanent(fmt.Errorf("transcode: unknown status %q for %s", status, jobID))
	}
}

func (d *HTTPDelegator) fetch(ctx context.Context, node, jobID, fileName, fileType string) ([]byte, error) {
	req, err := d.request(ctx)
	if err != nil {
		return nil, err
	}
	response, err := req.
		SetQueryParams(map[string]string{
			"uuid":     jobID,
			"fileName": filepath.Base(fileName),
			"fileType": fileType,
		}).
		Get(node + "/transcode_and_segment")
	if err != nil {
		return nil, fmt.Errorf("transcode: fetch %s from %s: %w", fileName, node, err)
	}
	if response.IsError() {
		return nil, fmt.Errorf("transcode: fetch %s from %s returned %d", fileName, node, response.StatusCode())
	}
	return response.Body(), nil
}

func (d *HTTPDelegator) request(ctx context.Context) (*resty.Request, error) {
	req := d.http.R().SetContext(ctx)
	if d.tokens == nil {
		return req, nil
	}
	token, err := d.tokens.IssuePeerToken(d.self)
	if err != nil {
		return nil, fmt.Errorf("transcode: issue token: %w", err)
	}
	return req.SetAuthToken(token), nil
}
