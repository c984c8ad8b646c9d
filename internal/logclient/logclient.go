// Package logclient implements bounded HTTP access to a CT log's get-sth,
// get-entries, and get-sth-consistency endpoints, with retry/backoff and a
// per-log concurrency cap.
//
// Requests are built against the real RFC 6962 wire types from
// github.com/google/certificate-transparency-go (ct.SignedTreeHead,
// ct.GetEntriesResponse, ct.GetSTHConsistencyResponse), and the outbound
// client is instrumented with otelhttp.NewTransport so every log request
// carries a trace span.
package logclient

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	ct "github.com/google/certificate-transparency-go"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"ctmirror.dev/internal/config"
	"ctmirror.dev/internal/ctxerr"
)

const (
	getSTHPath            = "/ct/v1/get-sth"
	getEntriesPath        = "/ct/v1/get-entries"
	getSTHConsistencyPath = "/ct/v1/get-sth-consistency"
)

// RetryPolicy bounds the backoff loop around one work unit's HTTP call
//.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy makes up to 5 attempts with exponential backoff capped
// at 60s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, BaseDelay: 500 * time.Millisecond, MaxDelay: 60 * time.Second}
}

// Client is one log's bounded HTTP client. It carries no mutable global
// state: each LogDescriptor yields an independent Client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	retry      RetryPolicy
	sem        chan struct{} // per-log concurrency cap (len == workers)
}

// New builds a Client for one log descriptor with the given worker
// (concurrency) cap.
func New(desc config.LogDescriptor, timeout time.Duration, workers int, retry RetryPolicy) *Client {
	return &Client{
		baseURL: desc.BaseURL,
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		timeout: timeout,
		retry:   retry,
		sem:     make(chan struct{}, workers),
	}
}

// acquire/release implement the per-log worker cap, the same bounded
// concurrency idiom as golang.org/x/sync/errgroup.SetLimit but exposed as
// a plain channel so callers can select on ctx.Done() while waiting.
func (c *Client) acquire(ctx context.Context) error {
	select {
	case c.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) release() { <-c.sem }

// doWithRetry issues one GET against path+query, retrying transient
// failures: 5xx, connection errors, and empty bodies are retried with
// exponential backoff; 4xx is fatal and surfaced immediately.
func (c *Client) doWithRetry(ctx context.Context, op, path string) ([]byte, error) {
	if err := c.acquire(ctx); err != nil {
		return nil, err
	}
	defer c.release()

	var lastErr error
	delay := c.retry.BaseDelay
	for attempt := 1; attempt <= c.retry.MaxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
		body, status, err := c.doOnce(reqCtx, path)
		cancel()

		if err == nil && status == http.StatusOK && len(body) > 0 {
			return body, nil
		}

		if err == nil && status >= 400 && status < 500 {
			return nil, &ctxerr.HTTPClientError{Op: op, StatusCode: status, Err: fmt.Errorf("non-retryable status from %s", path)}
		}

		switch {
		case err != nil:
			lastErr = err
		case status == 0 || len(body) == 0:
			lastErr = fmt.Errorf("empty response body from %s", path)
		default:
			lastErr = fmt.Errorf("status %d from %s", status, path)
		}

		if attempt == c.retry.MaxAttempts {
			break
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		jitter := time.Duration(rand.Int63n(int64(delay) / 2))
		select {
		case <-time.After(delay + jitter):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > c.retry.MaxDelay {
			delay = c.retry.MaxDelay
		}
	}

	return nil, &ctxerr.TransientNetworkError{Op: op, Err: fmt.Errorf("exhausted %d attempts: %w", c.retry.MaxAttempts, lastErr)}
}

func (c *Client) doOnce(ctx context.Context, path string) (body []byte, status int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, 0, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return b, resp.StatusCode, nil
}

// GetSTH fetches the log's current Signed Tree Head.
func (c *Client) GetSTH(ctx context.Context) (*ct.SignedTreeHead, error) {
	body, err := c.doWithRetry(ctx, "get-sth", getSTHPath)
	if err != nil {
		return nil, err
	}

	var resp ct.GetSTHResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ctxerr.DecodeError{Err: fmt.Errorf("unmarshal get-sth response: %w", err)}
	}
	if len(resp.SHA256RootHash) != 32 {
		return nil, &ctxerr.DecodeError{Err: fmt.Errorf("get-sth root hash has length %d, want 32", len(resp.SHA256RootHash))}
	}

	sth := &ct.SignedTreeHead{
		Version:           ct.V1,
		TreeSize:          resp.TreeSize,
		Timestamp:         resp.Timestamp,
		TreeHeadSignature: resp.TreeHeadSignature,
	}
	copy(sth.SHA256RootHash[:], resp.SHA256RootHash)
	return sth, nil
}

// EntryPair is one (leaf_bytes, extra_data_bytes) tuple returned by
// get-entries.
type EntryPair struct {
	LeafBytes []byte
	ExtraData []byte
}

// GetEntries fetches entries in [start, end] inclusive. The server is
// allowed to return a prefix of the requested range; callers must not
// assume len(result) == end-start+1.
func (c *Client) GetEntries(ctx context.Context, start, end uint64) ([]EntryPair, error) {
	path := fmt.Sprintf("%s?start=%d&end=%d", getEntriesPath, start, end)
	body, err := c.doWithRetry(ctx, "get-entries", path)
	if err != nil {
		return nil, err
	}

	var resp ct.GetEntriesResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ctxerr.DecodeError{Err: fmt.Errorf("unmarshal get-entries response: %w", err)}
	}

	out := make([]EntryPair, len(resp.Entries))
	for i, e := range resp.Entries {
		out[i] = EntryPair{LeafBytes: e.LeafInput, ExtraData: e.ExtraData}
	}
	return out, nil
}

// GetSTHConsistency fetches the consistency proof between two tree sizes.
// Per RFC 6962, firstSize == 0 yields an empty proof without a round trip.
func (c *Client) GetSTHConsistency(ctx context.Context, firstSize, secondSize uint64) ([][]byte, error) {
	if firstSize == 0 {
		return nil, nil
	}
	path := fmt.Sprintf("%s?first=%d&second=%d", getSTHConsistencyPath, firstSize, secondSize)
	body, err := c.doWithRetry(ctx, "get-sth-consistency", path)
	if err != nil {
		return nil, err
	}

	var resp ct.GetSTHConsistencyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &ctxerr.DecodeError{Err: fmt.Errorf("unmarshal get-sth-consistency response: %w", err)}
	}
	return resp.Consistency, nil
}

// VerifySTHSignature checks sth's signature against the log's public key.
// A failure here must abort the run before any tree state is trusted.
func VerifySTHSignature(pub interface{}, sth *ct.SignedTreeHead) error {
	verifier, err := ct.NewSignatureVerifier(pub)
	if err != nil {
		return &ctxerr.SignatureInvalidError{Err: fmt.Errorf("build verifier: %w", err)}
	}
	if err := verifier.VerifySTHSignature(*sth); err != nil {
		return &ctxerr.SignatureInvalidError{Err: err}
	}
	return nil
}
