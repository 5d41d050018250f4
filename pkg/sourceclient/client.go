// Package sourceclient is the HTTP client the destination uses to
// talk to the legacy KVS controller's partition primary: reading
// sequence-number bounds, streaming key ranges, and coordinating the
// write-rejection handshake that opens the Downtime window.
package sourceclient

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"k8s.io/client-go/util/workqueue"
	"k8s.io/klog/v2"

	"github.com/openshift/kvs-migration-orchestrator/pkg/migration"
)

// ClientConfig parameterizes the underlying *http.Client, named and
// shaped the way the corpus's HTTP client builders do: explicit
// timeouts and pool sizes rather than http.DefaultClient.
type ClientConfig struct {
	Timeout               time.Duration
	MaxIdleConns          int
	IdleConnTimeout       time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	MaxRetries            int
	RetryBaseDelay        time.Duration
}

// DefaultClientConfig returns production-sane defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Timeout:               30 * time.Second,
		MaxIdleConns:          32,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		MaxRetries:            5,
		RetryBaseDelay:        200 * time.Millisecond,
	}
}

// Client talks to one source partition primary over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
	cfg     ClientConfig
	backoff workqueue.RateLimiter
}

// NewClient builds a Client against baseURL (the partition primary's
// SourceServiceURI) using cfg.
func NewClient(baseURL string, cfg ClientConfig) (*Client, error) {
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid source service uri %q: %w", baseURL, err)
	}

	transport := &http.Transport{
		MaxIdleConns:          cfg.MaxIdleConns,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
	}

	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: cfg.Timeout, Transport: transport},
		cfg:     cfg,
		backoff: workqueue.NewItemExponentialFailureRateLimiter(cfg.RetryBaseDelay, 30*time.Second),
	}, nil
}

// KeyRecord is one (sn, key, value) tuple streamed by EnumerateKeys.
type KeyRecord struct {
	SN    int64  `json:"sn"`
	Key   string `json:"key"`
	Value string `json:"value"`
}

// GetStartSN returns the sequence number of the oldest record the
// source still retains for this partition.
func (c *Client) GetStartSN(ctx context.Context) (int64, error) {
	var out struct {
		SN int64 `json:"sn"`
	}
	if err := c.doJSON(ctx, "GetStartSN", http.MethodGet, "/source/start-sn", nil, &out); err != nil {
		return 0, err
	}
	return out.SN, nil
}

// GetEndSN returns the sequence number of the newest record the
// source has accepted for this partition. Called again, fresh, after
// RejectWrites returns, to fix the Downtime phase's upper bound.
func (c *Client) GetEndSN(ctx context.Context) (int64, error) {
	var out struct {
		SN int64 `json:"sn"`
	}
	if err := c.doJSON(ctx, "GetEndSN", http.MethodGet, "/source/end-sn", nil, &out); err != nil {
		return 0, err
	}
	return out.SN, nil
}

// RejectWrites instructs the source to stop accepting new writes for
// this partition. Idempotent: calling it twice is not an error.
func (c *Client) RejectWrites(ctx context.Context) error {
	return c.doJSON(ctx, "RejectWrites", http.MethodPost, "/source/reject-writes", nil, nil)
}

// ResumeWrites instructs the source to resume accepting writes, used
// on migration abort to undo a RejectWrites that is no longer going
// to be followed by Cutover.
func (c *Client) ResumeWrites(ctx context.Context) error {
	return c.doJSON(ctx, "ResumeWrites", http.MethodPost, "/source/resume-writes", nil, nil)
}

// EnumerateKeys streams every record with sn in [startSN, endSN],
// calling fn once per record in increasing sn order. fn's error
// aborts the stream and is returned to the caller unwrapped.
func (c *Client) EnumerateKeys(ctx context.Context, startSN, endSN int64, fn func(KeyRecord) error) error {
	op := "EnumerateKeys"
	u := fmt.Sprintf("%s/source/keys?startSN=%d&endSN=%d", c.baseURL, startSN, endSN)

	return c.withRetry(ctx, op, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return migration.NewTransientError(op, "request failed", err)
		}
		defer resp.Body.Close()

		if err := checkStatus(op, resp); err != nil {
			return err
		}

		dec := json.NewDecoder(bufio.NewReader(resp.Body))
		for {
			var rec KeyRecord
			if err := dec.Decode(&rec); err != nil {
				if err == io.EOF {
					return nil
				}
				return migration.NewTransientError(op, "malformed stream", err)
			}
			if err := fn(rec); err != nil {
				return err
			}
		}
	})
}

// doJSON performs one retried request, decoding a JSON body into out
// when out is non-nil.
func (c *Client) doJSON(ctx context.Context, op, method, path string, body io.Reader, out interface{}) error {
	u := c.baseURL + path
	return c.withRetry(ctx, op, func() error {
		req, err := http.NewRequestWithContext(ctx, method, u, body)
		if err != nil {
			return err
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return migration.NewTransientError(op, "request failed", err)
		}
		defer resp.Body.Close()

		if err := checkStatus(op, resp); err != nil {
			return err
		}

		if out == nil {
			return nil
		}
		return json.NewDecoder(resp.Body).Decode(out)
	})
}

// withRetry runs fn, retrying transient failures with the
// workqueue-derived exponential backoff up to cfg.MaxRetries times.
// Source-rejection, corruption and cancellation errors are never
// retried.
func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	logger := klog.FromContext(ctx)
	item := op

	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			c.backoff.Forget(item)
			return nil
		}

		if ctx.Err() != nil {
			return migration.NewCancelledError(op, ctx.Err())
		}

		if !migration.IsRetryable(err) || attempt >= c.cfg.MaxRetries {
			return err
		}

		delay := c.backoff.When(item)
		logger.V(2).Info("retrying source request", "op", op, "attempt", attempt+1, "delay", delay)

		select {
		case <-ctx.Done():
			return migration.NewCancelledError(op, ctx.Err())
		case <-time.After(delay):
		}
	}
}

func checkStatus(op string, resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusRequestTimeout:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return migration.NewTransientError(op, fmt.Sprintf("status %d", resp.StatusCode), fmt.Errorf("%s", body))
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return migration.NewSourceRejectedError(op, resp.StatusCode, string(body))
	default:
		return migration.NewTransientError(op, fmt.Sprintf("unexpected status %d", resp.StatusCode), nil)
	}
}
