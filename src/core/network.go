package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
)

// peerRetries is how many times a failed peer call is retried with
// exponential backoff before the mintette is given up on.
const peerRetries = 2

// PeerClient is the bank's client to its mintettes.
type PeerClient struct {
	httpClient *http.Client
	authSecret string
}

// NewPeerClient builds a client with a per-request timeout.
func NewPeerClient(timeout time.Duration, authSecret string) *PeerClient {
	return &PeerClient{
		httpClient: &http.Client{Timeout: timeout},
		authSecret: authSecret,
	}
}

// postJSON sends one signed JSON request and decodes the reply into
// out when non-nil.
func (c *PeerClient) postJSON(ctx context.Context, addr, path string, payload, out interface{}) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("http://%s%s", addr, path), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	AddNodeAuthHeaders(req, body, c.authSecret)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("peer %s returned %d: %s", addr, resp.StatusCode, bytes.TrimSpace(msg))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode reply from %s: %w", addr, err)
		}
	}
	return nil
}

// retry wraps a peer call in bounded exponential backoff.
func (c *PeerClient) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), peerRetries), ctx)
	return backoff.Retry(op, policy)
}

// PollPeriodResult asks one mintette to finish the period.
func (c *PeerClient) PollPeriodResult(ctx context.Context, m Mintette, periodID uint64) (*PeriodResult, error) {
	var result PeriodResult
	err := c.retry(ctx, func() error {
		return c.postJSON(ctx, m.Addr(), "/api/periodFinished",
			map[string]uint64{"periodId": periodID}, &result)
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// AnnounceNewPeriod pushes NewPeriodData to one mintette.
func (c *PeerClient) AnnounceNewPeriod(ctx context.Context, m Mintette, npd *NewPeriodData) error {
	return c.retry(ctx, func() error {
		return c.postJSON(ctx, m.Addr(), "/api/announceNewPeriod", npd, nil)
	})
}

// CollectPeriodResults polls every mintette concurrently under a
// per-mintette timeout. Unreachable or failing mintettes yield nil
// entries; their work is not rolled back, the bank simply treats the
// result as absent.
func (c *PeerClient) CollectPeriodResults(ctx context.Context, mintettes []Mintette, periodID uint64, timeout time.Duration) []*PeriodResult {
	results := make([]*PeriodResult, len(mintettes))

	var wg sync.WaitGroup
	for i, m := range mintettes {
		wg.Add(1)
		go func(i int, m Mintette) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			result, err := c.PollPeriodResult(callCtx, m, periodID)
			if err != nil {
				logger.Warn("Mintette did not deliver a period result",
					"address", m.Addr(), "period", periodID, "error", err)
				return
			}
			results[i] = result
		}(i, m)
	}
	wg.Wait()

	return results
}

// AnnounceAll pushes each mintette's NewPeriodData, index-aligned
// with the roster. Push failures are logged and skipped; the mintette
// catches up at the next boundary.
func (c *PeerClient) AnnounceAll(ctx context.Context, mintettes []Mintette, npds []NewPeriodData, timeout time.Duration) {
	var wg sync.WaitGroup
	for i, m := range mintettes {
		if i >= len(npds) {
			break
		}
		wg.Add(1)
		go func(m Mintette, npd NewPeriodData) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			if err := c.AnnounceNewPeriod(callCtx, m, &npd); err != nil {
				logger.Warn("Failed to announce new period", "address", m.Addr(), "error", err)
			}
		}(m, npds[i])
	}
	wg.Wait()
}
