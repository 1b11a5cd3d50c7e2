package book

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	json "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/sorooshx/tradecore/errs"
	"github.com/sorooshx/tradecore/internal/numeric"
	"github.com/sorooshx/tradecore/internal/schema"
)

// SnapshotFetcher retrieves a full depth snapshot for a symbol.
type SnapshotFetcher interface {
	Fetch(ctx context.Context, symbol string) (schema.BookSnapshot, error)
}

// HTTPSnapshotFetcher retrieves depth snapshots over REST with an explicit
// timeout, bounded retries, and request rate limiting.
type HTTPSnapshotFetcher struct {
	client     *http.Client
	baseURL    string
	depthPath  string
	depthLimit int
	maxRetries int
	limiter    *rate.Limiter
}

// FetcherOption customises HTTPSnapshotFetcher construction.
type FetcherOption func(*HTTPSnapshotFetcher)

// WithDepthPath overrides the REST depth endpoint path. The default matches
// the USD-M futures API; spot deployments pass /api/v3/depth.
func WithDepthPath(path string) FetcherOption {
	return func(f *HTTPSnapshotFetcher) {
		if p := strings.Trim(strings.TrimSpace(path), "/"); p != "" {
			f.depthPath = "/" + p
		}
	}
}

// NewHTTPSnapshotFetcher creates a snapshot fetcher against the provided base
// URL. Non-positive timeout, depth limit, and retry counts fall back to
// defaults (10s, 1000 levels, 3 attempts).
func NewHTTPSnapshotFetcher(baseURL string, timeout time.Duration, depthLimit, maxRetries int, requestsPerSec float64, opts ...FetcherOption) *HTTPSnapshotFetcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if depthLimit <= 0 {
		depthLimit = 1000
	}
	if maxRetries <= 0 {
		maxRetries = 3
	}
	var limiter *rate.Limiter
	if requestsPerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSec), 1)
	}
	client := new(http.Client)
	client.Timeout = timeout
	f := &HTTPSnapshotFetcher{
		client:     client,
		baseURL:    strings.TrimRight(baseURL, "/"),
		depthPath:  "/fapi/v1/depth",
		depthLimit: depthLimit,
		maxRetries: maxRetries,
		limiter:    limiter,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

type wireSnapshot struct {
	LastUpdateID uint64     `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// Fetch requests the snapshot, retrying transient failures with exponential
// backoff up to the configured attempt bound.
func (f *HTTPSnapshotFetcher) Fetch(ctx context.Context, symbol string) (schema.BookSnapshot, error) {
	url := fmt.Sprintf("%s%s?symbol=%s&limit=%d", f.baseURL, f.depthPath, strings.ToUpper(symbol), f.depthLimit)

	backoffCfg := backoff.NewExponentialBackOff()
	var lastErr error
	for attempt := 0; attempt < f.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return schema.BookSnapshot{}, fmt.Errorf("snapshot fetch context: %w", ctx.Err())
			case <-time.After(backoffCfg.NextBackOff()):
			}
		}
		body, err := f.fetchOnce(ctx, url)
		if err != nil {
			lastErr = err
			continue
		}
		snap, err := decodeSnapshot(symbol, body)
		if err != nil {
			// Malformed payloads will not improve on retry.
			return schema.BookSnapshot{}, err
		}
		return snap, nil
	}
	return schema.BookSnapshot{}, errs.New("book", errs.CodeNetwork,
		errs.WithMessage("snapshot fetch exhausted retries"),
		errs.WithField("symbol", symbol),
		errs.WithCause(lastErr))
}

func (f *HTTPSnapshotFetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("snapshot rate limit: %w", err)
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch snapshot: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("snapshot status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("snapshot read: %w", err)
	}
	return body, nil
}

func decodeSnapshot(symbol string, body []byte) (schema.BookSnapshot, error) {
	var payload wireSnapshot
	if err := json.Unmarshal(body, &payload); err != nil {
		return schema.BookSnapshot{}, errs.New("book", errs.CodeNetwork,
			errs.WithMessage("decode snapshot"),
			errs.WithCause(err))
	}
	bids, err := toLevels(payload.Bids)
	if err != nil {
		return schema.BookSnapshot{}, err
	}
	asks, err := toLevels(payload.Asks)
	if err != nil {
		return schema.BookSnapshot{}, err
	}
	return schema.BookSnapshot{
		Symbol:       strings.ToUpper(symbol),
		LastUpdateID: payload.LastUpdateID,
		Bids:         bids,
		Asks:         asks,
	}, nil
}

func toLevels(raw [][]string) ([]schema.PriceLevel, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make([]schema.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, ok := numeric.Parse(pair[0])
		if !ok {
			return nil, errs.New("book", errs.CodeInvalid,
				errs.WithMessage("invalid level price"),
				errs.WithField("price", pair[0]))
		}
		qty, ok := numeric.Parse(pair[1])
		if !ok {
			return nil, errs.New("book", errs.CodeInvalid,
				errs.WithMessage("invalid level quantity"),
				errs.WithField("quantity", pair[1]))
		}
		out = append(out, schema.PriceLevel{Price: price, Quantity: qty})
	}
	return out, nil
}
