package tariff

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/raterudder/freephase/pkg/log"
	"github.com/raterudder/freephase/pkg/metrics"
	"github.com/raterudder/freephase/pkg/types"
	"github.com/tidwall/gjson"
)

// maxBodySize caps how much of a response is read.
const maxBodySize = 4 << 20

// FetchErrorKind categorizes a failed request.
type FetchErrorKind string

const (
	KindNetwork    FetchErrorKind = "network"
	KindTimeout    FetchErrorKind = "timeout"
	KindHTTPStatus FetchErrorKind = "http_status"
	KindDecode     FetchErrorKind = "decode"
)

// FetchError is returned for any failed tariff API request. Latency is always
// set, even on failure.
type FetchError struct {
	Kind       FetchErrorKind
	URL        string
	StatusCode int
	Latency    time.Duration
	Err        error
}

func (e *FetchError) Error() string {
	if e.Kind == KindHTTPStatus {
		return fmt.Sprintf("tariff api returned status %d for %s", e.StatusCode, e.URL)
	}
	return fmt.Sprintf("tariff api %s error for %s: %v", e.Kind, e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

func errorKind(err error) FetchErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindNetwork
}

// get performs a single GET and returns the body if it's valid JSON.
func (c *Client) get(ctx context.Context, endpoint, u string) ([]byte, time.Duration, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	fail := func(kind FetchErrorKind, status int, err error) ([]byte, time.Duration, error) {
		latency := time.Since(start)
		metrics.RecordFetch(endpoint, string(kind), latency)
		return nil, latency, &FetchError{Kind: kind, URL: u, StatusCode: status, Latency: latency, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return fail(KindNetwork, 0, fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	log.Ctx(ctx).DebugContext(ctx, "fetching from tariff api", slog.String("url", u))

	resp, err := c.client.Do(req)
	if err != nil {
		return fail(errorKind(err), 0, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return fail(errorKind(err), resp.StatusCode, fmt.Errorf("failed to read body: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		return fail(KindHTTPStatus, resp.StatusCode, fmt.Errorf("unexpected status: %d", resp.StatusCode))
	}
	if !gjson.ValidBytes(body) {
		return fail(KindDecode, resp.StatusCode, fmt.Errorf("response is not valid json"))
	}

	latency := time.Since(start)
	metrics.RecordFetch(endpoint, "ok", latency)
	return body, latency, nil
}

// FetchUnitRates retrieves the unit rates for the region, following "next"
// links up to the configured page limit. A failure on the first page is
// returned as a *FetchError. Later pages that fail end pagination early and
// the entries gathered so far are returned.
func (c *Client) FetchUnitRates(ctx context.Context, regionCode string) (types.RawPayload, error) {
	var payload types.RawPayload
	next := c.UnitRatesURL(regionCode)
	for next != "" && payload.Pages < c.maxPages {
		body, latency, err := c.get(ctx, "unit_rates", next)
		payload.Latency += latency
		if err != nil {
			if payload.Pages == 0 {
				var ferr *FetchError
				if errors.As(err, &ferr) {
					ferr.Latency = payload.Latency
				}
				return payload, err
			}
			log.Ctx(ctx).WarnContext(
				ctx,
				"failed to fetch unit rate page",
				slog.Int("page", payload.Pages+1),
				slog.Any("error", err),
			)
			break
		}

		results := gjson.GetBytes(body, "results")
		if !results.IsArray() {
			if payload.Pages == 0 {
				return payload, &FetchError{
					Kind:    KindDecode,
					URL:     next,
					Latency: payload.Latency,
					Err:     fmt.Errorf("missing results list"),
				}
			}
			log.Ctx(ctx).WarnContext(ctx, "unit rate page missing results", slog.Int("page", payload.Pages+1))
			break
		}
		results.ForEach(func(_, value gjson.Result) bool {
			payload.Entries = append(payload.Entries, json.RawMessage(value.Raw))
			return true
		})
		payload.Pages++
		next = gjson.GetBytes(body, "next").String()
	}
	if next != "" {
		log.Ctx(ctx).DebugContext(ctx, "stopped unit rate pagination at page limit", slog.Int("pages", payload.Pages))
	}

	log.Ctx(ctx).DebugContext(
		ctx,
		"fetched unit rates",
		slog.Int("pages", payload.Pages),
		slog.Int("entries", len(payload.Entries)),
		slog.Duration("latency", payload.Latency),
	)
	return payload, nil
}
