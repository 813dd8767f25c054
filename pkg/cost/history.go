package cost

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/raterudder/freephase/pkg/common"
	"github.com/raterudder/freephase/pkg/log"
	"github.com/raterudder/freephase/pkg/types"
	"github.com/tidwall/gjson"
)

// MeterSource returns cumulative import readings for a sensor.
type MeterSource interface {
	Readings(ctx context.Context, sensor string, start, end time.Time) ([]types.MeterReading, error)
}

// HistoryClient reads sensor history from the host platform's REST API.
type HistoryClient struct {
	baseURL string
	client  *http.Client
}

var _ MeterSource = (*HistoryClient)(nil)

// NewHistoryClient returns a client for the host API at baseURL
// authenticating with a long-lived bearer token.
func NewHistoryClient(baseURL, token string, timeout time.Duration) *HistoryClient {
	return &HistoryClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		client:  common.BearerHTTPClient(timeout, token),
	}
}

// Readings returns every numeric state of the sensor between start and end,
// including the state at start, ordered by time.
func (h *HistoryClient) Readings(ctx context.Context, sensor string, start, end time.Time) ([]types.MeterReading, error) {
	q := url.Values{}
	q.Set("filter_entity_id", sensor)
	q.Set("end_time", end.UTC().Format(time.RFC3339))
	u := h.baseURL + "/api/history/period/" + url.PathEscape(start.UTC().Format(time.RFC3339)) +
		"?" + q.Encode() + "&minimal_response&no_attributes"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create history request: %w", err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("history api returned status: %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read history response: %w", err)
	}
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("history api returned invalid json")
	}

	var readings []types.MeterReading
	// the response is one array of states per requested entity
	gjson.GetBytes(body, "0").ForEach(func(_, state gjson.Result) bool {
		raw := state.Get("state").String()
		kwh, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			// unavailable and unknown states
			log.Ctx(ctx).DebugContext(ctx, "skipping non-numeric meter state", slog.String("state", raw))
			return true
		}
		tsStr := state.Get("last_updated").String()
		if tsStr == "" {
			tsStr = state.Get("last_changed").String()
		}
		ts, err := time.Parse(time.RFC3339, tsStr)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "skipping meter state with invalid time", slog.String("time", tsStr))
			return true
		}
		readings = append(readings, types.MeterReading{At: ts.UTC(), KWH: kwh})
		return true
	})

	sort.SliceStable(readings, func(i, j int) bool {
		return readings[i].At.Before(readings[j].At)
	})
	return readings, nil
}
