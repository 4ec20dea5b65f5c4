// Package amber wraps the Amber Electric REST API. It knows nothing about
// chunking or watermarks; it fetches exactly the range it is asked for and
// normalizes every timestamp into market time on the way out.
package amber

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/nemwatch/amber_collector/pkg/nemutils"
	"github.com/nemwatch/amber_collector/pkg/types"
)

const (
	DefaultBaseURL = "https://api.amber.com.au/v1"

	// Interval length in minutes; 30 is the finest the API serves.
	resolution = 30

	// A hung upstream call should stall a pass, not the whole process.
	requestTimeout = 30 * time.Second

	// Renewables intervals fetched either side of now (24h at 30 min).
	renewableWindow = 48
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: requestTimeout},
	}
}

// APIError is returned for any response outside the 2xx range.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("amber api returned %d: %s", e.StatusCode, e.Body)
}

func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	reqURL := c.baseURL + path
	if len(query) > 0 {
		reqURL += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("building request for %s: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("requesting %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) ListSites(ctx context.Context) ([]types.Site, error) {
	var sites []types.Site
	if err := c.get(ctx, "/sites", nil, &sites); err != nil {
		return nil, err
	}
	return sites, nil
}

// FetchPrices returns stored price intervals for one site over [start, end).
// The API takes whole dates, so the response can spill past the requested
// window; the idempotent upsert makes the overlap harmless.
func (c *Client) FetchPrices(ctx context.Context, siteID string, start, end time.Time) ([]types.PriceInterval, error) {
	query := url.Values{
		"startDate":  {nemutils.FormatAPIDate(start)},
		"endDate":    {nemutils.FormatAPIDate(end)},
		"resolution": {strconv.Itoa(resolution)},
	}
	var intervals []types.PriceInterval
	if err := c.get(ctx, "/sites/"+siteID+"/prices", query, &intervals); err != nil {
		return nil, err
	}
	for i := range intervals {
		normalizePrice(&intervals[i], siteID)
	}
	return intervals, nil
}

func (c *Client) FetchUsage(ctx context.Context, siteID string, start, end time.Time) ([]types.UsageInterval, error) {
	query := url.Values{
		"startDate":  {nemutils.FormatAPIDate(start)},
		"endDate":    {nemutils.FormatAPIDate(end)},
		"resolution": {strconv.Itoa(resolution)},
	}
	var intervals []types.UsageInterval
	if err := c.get(ctx, "/sites/"+siteID+"/usage", query, &intervals); err != nil {
		return nil, err
	}
	for i := range intervals {
		u := &intervals[i]
		u.SiteID = siteID
		u.NemTime = nemutils.ToMarketTime(u.NemTime)
		u.StartTime = nemutils.ToMarketTime(u.StartTime)
		u.EndTime = nemutils.ToMarketTime(u.EndTime)
	}
	return intervals, nil
}

// FetchForecasts returns the current interval plus the forward curve up to
// hoursAhead. Callers filter on Type to pick the records they care about.
func (c *Client) FetchForecasts(ctx context.Context, siteID string, hoursAhead int) ([]types.ForecastInterval, error) {
	if hoursAhead <= 0 {
		hoursAhead = 24
	}
	query := url.Values{
		"next":       {strconv.Itoa(hoursAhead * 60 / resolution)},
		"resolution": {strconv.Itoa(resolution)},
	}
	var intervals []types.ForecastInterval
	if err := c.get(ctx, "/sites/"+siteID+"/prices/current", query, &intervals); err != nil {
		return nil, err
	}
	for i := range intervals {
		normalizePrice(&intervals[i].PriceInterval, siteID)
	}
	return intervals, nil
}

// FetchRenewables returns the grid renewables share around now for one NEM
// region, actuals and forecasts both.
func (c *Client) FetchRenewables(ctx context.Context, state string) ([]types.RenewableReading, error) {
	query := url.Values{
		"next":       {strconv.Itoa(renewableWindow)},
		"previous":   {strconv.Itoa(renewableWindow)},
		"resolution": {strconv.Itoa(resolution)},
	}
	var readings []types.RenewableReading
	if err := c.get(ctx, "/state/"+state+"/renewables/current", query, &readings); err != nil {
		return nil, err
	}
	for i := range readings {
		r := &readings[i]
		r.State = state
		r.NemTime = nemutils.ToMarketTime(r.NemTime)
		r.Period = types.RenewablePeriodActual
		if strings.HasPrefix(r.Type, "Forecast") {
			r.Period = types.RenewablePeriodForecast
		}
	}
	return readings, nil
}

func normalizePrice(p *types.PriceInterval, siteID string) {
	p.SiteID = siteID
	p.NemTime = nemutils.ToMarketTime(p.NemTime)
	p.StartTime = nemutils.ToMarketTime(p.StartTime)
	p.EndTime = nemutils.ToMarketTime(p.EndTime)
}
