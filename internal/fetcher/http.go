package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const pricePath = "/price"

// HTTPOptions parameterise the HTTP price API source.
type HTTPOptions struct {
	BaseURL   string
	Timeout   time.Duration
	UserAgent string
	APIKey    string
	// AssetIDs maps asset symbols to the identifiers the API expects.
	AssetIDs map[string]string
}

// HTTPSource fetches prices from a JSON price API.
type HTTPSource struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	baseURL string
}

// NewHTTPSource constructs an HTTP price source.
func NewHTTPSource(opts HTTPOptions, logger zerolog.Logger) *HTTPSource {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &HTTPSource{
		opts:    opts,
		logger:  logger.With().Str("component", "http_price_source").Logger(),
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// FetchPrice requests GET {base}/price?id=<asset id>.
func (h *HTTPSource) FetchPrice(ctx context.Context, asset string) (Quote, error) {
	if h.baseURL == "" {
		return Quote{}, errors.New("price api base url not configured")
	}
	if asset == "" {
		return Quote{}, ErrUnknownAsset
	}

	id := asset
	if mapped, ok := h.opts.AssetIDs[asset]; ok && mapped != "" {
		id = mapped
	}

	endpoint := h.baseURL + pricePath + "?id=" + url.QueryEscape(id)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Quote{}, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(h.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "liquidation-sentinel/1.0")
	}
	if h.opts.APIKey != "" {
		req.Header.Set("X-API-Key", h.opts.APIKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Quote{}, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return Quote{}, err
	}

	if resp.StatusCode != http.StatusOK {
		return Quote{}, parseHTTPError(resp.StatusCode, payload)
	}

	var res priceResponse
	if err := json.Unmarshal(payload, &res); err != nil {
		return Quote{}, fmt.Errorf("decode price response: %w", err)
	}
	if !res.Price.IsPositive() {
		return Quote{}, fmt.Errorf("price api returned non-positive price for %s", asset)
	}

	ts := time.Now().UTC()
	if res.Timestamp > 0 {
		ts = time.Unix(res.Timestamp, 0).UTC()
	}

	return Quote{
		Asset:      asset,
		Price:      res.Price,
		Confidence: res.Confidence,
		Timestamp:  ts,
	}, nil
}

type priceResponse struct {
	Price      decimal.Decimal `json:"price"`
	Confidence decimal.Decimal `json:"confidence"`
	Timestamp  int64           `json:"timestamp"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("price api error (%d): %s", status, apiErr.Error)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("price api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("price api error (%d)", status)
}

var _ PriceSource = (*HTTPSource)(nil)
