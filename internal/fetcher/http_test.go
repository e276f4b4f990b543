package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestHTTPSourceMissingBaseURL(t *testing.T) {
	src := NewHTTPSource(HTTPOptions{}, noopLogger())
	if _, err := src.FetchPrice(context.Background(), "SOL"); err == nil {
		t.Fatal("missing base url should fail")
	}
}

func TestHTTPSourceHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_ = json.NewEncoder(w).Encode(map[string]string{"message": "upstream down"})
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{BaseURL: srv.URL, Timeout: time.Second}, noopLogger())
	if _, err := src.FetchPrice(context.Background(), "SOL"); err == nil {
		t.Fatal("HTTP 502 should fail")
	}
}

func TestHTTPSourceSuccess(t *testing.T) {
	var gotID string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/price" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		gotID = r.URL.Query().Get("id")
		if r.Header.Get("X-API-Key") != "secret" {
			t.Fatalf("api key header missing")
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"price":"142.37","confidence":0.05,"timestamp":1700000000}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{
		BaseURL:  srv.URL + "/",
		Timeout:  time.Second,
		APIKey:   "secret",
		AssetIDs: map[string]string{"SOL": "solana"},
	}, noopLogger())

	quote, err := src.FetchPrice(context.Background(), "SOL")
	if err != nil {
		t.Fatalf("fetch should succeed: %v", err)
	}
	if gotID != "solana" {
		t.Fatalf("asset id should be mapped, got %q", gotID)
	}
	if !quote.Price.Equal(decimal.RequireFromString("142.37")) {
		t.Fatalf("unexpected price %s", quote.Price)
	}
	if !quote.Confidence.Equal(decimal.RequireFromString("0.05")) {
		t.Fatalf("unexpected confidence %s", quote.Confidence)
	}
	if quote.Timestamp.Unix() != 1700000000 {
		t.Fatalf("unexpected timestamp %s", quote.Timestamp)
	}
}

func TestHTTPSourceRejectsZeroPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"price":"0"}`))
	}))
	defer srv.Close()

	src := NewHTTPSource(HTTPOptions{BaseURL: srv.URL}, noopLogger())
	if _, err := src.FetchPrice(context.Background(), "SOL"); err == nil {
		t.Fatal("zero price should fail")
	}
}

func TestChainlinkMissingConfig(t *testing.T) {
	src := NewChainlink(ChainlinkOptions{}, noopLogger())
	if _, err := src.FetchPrice(context.Background(), "ETH"); err == nil {
		t.Fatal("missing rpc url should fail")
	}

	src = NewChainlink(ChainlinkOptions{RPCURL: "http://localhost"}, noopLogger())
	_, err := src.FetchPrice(context.Background(), "ETH")
	if !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("missing feed should be ErrUnknownAsset, got %v", err)
	}
}

func TestStaticSource(t *testing.T) {
	src := Static{"SOL": decimal.NewFromInt(100)}
	q, err := src.FetchPrice(context.Background(), "SOL")
	if err != nil || !q.Price.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("unexpected static quote %v %v", q, err)
	}
	if _, err := src.FetchPrice(context.Background(), "BTC"); !errors.Is(err, ErrUnknownAsset) {
		t.Fatalf("unknown asset should fail, got %v", err)
	}
}

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}
