package daemon

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/arkrelay/gateway/internal/resilience"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTapdClient_ListAssets(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"assets": []AssetInfo{{AssetID: "gBTC", Name: "Gateway BTC", Ticker: "gBTC", TotalSupply: 1000000}},
		})
	}))
	defer srv.Close()

	c := NewTapdClient(TapdConfig{BaseURL: srv.URL})
	assets, err := c.ListAssets(context.Background())
	require.NoError(t, err)
	require.Len(t, assets, 1)
	assert.Equal(t, "gBTC", assets[0].AssetID)
}

func TestTapdClient_VerifyProof(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"valid": true})
	}))
	defer srv.Close()

	c := NewTapdClient(TapdConfig{BaseURL: srv.URL})
	ok, err := c.VerifyProof(context.Background(), &ProofFile{AssetID: "gBTC", Data: []byte("proof")})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTapdClient_PayAssetInvoice_BackendUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	fastPolicy := &resilience.RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}
	c := NewTapdClient(TapdConfig{BaseURL: srv.URL, BreakerMaxFailures: 100, RetryPolicy: fastPolicy})
	err := c.PayAssetInvoice(context.Background(), "lntb1...")
	require.Error(t, err)
}
