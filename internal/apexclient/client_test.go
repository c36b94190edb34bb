package apexclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/vessel-relay/internal/relayerr"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL, time.Second, time.Second, time.Second, time.Second, time.Second)
}

func TestClient_Status(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v1/wallet/worker-1/status", r.URL.Path)
		json.NewEncoder(w).Encode(Holdings{SOLBalance: 1.5, Tokens: []Token{{Mint: "mint1", UIAmount: 10}}})
	})

	h, err := c.Status(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Equal(t, 1.5, h.SOLBalance)
	require.Len(t, h.Tokens, 1)
}

func TestClient_SellPropagatesUpstreamError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte(`{"error":"upstream down"}`))
	})

	_, err := c.Sell(context.Background(), SellRequest{Worker: "worker-1", TokenMint: "mint1", Percent: 100})
	require.Error(t, err)
	re, ok := relayerr.As(err)
	require.True(t, ok)
	require.Equal(t, relayerr.KindApexError, re.Kind)
	require.Equal(t, http.StatusBadGateway, re.StatusCode)
}

func TestClient_UnreachableApex(t *testing.T) {
	c := New("http://127.0.0.1:1", time.Millisecond*50, time.Millisecond*50, time.Millisecond*50, time.Millisecond*50, time.Millisecond*50)
	_, err := c.Status(context.Background(), "worker-1")
	require.Error(t, err)
	re, ok := relayerr.As(err)
	require.True(t, ok)
	require.Equal(t, relayerr.KindApexUnreach, re.Kind)
}

func TestClient_TransactionsAndPositions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/wallet/worker-1/transactions":
			json.NewEncoder(w).Encode([]map[string]any{{"tx": "abc"}})
		case "/api/v1/wallet/worker-1/positions":
			json.NewEncoder(w).Encode([]map[string]any{{"mint": "mint1", "amount": 5.0}})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	txs, err := c.Transactions(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)

	positions, err := c.Positions(context.Background(), "worker-1")
	require.NoError(t, err)
	require.Len(t, positions, 1)
}

func TestClient_SellUsesItsOwnTimeoutClass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(40 * time.Millisecond)
		json.NewEncoder(w).Encode(map[string]any{"status": "filled"})
	}))
	defer srv.Close()

	// tradeTimeout (buy's class) is shorter than the delay the handler
	// sleeps for; sellTimeout is long enough. Sell must use sellTimeout,
	// not tradeTimeout, per the relay's timeout classes.
	c := New(srv.URL, time.Second, 10*time.Millisecond, time.Second, time.Second, time.Second)

	_, err := c.Sell(context.Background(), SellRequest{Worker: "worker-1", TokenMint: "mint1", Percent: 100})
	require.NoError(t, err)
}

func TestClient_TransferSOL(t *testing.T) {
	var captured TransferSOLRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&captured)
		json.NewEncoder(w).Encode(map[string]any{"tx": "abc"})
	})

	out, err := c.TransferSOL(context.Background(), TransferSOLRequest{FromWorker: "worker-1", ToWorker: "Apex", AmountSOL: 0.5})
	require.NoError(t, err)
	require.Equal(t, "abc", out["tx"])
	require.Equal(t, 0.5, captured.AmountSOL)
}

func TestClient_Notify(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	require.NoError(t, c.Notify(context.Background(), NotifyRequest{Message: "hello"}))
}
