package chain

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
)

type rpcRequest struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

func newRPCServer(t *testing.T, results map[string]any) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode rpc request: %v", err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		result, ok := results[req.Method]
		if !ok {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"jsonrpc": "2.0",
				"id":      req.ID,
				"error":   map[string]any{"code": -32601, "message": "method not found"},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
}

func TestClientMissingConfig(t *testing.T) {
	c := NewClient(Options{}, zerolog.Nop())
	if _, err := c.SuggestGasPrice(context.Background()); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
	if _, err := c.EstimateGas(context.Background(), Transaction{}); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("expected ErrNotConfigured, got %v", err)
	}
}

func TestClientSuggestGasPrice(t *testing.T) {
	srv := newRPCServer(t, map[string]any{"eth_gasPrice": "0x4a817c800"})
	defer srv.Close()

	c := NewClient(Options{RPCURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	defer c.Close()

	price, err := c.SuggestGasPrice(context.Background())
	if err != nil {
		t.Fatalf("SuggestGasPrice: %v", err)
	}
	if price.Int64() != 20_000_000_000 {
		t.Fatalf("want 20 gwei, got %s", price)
	}
}

func TestClientEstimateGas(t *testing.T) {
	srv := newRPCServer(t, map[string]any{"eth_estimateGas": "0x5208"})
	defer srv.Close()

	c := NewClient(Options{RPCURL: srv.URL, Timeout: time.Second}, zerolog.Nop())
	defer c.Close()

	gas, err := c.EstimateGas(context.Background(), Transaction{To: common.HexToAddress("0x01")})
	if err != nil {
		t.Fatalf("EstimateGas: %v", err)
	}
	if gas != 21000 {
		t.Fatalf("want 21000, got %d", gas)
	}
}

func TestClientConfiguredChainIDSkipsRPC(t *testing.T) {
	c := NewClient(Options{ChainID: 10143}, zerolog.Nop())
	id, err := c.ChainID(context.Background())
	if err != nil {
		t.Fatalf("ChainID: %v", err)
	}
	if id.Int64() != 10143 {
		t.Fatalf("want 10143, got %s", id)
	}
}
