package app

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"snipr/internal/config"
	"snipr/internal/snipe"
	"snipr/internal/storage"
	"snipr/internal/wallet"
)

func TestSnipeOptionsRequest(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	opts := SnipeOptions{
		Target: "0x00000000000000000000000000000000000000aa",
		Amount: decimal.RequireFromString("1.5"),
		Delay:  time.Minute,
	}

	req, err := opts.request(now)
	require.NoError(t, err)
	assert.Equal(t, snipe.UnknownToken, req.Token)
	assert.Equal(t, now.Add(time.Minute), req.TriggerAt)

	at := now.Add(time.Hour)
	opts.At = at
	opts.Token = "MON"
	req, err = opts.request(now)
	require.NoError(t, err)
	assert.Equal(t, at, req.TriggerAt)
	assert.Equal(t, "MON", req.Token)

	opts.Target = "not-an-address"
	_, err = opts.request(now)
	assert.Error(t, err)
}

func TestTerminalWaiter(t *testing.T) {
	var forwarded []snipe.State
	next := observerFunc(func(_ context.Context, sn snipe.Snipe) { forwarded = append(forwarded, sn.State) })
	w := newTerminalWaiter(next)

	ctx := context.Background()
	w.SnipeUpdated(ctx, snipe.Snipe{ID: "a", State: snipe.StateArmed})
	w.SnipeUpdated(ctx, snipe.Snipe{ID: "other", State: snipe.StateFailed})
	w.SnipeUpdated(ctx, snipe.Snipe{ID: "a", State: snipe.StateCompleted})

	sn, err := w.Wait(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, snipe.StateCompleted, sn.State)
	assert.Equal(t, []snipe.State{snipe.StateArmed, snipe.StateFailed, snipe.StateCompleted}, forwarded)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = w.Wait(cancelled, "missing")
	assert.ErrorIs(t, err, context.Canceled)
}

type observerFunc func(ctx context.Context, sn snipe.Snipe)

func (f observerFunc) SnipeUpdated(ctx context.Context, sn snipe.Snipe) { f(ctx, sn) }

func sampleSnipes(n int) []snipe.Snipe {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]snipe.Snipe, n)
	for i := range out {
		out[i] = snipe.Snipe{
			ID:     string(rune('a' + i)),
			UserID: "u1",
			Request: snipe.Request{
				Target: common.HexToAddress("0x00000000000000000000000000000000000000aa"),
				Token:  snipe.UnknownToken,
				Amount: decimal.NewFromInt(int64(i + 1)),
			},
			State:     snipe.StateCompleted,
			Version:   4,
			GasPrice:  decimal.NewFromInt(int64(20 + i)),
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
			UpdatedAt: base.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func TestDownsampleSnipes(t *testing.T) {
	snipes := sampleSnipes(10)

	assert.Len(t, downsampleSnipes(snipes, 0), 10)
	assert.Len(t, downsampleSnipes(snipes, 20), 10)

	picked := downsampleSnipes(snipes, 4)
	require.Len(t, picked, 4)
	assert.Equal(t, snipes[0].ID, picked[0].ID)
	assert.Equal(t, snipes[9].ID, picked[3].ID)

	assert.Len(t, downsampleSnipes(snipes, 1), 1)
}

func TestWriteSnipesCSV(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "snipes.csv")
	snipes := sampleSnipes(2)
	snipes[1].State = snipe.StateFailed
	snipes[1].Reason = "transaction simulation failed"

	require.NoError(t, writeSnipesCSV(path, snipes))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()

	records, err := csv.NewReader(file).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "created_at", records[0][0])
	assert.Equal(t, "completed", records[1][8])
	assert.Equal(t, "failed", records[2][8])
	assert.Equal(t, "transaction simulation failed", records[2][11])
}

func TestWriteSnipesPNG(t *testing.T) {
	dir := t.TempDir()

	err := writeSnipesPNG(filepath.Join(dir, "one.png"), sampleSnipes(1))
	assert.Error(t, err, "单个点无法绘图")

	path := filepath.Join(dir, "gas.png")
	require.NoError(t, writeSnipesPNG(path, sampleSnipes(5)))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestConnectWallets(t *testing.T) {
	_, keyA, err := wallet.GenerateKey()
	require.NoError(t, err)
	_, keyB, err := wallet.GenerateKey()
	require.NoError(t, err)

	cfg := &config.Config{}
	cfg.Wallet.DefaultUser = "local"
	cfg.Wallet.PrivateKey = keyA
	cfg.Wallet.Keys = map[string]string{"alice": keyB, "empty": ""}

	a := NewApp(cfg, zerolog.Nop())
	m := wallet.NewManager(nil, zerolog.Nop())
	require.NoError(t, a.connectWallets(m))

	assert.True(t, m.IsConnected("local"))
	assert.True(t, m.IsConnected("alice"))
	assert.False(t, m.IsConnected("empty"))

	cfg.Wallet.Keys = map[string]string{"bad": "0xzz"}
	assert.Error(t, a.connectWallets(wallet.NewManager(nil, zerolog.Nop())))
}

// fakeTracker replays scripted snipe snapshots; a nil entry means no row yet.
type fakeTracker struct {
	request   storage.SnipeRequest
	snapshots []*snipe.Snipe
	calls     int
	cancelled bool
	onCancel  func(*fakeTracker)
}

func (f *fakeTracker) EnqueueSnipeRequest(_ context.Context, userID string, req snipe.Request) (storage.SnipeRequest, error) {
	f.request = storage.SnipeRequest{ID: "5d0f8a5e-8f7e-4a4b-9d8e-2f1c3b4a5d6e", UserID: userID, Request: req, Status: storage.RequestQueued}
	return f.request, nil
}

func (f *fakeTracker) GetSnipeRequest(context.Context, string) (storage.SnipeRequest, error) {
	return f.request, nil
}

func (f *fakeTracker) GetSnipe(context.Context, string) (snipe.Snipe, bool, error) {
	if len(f.snapshots) == 0 {
		return snipe.Snipe{}, false, nil
	}
	i := min(f.calls, len(f.snapshots)-1)
	f.calls++
	if f.snapshots[i] == nil {
		return snipe.Snipe{}, false, nil
	}
	return *f.snapshots[i], true, nil
}

func (f *fakeTracker) RequestCancel(context.Context, string) (bool, error) {
	f.cancelled = true
	if f.onCancel != nil {
		f.onCancel(f)
	}
	return true, nil
}

func snapshot(state snipe.State) *snipe.Snipe {
	sn := snipe.Snipe{ID: "5d0f8a5e-8f7e-4a4b-9d8e-2f1c3b4a5d6e", UserID: "u1", State: state}
	if state == snipe.StateCompleted {
		sn.TxHash = common.HexToHash("0x01")
		sn.GasPrice = decimal.NewFromInt(22)
	}
	if state == snipe.StateFailed {
		sn.Reason = "transaction simulation failed"
	}
	return &sn
}

func sampleRequest() snipe.Request {
	return snipe.Request{
		Target:    common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Token:     snipe.UnknownToken,
		Amount:    decimal.RequireFromString("0.1"),
		TriggerAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestSubmitSnipeFollowsHost(t *testing.T) {
	store := &fakeTracker{snapshots: []*snipe.Snipe{nil, snapshot(snipe.StateArmed), snapshot(snipe.StateArmed), snapshot(snipe.StateCompleted)}}
	var out bytes.Buffer

	err := submitSnipe(context.Background(), store, "u1", sampleRequest(), &out, time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "u1", store.request.UserID)
	assert.Contains(t, out.String(), "queued for 2026-01-01T00:00:00Z")
	assert.Equal(t, 1, bytes.Count(out.Bytes(), []byte(" armed\n")), "状态变化只打印一次")
	assert.Contains(t, out.String(), "completed: tx")
	assert.False(t, store.cancelled)
}

func TestTrackSnipeRejected(t *testing.T) {
	store := &fakeTracker{request: storage.SnipeRequest{Status: storage.RequestRejected, Reason: "Daily snipes limit reached (10)"}}

	err := trackSnipe(context.Background(), store, "id", &bytes.Buffer{}, time.Millisecond)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Daily snipes limit reached (10)")
}

func TestTrackSnipeFailedOutcome(t *testing.T) {
	store := &fakeTracker{snapshots: []*snipe.Snipe{snapshot(snipe.StateFailed)}}

	err := trackSnipe(context.Background(), store, "id", &bytes.Buffer{}, time.Millisecond)
	require.EqualError(t, err, "transaction simulation failed")
}

func TestTrackSnipeInterruptRequestsCancel(t *testing.T) {
	store := &fakeTracker{
		snapshots: []*snipe.Snipe{snapshot(snipe.StateArmed)},
		onCancel: func(f *fakeTracker) {
			f.snapshots = append(f.snapshots, snapshot(snipe.StateCancelled))
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer

	require.NoError(t, trackSnipe(ctx, store, "id", &out, time.Millisecond))
	assert.True(t, store.cancelled)
	assert.Contains(t, out.String(), "cancel requested")
	assert.Contains(t, out.String(), "cancelled")
}

func TestTrackSnipeCancelledWhileQueued(t *testing.T) {
	store := &fakeTracker{request: storage.SnipeRequest{Status: storage.RequestQueued}}
	store.onCancel = func(f *fakeTracker) { f.request.Status = storage.RequestCancelled }
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var out bytes.Buffer

	require.NoError(t, trackSnipe(ctx, store, "id", &out, time.Millisecond))
	assert.True(t, store.cancelled)
	assert.Contains(t, out.String(), "snipe id cancelled")
}
