package alerting

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func sampleNote() Notification {
	return Notification{
		SnipeID:  "abc",
		UserID:   "u1",
		State:    "completed",
		Target:   common.HexToAddress("0x00000000000000000000000000000000000000aa"),
		Amount:   decimal.RequireFromString("1.5"),
		GasPrice: decimal.NewFromInt(22),
		TxHash:   common.HexToHash("0x01"),
		At:       time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), sampleNote()); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	if !strings.HasPrefix(received["text"], "[Snipe COMPLETED]") {
		t.Fatalf("text 标题不正确: %q", received["text"])
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())

	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestTelegramNotifierStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), sampleNote()); err == nil {
		t.Fatal("非 2xx 响应应报错")
	}
}

func TestRenderMessage(t *testing.T) {
	note := sampleNote()
	note.State = "failed"
	note.TxHash = common.Hash{}
	note.GasPrice = decimal.Zero
	note.Reason = "Gas price too high (60 > 50 gwei)"

	msg := renderMessage(note)
	for _, want := range []string{"[Snipe FAILED]", "User: u1", "Amount: 1.5", "Reason: Gas price too high", "2026-01-01T00:00:00Z"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("消息缺少 %q:\n%s", want, msg)
		}
	}
	if strings.Contains(msg, "Tx:") || strings.Contains(msg, "Gas:") {
		t.Fatalf("空字段不应渲染:\n%s", msg)
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
