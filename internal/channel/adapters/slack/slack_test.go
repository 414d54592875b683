package slack

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/relaydesk/relaydesk/internal/channel"
)

const eventBody = `{
  "type": "event_callback",
  "team_id": "T02RGN9T0",
  "event_id": "Ev08MFMKH6",
  "event": {
    "type": "message",
    "channel": "D0PNCRP9N",
    "user": "U061F7AUR",
    "text": "can someone reset my password?",
    "ts": "1700000000.000200"
  }
}`

func slackConfig() channel.SlackConfig {
	return channel.SlackConfig{
		BotToken:      "xoxb-token",
		TeamID:        "T02RGN9T0",
		SigningSecret: "8f742231b10e8888abcd99yyyzzz85a5",
	}
}

func TestSendMessage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat.postMessage" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer xoxb-token" {
			t.Errorf("Authorization = %q", got)
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		if body["channel"] != "U061F7AUR" || body["text"] != "done, check your inbox" {
			t.Errorf("payload = %v", body)
		}
		w.Write([]byte(`{"ok":true,"channel":"D0PNCRP9N","ts":"1700000100.000300"}`))
	}))
	defer srv.Close()

	a := New(nil)
	a.baseURL = srv.URL
	res, err := a.SendMessage(context.Background(), slackConfig(), channel.OutboundMessage{
		To:      "U061F7AUR",
		Content: "done, check your inbox",
	})
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if res.ProviderMessageID != "D0PNCRP9N:1700000100.000300" {
		t.Fatalf("ProviderMessageID = %q", res.ProviderMessageID)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":false,"error":"channel_not_found"}`))
	}))
	defer srv.Close()

	a := New(nil)
	a.baseURL = srv.URL
	_, err := a.SendMessage(context.Background(), slackConfig(), channel.OutboundMessage{To: "U1", Content: "x"})
	if err == nil || !strings.Contains(err.Error(), "channel_not_found") {
		t.Fatalf("SendMessage error = %v", err)
	}
}

func TestProcessWebhook(t *testing.T) {
	t.Parallel()
	a := New(nil)
	event, err := a.ProcessWebhook(context.Background(), slackConfig(), channel.WebhookRequest{Body: []byte(eventBody)})
	if err != nil {
		t.Fatalf("ProcessWebhook error: %v", err)
	}
	if len(event.Messages) != 1 {
		t.Fatalf("want 1 message, got %d", len(event.Messages))
	}
	msg := event.Messages[0]
	if msg.SenderExternalID != "U061F7AUR" || msg.PlatformMessageID != "D0PNCRP9N:1700000000.000200" {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Metadata["channel"] != "D0PNCRP9N" {
		t.Fatalf("Metadata = %v", msg.Metadata)
	}
}

func TestProcessWebhook_SkipsBotEcho(t *testing.T) {
	t.Parallel()
	body := `{"type":"event_callback","team_id":"T02RGN9T0","event":{"type":"message","channel":"D1","bot_id":"B024BE7LH","text":"auto","ts":"1700000000.1"}}`
	a := New(nil)
	event, err := a.ProcessWebhook(context.Background(), slackConfig(), channel.WebhookRequest{Body: []byte(body)})
	if err != nil || !event.Empty() {
		t.Fatalf("bot echo: event = %+v, err = %v", event, err)
	}
}

func TestVerifyWebhook(t *testing.T) {
	t.Parallel()
	a := New(nil)
	fixed := time.Unix(1700000060, 0)
	a.now = func() time.Time { return fixed }

	body := []byte(eventBody)
	ts := "1700000000"
	mac := hmac.New(sha256.New, []byte(slackConfig().SigningSecret))
	fmt.Fprintf(mac, "v0:%s:%s", ts, body)
	sig := "v0=" + hex.EncodeToString(mac.Sum(nil))

	header := http.Header{}
	header.Set("X-Slack-Request-Timestamp", ts)
	header.Set("X-Slack-Signature", sig)
	req := channel.WebhookRequest{Body: body, Header: header}
	if err := a.VerifyWebhook(slackConfig(), req); err != nil {
		t.Fatalf("VerifyWebhook error: %v", err)
	}

	header.Set("X-Slack-Signature", "v0=bad")
	if err := a.VerifyWebhook(slackConfig(), req); err == nil {
		t.Fatalf("bad signature should fail")
	}

	// Stale timestamps are rejected even with a valid signature.
	a.now = func() time.Time { return fixed.Add(time.Hour) }
	header.Set("X-Slack-Signature", sig)
	if err := a.VerifyWebhook(slackConfig(), req); err == nil {
		t.Fatalf("stale timestamp should fail")
	}
}

func TestWebhookChallenge(t *testing.T) {
	t.Parallel()
	a := New(nil)
	body := `{"type":"url_verification","token":"legacy","challenge":"3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P"}`
	challenge, ok := a.WebhookChallenge(slackConfig(), channel.WebhookRequest{Body: []byte(body)})
	if !ok || challenge != "3eZbrw1aBm2rZgRNFdxV2595E9CY3gmdALWMmHkvFXO7tYXAYM8P" {
		t.Fatalf("WebhookChallenge = (%q, %v)", challenge, ok)
	}
	if _, ok := a.WebhookChallenge(slackConfig(), channel.WebhookRequest{Body: []byte(eventBody)}); ok {
		t.Fatalf("event_callback is not a challenge")
	}
}

func TestWebhookIdentity(t *testing.T) {
	t.Parallel()
	a := New(nil)
	id, err := a.WebhookIdentity(channel.WebhookRequest{Body: []byte(eventBody)})
	if err != nil || id != "T02RGN9T0" {
		t.Fatalf("WebhookIdentity = (%q, %v)", id, err)
	}
}
