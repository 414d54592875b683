package meta

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/relaydesk/relaydesk/internal/channel"
)

const waWebhookBody = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "102290129340398",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "106540352242922"},
        "contacts": [{"profile": {"name": "Dana"}, "wa_id": "15552223333"}],
        "messages": [{"from": "15552223333", "id": "wamid.ABC", "timestamp": "1700000000", "type": "text", "text": {"body": "hola"}}],
        "statuses": [{"id": "wamid.OUT1", "status": "delivered", "timestamp": "1700000100"}]
      }
    }]
  }]
}`

func waConfig() channel.MetaWhatsAppConfig {
	return channel.MetaWhatsAppConfig{
		AccessToken:   "EAAG-token",
		PhoneNumberID: "106540352242922",
		VerifyToken:   "verify-me",
		AppSecret:     "app-secret",
	}
}

func TestWhatsAppSendMessage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/106540352242922/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer EAAG-token" {
			t.Errorf("Authorization = %q", got)
		}
		var body waSendRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.Type != "text" || body.Text == nil || body.Text.Body != "hello" {
			t.Errorf("payload = %+v", body)
		}
		if body.To != "15552223333" {
			t.Errorf("To = %q, want digits without plus", body.To)
		}
		w.Write([]byte(`{"messages":[{"id":"wamid.SENT"}]}`))
	}))
	defer srv.Close()

	a := NewWhatsApp(nil)
	a.baseURL = srv.URL
	res, err := a.SendMessage(context.Background(), waConfig(), channel.OutboundMessage{
		To:      "+15552223333",
		Content: "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if res.ProviderMessageID != "wamid.SENT" {
		t.Fatalf("ProviderMessageID = %q", res.ProviderMessageID)
	}
}

func TestWhatsAppSendMessage_GraphError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"message":"Invalid OAuth access token","type":"OAuthException","code":190}}`))
	}))
	defer srv.Close()

	a := NewWhatsApp(nil)
	a.baseURL = srv.URL
	_, err := a.SendMessage(context.Background(), waConfig(), channel.OutboundMessage{To: "+1555", Content: "x"})
	if err == nil || !strings.Contains(err.Error(), "OAuthException") {
		t.Fatalf("SendMessage error = %v, want graph error", err)
	}
}

func TestWhatsAppProcessWebhook(t *testing.T) {
	t.Parallel()
	a := NewWhatsApp(nil)
	event, err := a.ProcessWebhook(context.Background(), waConfig(), channel.WebhookRequest{Body: []byte(waWebhookBody)})
	if err != nil {
		t.Fatalf("ProcessWebhook error: %v", err)
	}
	if len(event.Messages) != 1 || len(event.Statuses) != 1 {
		t.Fatalf("event = %d messages, %d statuses", len(event.Messages), len(event.Statuses))
	}
	msg := event.Messages[0]
	if msg.SenderExternalID != "15552223333" || msg.SenderDisplayName != "Dana" || msg.Content != "hola" {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.PlatformMessageID != "wamid.ABC" {
		t.Fatalf("PlatformMessageID = %q", msg.PlatformMessageID)
	}
	if event.Statuses[0].Status != channel.DeliveryDelivered || event.Statuses[0].PlatformMessageID != "wamid.OUT1" {
		t.Fatalf("status = %+v", event.Statuses[0])
	}
}

func TestWhatsAppWebhookIdentity(t *testing.T) {
	t.Parallel()
	a := NewWhatsApp(nil)
	id, err := a.WebhookIdentity(channel.WebhookRequest{Body: []byte(waWebhookBody)})
	if err != nil || id != "106540352242922" {
		t.Fatalf("WebhookIdentity = (%q, %v)", id, err)
	}
}

func TestWhatsAppVerifyWebhook(t *testing.T) {
	t.Parallel()
	a := NewWhatsApp(nil)
	body := []byte(waWebhookBody)
	mac := hmac.New(sha256.New, []byte("app-secret"))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	header := http.Header{}
	header.Set("X-Hub-Signature-256", sig)
	req := channel.WebhookRequest{Body: body, Header: header}
	if err := a.VerifyWebhook(waConfig(), req); err != nil {
		t.Fatalf("VerifyWebhook error: %v", err)
	}

	header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	if err := a.VerifyWebhook(waConfig(), req); err == nil {
		t.Fatalf("VerifyWebhook with bad signature should fail")
	}

	// No app secret configured disables verification.
	open := waConfig()
	open.AppSecret = ""
	if err := a.VerifyWebhook(open, channel.WebhookRequest{Body: body}); err != nil {
		t.Fatalf("VerifyWebhook without secret = %v, want nil", err)
	}
}

func TestWhatsAppWebhookChallenge(t *testing.T) {
	t.Parallel()
	a := NewWhatsApp(nil)
	req := channel.WebhookRequest{Query: url.Values{
		"hub.mode":         {"subscribe"},
		"hub.verify_token": {"verify-me"},
		"hub.challenge":    {"1158201444"},
	}}
	body, ok := a.WebhookChallenge(waConfig(), req)
	if !ok || body != "1158201444" {
		t.Fatalf("WebhookChallenge = (%q, %v)", body, ok)
	}

	req.Query.Set("hub.verify_token", "wrong")
	if _, ok := a.WebhookChallenge(waConfig(), req); ok {
		t.Fatalf("WebhookChallenge with wrong token should fail")
	}
}
