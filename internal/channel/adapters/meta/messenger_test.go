package meta

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/relaydesk/relaydesk/internal/channel"
)

const pageWebhookBody = `{
  "object": "page",
  "entry": [{
    "id": "1906385232743007",
    "time": 1700000000000,
    "messaging": [
      {
        "sender": {"id": "8021512846"},
        "recipient": {"id": "1906385232743007"},
        "timestamp": 1700000000000,
        "message": {"mid": "m.abc123", "text": "is this still available?"}
      },
      {
        "sender": {"id": "1906385232743007"},
        "recipient": {"id": "8021512846"},
        "timestamp": 1700000001000,
        "message": {"mid": "m.echo1", "text": "our reply", "is_echo": true}
      },
      {
        "sender": {"id": "8021512846"},
        "recipient": {"id": "1906385232743007"},
        "timestamp": 1700000002000,
        "delivery": {"mids": ["m.out9"]}
      }
    ]
  }]
}`

func messengerConfig() channel.MessengerConfig {
	return channel.MessengerConfig{
		PageID:      "1906385232743007",
		AccessToken: "page-token",
	}
}

func TestMessengerSendMessage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/me/messages" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var body messengerSendRequest
		json.NewDecoder(r.Body).Decode(&body)
		if body.Recipient.ID != "8021512846" || body.Message.Text != "yes, still available" {
			t.Errorf("payload = %+v", body)
		}
		w.Write([]byte(`{"recipient_id":"8021512846","message_id":"m.sent1"}`))
	}))
	defer srv.Close()

	a := NewMessenger(channel.PlatformFacebook, nil)
	a.baseURL = srv.URL
	res, err := a.SendMessage(context.Background(), messengerConfig(), channel.OutboundMessage{
		To:      "8021512846",
		Content: "yes, still available",
	})
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if res.ProviderMessageID != "m.sent1" {
		t.Fatalf("ProviderMessageID = %q", res.ProviderMessageID)
	}
}

func TestMessengerProcessWebhook(t *testing.T) {
	t.Parallel()
	a := NewMessenger(channel.PlatformFacebook, nil)
	event, err := a.ProcessWebhook(context.Background(), messengerConfig(), channel.WebhookRequest{Body: []byte(pageWebhookBody)})
	if err != nil {
		t.Fatalf("ProcessWebhook error: %v", err)
	}
	// Echo messages are dropped; delivery receipt maps to one status.
	if len(event.Messages) != 1 || len(event.Statuses) != 1 {
		t.Fatalf("event = %d messages, %d statuses", len(event.Messages), len(event.Statuses))
	}
	msg := event.Messages[0]
	if msg.SenderExternalID != "8021512846" || msg.PlatformMessageID != "m.abc123" {
		t.Fatalf("msg = %+v", msg)
	}
	if event.Statuses[0].PlatformMessageID != "m.out9" || event.Statuses[0].Status != channel.DeliveryDelivered {
		t.Fatalf("status = %+v", event.Statuses[0])
	}
}

func TestMessengerProcessWebhook_WrongObject(t *testing.T) {
	t.Parallel()
	a := NewMessenger(channel.PlatformInstagram, nil)
	event, err := a.ProcessWebhook(context.Background(), messengerConfig(), channel.WebhookRequest{Body: []byte(pageWebhookBody)})
	if err != nil {
		t.Fatalf("ProcessWebhook error: %v", err)
	}
	if !event.Empty() {
		t.Fatalf("instagram adapter should ignore page payloads, got %+v", event)
	}
}

func TestMessengerWebhookIdentity(t *testing.T) {
	t.Parallel()
	a := NewMessenger(channel.PlatformFacebook, nil)
	id, err := a.WebhookIdentity(channel.WebhookRequest{Body: []byte(pageWebhookBody)})
	if err != nil || id != "1906385232743007" {
		t.Fatalf("WebhookIdentity = (%q, %v)", id, err)
	}
}

func TestMessengerProcessWebhook_Attachment(t *testing.T) {
	t.Parallel()
	body := `{
  "object": "instagram",
  "entry": [{
    "id": "17841400000000000",
    "messaging": [{
      "sender": {"id": "1254459"},
      "recipient": {"id": "17841400000000000"},
      "timestamp": 1700000000000,
      "message": {"mid": "m.ig1", "attachments": [{"type": "image", "payload": {"url": "https://cdn.example.com/p.jpg"}}]}
    }]
  }]
}`
	a := NewMessenger(channel.PlatformInstagram, nil)
	event, err := a.ProcessWebhook(context.Background(), messengerConfig(), channel.WebhookRequest{Body: []byte(body)})
	if err != nil {
		t.Fatalf("ProcessWebhook error: %v", err)
	}
	if len(event.Messages) != 1 {
		t.Fatalf("want 1 message, got %d", len(event.Messages))
	}
	msg := event.Messages[0]
	if msg.MessageType != channel.MessageTypeImage || msg.MediaURL != "https://cdn.example.com/p.jpg" {
		t.Fatalf("msg = %+v", msg)
	}
}
