package twilio

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/relaydesk/relaydesk/internal/channel"
)

func testConfig() channel.TwilioConfig {
	return channel.TwilioConfig{
		AccountSID:  "AC0000",
		AuthToken:   "token",
		PhoneNumber: "+15550001111",
	}
}

func formRequest(values url.Values) channel.WebhookRequest {
	return channel.WebhookRequest{
		Body:        []byte(values.Encode()),
		ContentType: "application/x-www-form-urlencoded",
	}
}

func TestSendMessage_WhatsAppPrefix(t *testing.T) {
	t.Parallel()
	var gotForm url.Values
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/Accounts/AC0000/Messages.json") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if user, pass, ok := r.BasicAuth(); !ok || user != "AC0000" || pass != "token" {
			t.Errorf("basic auth = (%s, %s, %v)", user, pass, ok)
		}
		r.ParseForm()
		gotForm = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"sid":"SM123","status":"queued"}`))
	}))
	defer srv.Close()

	a := New(channel.PlatformWhatsApp, nil)
	a.baseURL = srv.URL
	res, err := a.SendMessage(context.Background(), testConfig(), channel.OutboundMessage{
		To:      "+15552223333",
		Content: "hello",
	})
	if err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
	if res.ProviderMessageID != "SM123" {
		t.Fatalf("ProviderMessageID = %q, want SM123", res.ProviderMessageID)
	}
	if got := gotForm.Get("To"); got != "whatsapp:+15552223333" {
		t.Fatalf("To = %q", got)
	}
	if got := gotForm.Get("From"); got != "whatsapp:+15550001111" {
		t.Fatalf("From = %q", got)
	}
}

func TestSendMessage_SMSNoPrefix(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if got := r.PostForm.Get("To"); got != "+15552223333" {
			t.Errorf("To = %q, want bare number", got)
		}
		w.Write([]byte(`{"sid":"SM9","status":"queued"}`))
	}))
	defer srv.Close()

	a := New(channel.PlatformSMS, nil)
	a.baseURL = srv.URL
	if _, err := a.SendMessage(context.Background(), testConfig(), channel.OutboundMessage{To: "+15552223333", Content: "hi"}); err != nil {
		t.Fatalf("SendMessage error: %v", err)
	}
}

func TestSendMessage_APIError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"code":21211,"message":"invalid 'To' number","status":400}`))
	}))
	defer srv.Close()

	a := New(channel.PlatformSMS, nil)
	a.baseURL = srv.URL
	_, err := a.SendMessage(context.Background(), testConfig(), channel.OutboundMessage{To: "nonsense", Content: "hi"})
	if err == nil || !strings.Contains(err.Error(), "21211") {
		t.Fatalf("SendMessage error = %v, want twilio error 21211", err)
	}
}

func TestProcessWebhook_InboundMessage(t *testing.T) {
	t.Parallel()
	a := New(channel.PlatformWhatsApp, nil)
	req := formRequest(url.Values{
		"MessageSid":  {"SM555"},
		"From":        {"whatsapp:+15552223333"},
		"To":          {"whatsapp:+15550001111"},
		"Body":        {"need help with my order"},
		"ProfileName": {"Dana"},
		"NumMedia":    {"0"},
		"SmsStatus":   {"received"},
	})
	event, err := a.ProcessWebhook(context.Background(), testConfig(), req)
	if err != nil {
		t.Fatalf("ProcessWebhook error: %v", err)
	}
	if len(event.Messages) != 1 || len(event.Statuses) != 0 {
		t.Fatalf("event = %d messages, %d statuses", len(event.Messages), len(event.Statuses))
	}
	msg := event.Messages[0]
	if msg.SenderExternalID != "+15552223333" {
		t.Fatalf("SenderExternalID = %q", msg.SenderExternalID)
	}
	if msg.PlatformMessageID != "SM555" || msg.SenderDisplayName != "Dana" {
		t.Fatalf("msg = %+v", msg)
	}
}

func TestProcessWebhook_MediaMessage(t *testing.T) {
	t.Parallel()
	a := New(channel.PlatformWhatsApp, nil)
	req := formRequest(url.Values{
		"MessageSid":        {"SM777"},
		"From":              {"whatsapp:+15552223333"},
		"NumMedia":          {"1"},
		"MediaUrl0":         {"https://api.twilio.com/media/1"},
		"MediaContentType0": {"image/jpeg"},
	})
	event, err := a.ProcessWebhook(context.Background(), testConfig(), req)
	if err != nil {
		t.Fatalf("ProcessWebhook error: %v", err)
	}
	if len(event.Messages) != 1 {
		t.Fatalf("want 1 message, got %d", len(event.Messages))
	}
	if event.Messages[0].MessageType != channel.MessageTypeImage {
		t.Fatalf("MessageType = %s, want image", event.Messages[0].MessageType)
	}
}

func TestProcessWebhook_StatusCallback(t *testing.T) {
	t.Parallel()
	a := New(channel.PlatformSMS, nil)
	req := formRequest(url.Values{
		"MessageSid":    {"SM555"},
		"MessageStatus": {"delivered"},
	})
	event, err := a.ProcessWebhook(context.Background(), testConfig(), req)
	if err != nil {
		t.Fatalf("ProcessWebhook error: %v", err)
	}
	if len(event.Statuses) != 1 || len(event.Messages) != 0 {
		t.Fatalf("event = %d messages, %d statuses", len(event.Messages), len(event.Statuses))
	}
	if event.Statuses[0].Status != channel.DeliveryDelivered {
		t.Fatalf("Status = %s", event.Statuses[0].Status)
	}
}

func TestWebhookIdentity(t *testing.T) {
	t.Parallel()
	a := New(channel.PlatformWhatsApp, nil)
	req := formRequest(url.Values{"To": {"whatsapp:+15550001111"}})
	id, err := a.WebhookIdentity(req)
	if err != nil || id != "+15550001111" {
		t.Fatalf("WebhookIdentity = (%q, %v)", id, err)
	}
	if _, err := a.WebhookIdentity(formRequest(url.Values{})); err == nil {
		t.Fatalf("WebhookIdentity without To should fail")
	}
}
