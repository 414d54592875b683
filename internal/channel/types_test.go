package channel_test

import (
	"net/http"
	"net/url"
	"testing"

	"github.com/relaydesk/relaydesk/internal/channel"
)

func TestParsePlatform(t *testing.T) {
	t.Parallel()
	got, err := channel.ParsePlatform("  WhatsApp ")
	if err != nil || got != channel.PlatformWhatsApp {
		t.Fatalf("ParsePlatform(whatsapp) = (%v, %v), want (whatsapp, nil)", got, err)
	}
	if _, err := channel.ParsePlatform("myspace"); err == nil {
		t.Fatalf("ParsePlatform(myspace) should fail")
	}
	if _, err := channel.ParsePlatform(""); err == nil {
		t.Fatalf("ParsePlatform(empty) should fail")
	}
}

func TestDirectionFor(t *testing.T) {
	t.Parallel()
	cases := []struct {
		sender channel.SenderType
		want   channel.Direction
	}{
		{channel.SenderCustomer, channel.DirectionInbound},
		{channel.SenderAgent, channel.DirectionOutbound},
		{channel.SenderSystem, channel.DirectionOutbound},
		{channel.SenderAIAgent, channel.DirectionOutbound},
	}
	for _, tc := range cases {
		if got := channel.DirectionFor(tc.sender); got != tc.want {
			t.Fatalf("DirectionFor(%s) = %s, want %s", tc.sender, got, tc.want)
		}
	}
}

func TestParseDeliveryStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw  string
		want channel.DeliveryStatus
		ok   bool
	}{
		{"queued", channel.DeliverySent, true},
		{"accepted", channel.DeliverySent, true},
		{"delivered", channel.DeliveryDelivered, true},
		{"seen", channel.DeliveryRead, true},
		{"undelivered", channel.DeliveryFailed, true},
		{"failed", channel.DeliveryFailed, true},
		{"typing", "", false},
	}
	for _, tc := range cases {
		got, ok := channel.ParseDeliveryStatus(tc.raw)
		if got != tc.want || ok != tc.ok {
			t.Fatalf("ParseDeliveryStatus(%q) = (%s, %v), want (%s, %v)", tc.raw, got, ok, tc.want, tc.ok)
		}
	}
}

func TestMessageTypeForMedia(t *testing.T) {
	t.Parallel()
	if got := channel.MessageTypeForMedia("image/jpeg"); got != channel.MessageTypeImage {
		t.Fatalf("MessageTypeForMedia(image/jpeg) = %s, want image", got)
	}
	if got := channel.MessageTypeForMedia("audio/ogg"); got != channel.MessageTypeAudio {
		t.Fatalf("MessageTypeForMedia(audio/ogg) = %s, want audio", got)
	}
	if got := channel.MessageTypeForMedia("application/pdf"); got != channel.MessageTypeDocument {
		t.Fatalf("MessageTypeForMedia(application/pdf) = %s, want document", got)
	}
}

func TestWebhookRequestForm(t *testing.T) {
	t.Parallel()
	body := url.Values{"From": {"whatsapp:+15551234567"}, "Body": {"hello"}}.Encode()
	req := channel.WebhookRequest{
		Body:        []byte(body),
		ContentType: "application/x-www-form-urlencoded; charset=UTF-8",
	}
	form, err := req.Form()
	if err != nil {
		t.Fatalf("Form() error: %v", err)
	}
	if got := form.Get("From"); got != "whatsapp:+15551234567" {
		t.Fatalf("form From = %q", got)
	}

	notForm := channel.WebhookRequest{Body: []byte(`{"a":1}`), ContentType: "application/json"}
	if _, err := notForm.Form(); err == nil {
		t.Fatalf("Form() on JSON body should fail")
	}
}

func TestWebhookRequestDecodeJSON(t *testing.T) {
	t.Parallel()
	req := channel.WebhookRequest{Body: []byte(`{"object":"whatsapp_business_account"}`)}
	var payload struct {
		Object string `json:"object"`
	}
	if err := req.DecodeJSON(&payload); err != nil {
		t.Fatalf("DecodeJSON error: %v", err)
	}
	if payload.Object != "whatsapp_business_account" {
		t.Fatalf("payload.Object = %q", payload.Object)
	}
}

func TestWebhookRequestHeaderValue(t *testing.T) {
	t.Parallel()
	req := channel.WebhookRequest{Header: http.Header{}}
	req.Header.Set("X-Telegram-Bot-Api-Secret-Token", "s3cret")
	if got := req.HeaderValue("x-telegram-bot-api-secret-token"); got != "s3cret" {
		t.Fatalf("HeaderValue = %q, want s3cret", got)
	}
	var empty channel.WebhookRequest
	if got := empty.HeaderValue("Anything"); got != "" {
		t.Fatalf("HeaderValue on empty request = %q, want empty", got)
	}
}
