package email

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"mime/multipart"
	"testing"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/relaydesk/relaydesk/internal/channel"
)

func mailgunConfig() channel.MailgunConfig {
	return channel.MailgunConfig{
		Domain:         "mg.example.com",
		APIKey:         "key-123",
		SigningKey:     "signing-key",
		InboundAddress: "support@mg.example.com",
	}
}

// multipartRequest builds a webhook request the way Mailgun posts inbound
// routes.
func multipartRequest(t *testing.T, fields map[string]string) channel.WebhookRequest {
	t.Helper()
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("write field %s: %v", k, err)
		}
	}
	w.Close()
	return channel.WebhookRequest{
		Body:        buf.Bytes(),
		ContentType: w.FormDataContentType(),
	}
}

func TestMailgunProcessWebhook(t *testing.T) {
	t.Parallel()
	a := NewMailgun(nil)
	req := multipartRequest(t, map[string]string{
		"sender":        "Customer@Example.com",
		"from":          "Pat Doe <customer@example.com>",
		"recipient":     "support@mg.example.com",
		"subject":       "refund request",
		"body-plain":    "quoted reply\n> old text",
		"stripped-text": "quoted reply",
		"Message-Id":    "<20260825.abc@example.com>",
	})
	event, err := a.ProcessWebhook(context.Background(), mailgunConfig(), req)
	if err != nil {
		t.Fatalf("ProcessWebhook error: %v", err)
	}
	if len(event.Messages) != 1 {
		t.Fatalf("want 1 message, got %d", len(event.Messages))
	}
	msg := event.Messages[0]
	if msg.SenderExternalID != "customer@example.com" || msg.SenderDisplayName != "Pat Doe" {
		t.Fatalf("sender = %+v", msg)
	}
	if msg.Content != "quoted reply" || msg.PlatformMessageID != "20260825.abc@example.com" {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.Metadata["subject"] != "refund request" {
		t.Fatalf("Metadata = %v", msg.Metadata)
	}
}

func TestMailgunWebhookIdentity(t *testing.T) {
	t.Parallel()
	a := NewMailgun(nil)
	req := multipartRequest(t, map[string]string{
		"recipient": "Support@mg.example.com, other@mg.example.com",
	})
	id, err := a.WebhookIdentity(req)
	if err != nil || id != "support@mg.example.com" {
		t.Fatalf("WebhookIdentity = (%q, %v)", id, err)
	}
}

func TestMailgunVerifyWebhook(t *testing.T) {
	t.Parallel()
	a := NewMailgun(nil)
	timestamp := "1700000000"
	token := "rand-token"
	mac := hmac.New(sha256.New, []byte("signing-key"))
	mac.Write([]byte(timestamp + token))
	sig := hex.EncodeToString(mac.Sum(nil))

	good := multipartRequest(t, map[string]string{
		"timestamp": timestamp,
		"token":     token,
		"signature": sig,
	})
	if err := a.VerifyWebhook(mailgunConfig(), good); err != nil {
		t.Fatalf("VerifyWebhook error: %v", err)
	}

	bad := multipartRequest(t, map[string]string{
		"timestamp": timestamp,
		"token":     token,
		"signature": "deadbeef",
	})
	if err := a.VerifyWebhook(mailgunConfig(), bad); err == nil {
		t.Fatalf("bad signature should fail")
	}
}

func TestSMTPDecodeConfigDefaults(t *testing.T) {
	t.Parallel()
	a := NewSMTP(nil)
	cfg, err := a.DecodeConfig(map[string]any{
		"username":  "desk@example.com",
		"password":  "pw",
		"smtp_host": "smtp.example.com",
	})
	if err != nil {
		t.Fatalf("DecodeConfig error: %v", err)
	}
	sc, ok := cfg.(channel.SMTPConfig)
	if !ok {
		t.Fatalf("config type = %T", cfg)
	}
	if sc.SMTPPort != 587 || sc.IMAPPort != 993 || sc.PollInterval != 300 {
		t.Fatalf("defaults = %+v", sc)
	}
	if cfg.ExternalIdentity() != "desk@example.com" {
		t.Fatalf("ExternalIdentity = %q", cfg.ExternalIdentity())
	}
}

func TestSMTPWebhookIdentity_NotSupported(t *testing.T) {
	t.Parallel()
	a := NewSMTP(nil)
	if _, err := a.WebhookIdentity(channel.WebhookRequest{}); err == nil {
		t.Fatalf("WebhookIdentity should report no inbound support")
	}
}

func TestEnvelopeToInbound(t *testing.T) {
	t.Parallel()
	buf := &imapclient.FetchMessageBuffer{
		UID: 41,
		Envelope: &imap.Envelope{
			Date:      time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC),
			Subject:   "order 1043",
			MessageID: "<id-77@example.com>",
			From:      []imap.Address{{Name: "Pat Doe", Mailbox: "pat", Host: "example.com"}},
		},
	}
	msg := envelopeToInbound(buf, "desk@example.com")
	if msg == nil {
		t.Fatalf("envelopeToInbound returned nil")
	}
	if msg.SenderExternalID != "pat@example.com" || msg.SenderDisplayName != "Pat Doe" {
		t.Fatalf("msg = %+v", msg)
	}
	if msg.PlatformMessageID != "id-77@example.com" || msg.Metadata["subject"] != "order 1043" {
		t.Fatalf("msg = %+v", msg)
	}

	// The mailbox's own outbound copies are dropped.
	self := &imapclient.FetchMessageBuffer{
		UID: 42,
		Envelope: &imap.Envelope{
			From: []imap.Address{{Mailbox: "desk", Host: "example.com"}},
		},
	}
	if got := envelopeToInbound(self, "desk@example.com"); got != nil {
		t.Fatalf("self-addressed mail should be skipped, got %+v", got)
	}
}
