package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	mail "github.com/wneessen/go-mail"

	"github.com/relaydesk/relaydesk/internal/channel"
)

// SMTPAdapter implements channel.Adapter for plain SMTP mailboxes. Inbound
// mail is discovered by watching the INBOX over IMAP, so the adapter also
// implements channel.InboundPoller.
type SMTPAdapter struct {
	logger *slog.Logger
}

// NewSMTP creates a generic SMTP/IMAP adapter.
func NewSMTP(log *slog.Logger) *SMTPAdapter {
	if log == nil {
		log = slog.Default()
	}
	return &SMTPAdapter{logger: log.With(slog.String("adapter", "smtp"))}
}

func (a *SMTPAdapter) Platform() channel.Platform { return channel.PlatformEmail }
func (a *SMTPAdapter) Provider() channel.Provider { return channel.ProviderSMTP }

func (a *SMTPAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Platform:    channel.PlatformEmail,
		Provider:    channel.ProviderSMTP,
		DisplayName: "SMTP / IMAP",
		ConfigSchema: channel.ConfigSchema{
			Fields: []channel.FieldSchema{
				{Key: "username", Type: "string", Title: "Username", Required: true, Order: 1},
				{Key: "password", Type: "string", Title: "Password", Required: true, Secret: true, Order: 2},
				{Key: "smtp_host", Type: "string", Title: "SMTP Host", Required: true, Order: 3},
				{Key: "smtp_port", Type: "number", Title: "SMTP Port", Order: 4},
				{Key: "smtp_security", Type: "enum", Title: "SMTP Security", Description: "tls, starttls, or none", Order: 5},
				{Key: "imap_host", Type: "string", Title: "IMAP Host", Description: "Leave empty to disable inbound mail", Order: 6},
				{Key: "imap_port", Type: "number", Title: "IMAP Port", Order: 7},
				{Key: "imap_security", Type: "enum", Title: "IMAP Security", Order: 8},
				{Key: "poll_interval_seconds", Type: "number", Title: "Poll Interval (seconds)", Description: "Fallback when IDLE is unsupported", Order: 9},
				{Key: "address", Type: "string", Title: "Mailbox Address", Description: "Defaults to the username", Order: 10},
			},
		},
	}
}

func (a *SMTPAdapter) DecodeConfig(raw map[string]any) (channel.ProviderConfig, error) {
	var cfg channel.SMTPConfig
	if err := channel.DecodeInto(raw, &cfg); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func smtpOptions(cfg channel.SMTPConfig) []mail.Option {
	opts := []mail.Option{
		mail.WithPort(cfg.SMTPPort),
		mail.WithSMTPAuth(mail.SMTPAuthPlain),
		mail.WithUsername(cfg.Username),
		mail.WithPassword(cfg.Password),
	}
	switch cfg.SMTPSecurity {
	case "tls":
		opts = append(opts, mail.WithSSLPort(false), mail.WithTLSPolicy(mail.TLSMandatory))
	case "none":
		opts = append(opts, mail.WithTLSPolicy(mail.NoTLS))
	default:
		opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
	}
	return opts
}

func (a *SMTPAdapter) SendMessage(ctx context.Context, cfg channel.ProviderConfig, msg channel.OutboundMessage) (channel.SendResult, error) {
	sc, ok := cfg.(channel.SMTPConfig)
	if !ok {
		return channel.SendResult{}, fmt.Errorf("unexpected config type %T", cfg)
	}
	sc = sc.WithDefaults()

	m := mail.NewMsg()
	if err := m.From(sc.ExternalIdentity()); err != nil {
		return channel.SendResult{}, fmt.Errorf("set from: %w", err)
	}
	if err := m.To(strings.TrimSpace(msg.To)); err != nil {
		return channel.SendResult{}, fmt.Errorf("set to: %w", err)
	}
	subject := strings.TrimSpace(msg.Subject)
	if subject == "" {
		subject = defaultSubject
	}
	m.Subject(subject)
	body := msg.Content
	if msg.MediaURL != "" {
		if body != "" {
			body += "\n\n"
		}
		body += msg.MediaURL
	}
	m.SetBodyString(mail.TypeTextPlain, body)
	m.SetMessageID()

	client, err := mail.NewClient(sc.SMTPHost, smtpOptions(sc)...)
	if err != nil {
		return channel.SendResult{}, fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return channel.SendResult{}, fmt.Errorf("send email: %w", err)
	}
	return channel.SendResult{ProviderMessageID: strings.Trim(m.GetMessageID(), "<>")}, nil
}

// ProcessWebhook exists to satisfy the adapter contract; SMTP inbound comes
// from the IMAP watcher, never from webhooks.
func (a *SMTPAdapter) ProcessWebhook(ctx context.Context, cfg channel.ProviderConfig, req channel.WebhookRequest) (channel.WebhookEvent, error) {
	return channel.WebhookEvent{}, nil
}

func (a *SMTPAdapter) TestConnection(ctx context.Context, cfg channel.ProviderConfig) error {
	sc, ok := cfg.(channel.SMTPConfig)
	if !ok {
		return fmt.Errorf("unexpected config type %T", cfg)
	}
	sc = sc.WithDefaults()
	client, err := mail.NewClient(sc.SMTPHost, smtpOptions(sc)...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialWithContext(ctx); err != nil {
		return fmt.Errorf("smtp dial: %w", err)
	}
	return client.Close()
}

func (a *SMTPAdapter) WebhookIdentity(req channel.WebhookRequest) (string, error) {
	return "", channel.ErrNoInboundSupport
}

// StartPolling watches the configured INBOX and delivers new messages. The
// watcher reconnects on failure until the context is cancelled or stop is
// called.
func (a *SMTPAdapter) StartPolling(ctx context.Context, cfg channel.ProviderConfig, deliver channel.InboundFunc) (func(), error) {
	sc, ok := cfg.(channel.SMTPConfig)
	if !ok {
		return nil, fmt.Errorf("unexpected config type %T", cfg)
	}
	sc = sc.WithDefaults()
	if sc.IMAPHost == "" {
		return nil, fmt.Errorf("imap_host not configured")
	}

	wctx, cancel := context.WithCancel(ctx)
	w := &imapWatcher{
		logger:       a.logger.With(slog.String("mailbox", sc.ExternalIdentity())),
		cfg:          sc,
		pollInterval: time.Duration(sc.PollInterval) * time.Second,
		deliver:      deliver,
		cancel:       cancel,
	}
	go w.run(wctx)

	var once sync.Once
	return func() { once.Do(cancel) }, nil
}

type imapWatcher struct {
	logger       *slog.Logger
	cfg          channel.SMTPConfig
	pollInterval time.Duration
	deliver      channel.InboundFunc
	cancel       context.CancelFunc
	lastUID      imap.UID
}

func (w *imapWatcher) run(ctx context.Context) {
	for {
		if err := w.connectAndWatch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("imap connection error, retrying in 30s", slog.Any("error", err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(30 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (w *imapWatcher) dial(newMail func()) (*imapclient.Client, error) {
	addr := fmt.Sprintf("%s:%d", w.cfg.IMAPHost, w.cfg.IMAPPort)
	opts := &imapclient.Options{
		TLSConfig: &tls.Config{ServerName: w.cfg.IMAPHost},
	}
	if newMail != nil {
		opts.UnilateralDataHandler = &imapclient.UnilateralDataHandler{
			Mailbox: func(data *imapclient.UnilateralDataMailbox) {
				if data.NumMessages != nil {
					newMail()
				}
			},
		}
	}
	switch w.cfg.IMAPSecurity {
	case "starttls":
		return imapclient.DialStartTLS(addr, opts)
	case "none":
		return imapclient.DialInsecure(addr, opts)
	default:
		return imapclient.DialTLS(addr, opts)
	}
}

func (w *imapWatcher) connectAndWatch(ctx context.Context) error {
	newMailCh := make(chan struct{}, 1)
	notify := func() {
		select {
		case newMailCh <- struct{}{}:
		default:
		}
	}

	client, err := w.dial(notify)
	if err != nil {
		return fmt.Errorf("dial imap (%s): %w", w.cfg.IMAPSecurity, err)
	}
	defer client.Close()

	if err := client.Login(w.cfg.Username, w.cfg.Password).Wait(); err != nil {
		return fmt.Errorf("imap login: %w", err)
	}
	defer client.Logout()

	if _, err := client.Select("INBOX", nil).Wait(); err != nil {
		return fmt.Errorf("select inbox: %w", err)
	}

	w.logger.Info("imap connected", slog.String("host", w.cfg.IMAPHost))
	w.fetchNew(ctx, client)

	idleCmd, idleErr := client.Idle()
	if idleErr != nil {
		w.logger.Warn("IDLE not supported, falling back to polling", slog.Any("error", idleErr))
		return w.pollLoop(ctx, client)
	}

	// Poll under IDLE too: some servers accept IDLE but never push EXISTS.
	checkInterval := w.pollInterval
	if checkInterval > 2*time.Minute {
		checkInterval = 2 * time.Minute
	}

	for {
		select {
		case <-ctx.Done():
			_ = idleCmd.Close()
			return nil
		case <-newMailCh:
			_ = idleCmd.Close()
			w.fetchNew(ctx, client)
			idleCmd, idleErr = client.Idle()
			if idleErr != nil {
				return w.pollLoop(ctx, client)
			}
		case <-time.After(checkInterval):
			_ = idleCmd.Close()
			w.fetchNew(ctx, client)
			idleCmd, idleErr = client.Idle()
			if idleErr != nil {
				return w.pollLoop(ctx, client)
			}
		}
	}
}

func (w *imapWatcher) pollLoop(ctx context.Context, client *imapclient.Client) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(w.pollInterval):
		}
		w.fetchNew(ctx, client)
	}
}

// fetchNew processes messages with UIDs above the last seen one. UID ranges
// are immune to other clients marking mail as read. The first fetch only
// records the high-water mark so historical mail is not replayed.
func (w *imapWatcher) fetchNew(ctx context.Context, client *imapclient.Client) {
	var uidSet imap.UIDSet
	if w.lastUID > 0 {
		uidSet.AddRange(w.lastUID+1, 0)
	} else {
		uidSet.AddRange(1, 0)
	}

	fetchCmd := client.Fetch(uidSet, &imap.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{}},
	})
	defer fetchCmd.Close()

	firstRun := w.lastUID == 0
	for {
		msgData := fetchCmd.Next()
		if msgData == nil {
			break
		}
		buf, err := msgData.Collect()
		if err != nil || buf.Envelope == nil {
			continue
		}
		if buf.UID > w.lastUID {
			w.lastUID = buf.UID
		}
		if firstRun {
			continue
		}
		msg := envelopeToInbound(buf, w.cfg.ExternalIdentity())
		if msg == nil {
			continue
		}
		w.deliver(ctx, *msg)
	}
}

// envelopeToInbound converts a fetched message. Mail the mailbox sent to
// itself is skipped to avoid looping on outbound copies.
func envelopeToInbound(buf *imapclient.FetchMessageBuffer, selfAddr string) *channel.InboundMessage {
	env := buf.Envelope
	if env == nil || len(env.From) == 0 {
		return nil
	}
	from := strings.ToLower(env.From[0].Addr())
	if from == "" || from == selfAddr {
		return nil
	}
	var body string
	if len(buf.BodySection) > 0 {
		body = string(buf.BodySection[0].Bytes)
	}
	msg := &channel.InboundMessage{
		SenderExternalID:  from,
		SenderDisplayName: env.From[0].Name,
		Content:           strings.TrimSpace(body),
		MessageType:       channel.MessageTypeText,
		PlatformMessageID: strings.Trim(env.MessageID, "<>"),
		ReceivedAt:        env.Date.UTC(),
	}
	if env.Subject != "" {
		msg.Metadata = map[string]any{"subject": env.Subject}
	}
	return msg
}

var (
	_ channel.Adapter       = (*SMTPAdapter)(nil)
	_ channel.InboundPoller = (*SMTPAdapter)(nil)
)
