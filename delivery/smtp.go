// Package delivery sends reservation confirmation mails.
package delivery

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"strings"
	"text/template"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/overtonx/mailrelay"
)

const (
	defaultSubject = "[TablePick] Your reservation is confirmed"
	defaultPort    = 587
	defaultTimeout = 15 * time.Second
)

var bodyTemplate = template.Must(template.New("confirmation").Parse(`Hello,

Your reservation #{{.ReservationID}}{{if .RestaurantName}} at {{.RestaurantName}}{{end}} is confirmed.
Party size: {{.PartySize}}
{{- if not .ConfirmedAt.IsZero}}
Confirmed at: {{.ConfirmedAt.Format "2006-01-02 15:04"}}
{{- end}}

Thank you for booking with TablePick.
`))

// SMTPConfig holds the mail server settings. Timeout bounds the whole SMTP conversation
// of one delivery, dial included.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	Subject  string
	Timeout  time.Duration
}

type sendFunc func(ctx context.Context, msg *mail.Msg) error

// SMTPClient delivers confirmations through an SMTP relay. It makes exactly one attempt
// per call; retrying is up to the caller.
type SMTPClient struct {
	config SMTPConfig
	client *mail.Client
	logger *zap.Logger
	send   sendFunc
	now    func() time.Time
}

// NewSMTPClient creates an SMTPClient. PLAIN auth is used when a username is configured
// and STARTTLS whenever the server offers it.
func NewSMTPClient(config SMTPConfig, logger *zap.Logger) (*SMTPClient, error) {
	if config.Host == "" {
		return nil, fmt.Errorf("smtp host is required")
	}
	if config.From == "" {
		return nil, fmt.Errorf("smtp sender address is required")
	}
	if config.Port == 0 {
		config.Port = defaultPort
	}
	if config.Subject == "" {
		config.Subject = defaultSubject
	}
	if config.Timeout <= 0 {
		config.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	opts := []mail.Option{
		mail.WithPort(config.Port),
		mail.WithTimeout(config.Timeout),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
		mail.WithDialContextFunc(deadlineDialer(config.Timeout)),
	}
	if config.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(config.Username),
			mail.WithPassword(config.Password),
		)
	}
	client, err := mail.NewClient(config.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create smtp client: %w", err)
	}

	return &SMTPClient{
		config: config,
		client: client,
		logger: logger,
		send: func(ctx context.Context, msg *mail.Msg) error {
			return client.DialAndSendWithContext(ctx, msg)
		},
		now: time.Now,
	}, nil
}

// deadlineDialer puts a hard deadline on the connection so a server that stops answering
// cannot hold the caller past timeout or past the ctx deadline, whichever comes first.
func deadlineDialer(timeout time.Duration) mail.DialContextFunc {
	return func(ctx context.Context, network, address string) (net.Conn, error) {
		var dialer net.Dialer
		conn, err := dialer.DialContext(ctx, network, address)
		if err != nil {
			return nil, err
		}
		deadline := time.Now().Add(timeout)
		if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(deadline) {
			deadline = ctxDeadline
		}
		if err := conn.SetDeadline(deadline); err != nil {
			_ = conn.Close()
			return nil, err
		}
		return conn, nil
	}
}

// Deliver implements mailrelay.DeliveryClient.
func (c *SMTPClient) Deliver(ctx context.Context, event mailrelay.ConfirmedEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	msg, err := c.compose(event)
	if err != nil {
		return err
	}

	if err := c.send(ctx, msg); err != nil {
		return fmt.Errorf("send mail for reservation %d: %w", event.ReservationID, err)
	}

	c.logger.Debug("Mail sent", zap.Int64("reservation_id", event.ReservationID), zap.String("email", event.Email))
	return nil
}

func (c *SMTPClient) compose(event mailrelay.ConfirmedEvent) (*mail.Msg, error) {
	if strings.ContainsAny(event.Email, "\r\n") {
		return nil, fmt.Errorf("invalid recipient %q", event.Email)
	}

	var body bytes.Buffer
	if err := bodyTemplate.Execute(&body, event); err != nil {
		return nil, fmt.Errorf("render mail body: %w", err)
	}

	msg := mail.NewMsg()
	if err := msg.From(c.config.From); err != nil {
		return nil, fmt.Errorf("invalid sender %q: %w", c.config.From, err)
	}
	if err := msg.To(event.Email); err != nil {
		return nil, fmt.Errorf("invalid recipient %q: %w", event.Email, err)
	}
	msg.Subject(c.config.Subject)
	msg.SetDateWithValue(c.now())
	msg.SetBodyString(mail.TypeTextPlain, body.String())
	return msg, nil
}

// LogClient only logs the confirmation. It is used when no SMTP host is configured.
type LogClient struct {
	logger *zap.Logger
}

func NewLogClient(logger *zap.Logger) *LogClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogClient{logger: logger}
}

// Deliver implements mailrelay.DeliveryClient.
func (c *LogClient) Deliver(_ context.Context, event mailrelay.ConfirmedEvent) error {
	c.logger.Info("Reservation confirmation (no SMTP configured)",
		zap.Int64("reservation_id", event.ReservationID),
		zap.String("email", event.Email),
		zap.String("restaurant", event.RestaurantName),
		zap.Int("party_size", event.PartySize),
	)
	return nil
}
