package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"net/textproto"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/Popie52/notifyqueue/internal/model"
)

var (
	// ErrSMTPHostPortRequired is returned when Host/Port are missing.
	ErrSMTPHostPortRequired = errors.New("smtp host and port are required")
	// ErrSMTPNoSender is returned when no From address is configured.
	ErrSMTPNoSender = errors.New("no sender provided")
	// ErrSMTPNoAuth is returned when credentials are set but the server offers no AUTH.
	ErrSMTPNoAuth = errors.New("smtp server does not support AUTH")
)

// SMTPConfig configures the SMTP mailer.
type SMTPConfig struct {
	// Host is the SMTP server hostname.
	Host string
	// Port is the SMTP server port.
	Port int
	// Username is the SMTP authentication username.
	Username string
	// Password is the SMTP authentication password.
	Password string
	// From is the sender address.
	From string
}

// SMTP delivers notifications as plain-text mail over net/smtp.
type SMTP struct {
	host string
	addr string
	from *mail.Address
	auth smtp.Auth

	// send runs one SMTP transaction; replaced in tests.
	send func(ctx context.Context, from string, to []string, msg []byte) error
}

var _ Mailer = (*SMTP)(nil)

func NewSMTP(cfg SMTPConfig) (*SMTP, error) {
	if cfg.Host == "" || cfg.Port == 0 {
		return nil, ErrSMTPHostPortRequired
	}
	if cfg.From == "" {
		return nil, ErrSMTPNoSender
	}
	from, err := mail.ParseAddress(cfg.From)
	if err != nil {
		return nil, fmt.Errorf("parse from address: %w", err)
	}

	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}

	s := &SMTP{
		host: cfg.Host,
		addr: net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		from: from,
		auth: auth,
	}
	s.send = s.deliver
	return s, nil
}

// Send composes and delivers n. The whole transaction, dial included, is
// bounded by ctx.
func (s *SMTP) Send(ctx context.Context, n model.Notification) error {
	to, err := mail.ParseAddress(n.Recipient)
	if err != nil {
		return Permanent(fmt.Errorf("invalid recipient %q: %w", n.Recipient, err))
	}

	raw, err := compose(s.from, to, n)
	if err != nil {
		return Permanent(fmt.Errorf("compose message: %w", err))
	}

	if err := ctx.Err(); err != nil {
		return Transient(err)
	}

	return classifySMTP(s.send(ctx, s.from.Address, []string{to.Address}, raw))
}

// deliver is smtp.SendMail on a connection that honours ctx: its deadline
// becomes the socket deadline and cancellation unblocks pending I/O.
func (s *SMTP) deliver(ctx context.Context, from string, to []string, msg []byte) (err error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return err
	}
	if dl, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(dl); err != nil {
			conn.Close()
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() {
		conn.SetDeadline(time.Unix(1, 0))
	})
	defer func() {
		stop()
		if err != nil && ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", ctx.Err(), err)
		}
	}()

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		conn.Close()
		return err
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return err
		}
	}
	if s.auth != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return ErrSMTPNoAuth
		}
		if err := c.Auth(s.auth); err != nil {
			return err
		}
	}

	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

func compose(from, to *mail.Address, n model.Notification) ([]byte, error) {
	var h mail.Header
	date := n.CreatedAt
	if date.IsZero() {
		date = time.Now()
	}
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(n.Subject)
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	if n.ID != "" {
		h.SetMessageID(n.ID + "@notifyqueue")
	}

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, n.Body); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// classifySMTP maps SMTP reply codes onto retry classes: 5xx is permanent,
// everything else (4xx, network, timeouts) is transient.
func classifySMTP(err error) error {
	if err == nil {
		return nil
	}

	var tpErr *textproto.Error
	if errors.As(err, &tpErr) && tpErr.Code >= 500 && tpErr.Code < 600 {
		return Permanent(err)
	}
	return Transient(err)
}
