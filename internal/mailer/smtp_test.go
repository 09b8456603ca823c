package mailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"net/textproto"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/Popie52/notifyqueue/internal/model"
)

func note(to string) model.Notification {
	return model.Notification{
		ID:        "0190c6a8-notify",
		Recipient: to,
		Subject:   "Your report is ready",
		Body:      "Hello,\nthe report finished.",
		CreatedAt: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
	}
}

type capture struct {
	addr string
	from string
	to   []string
	msg  []byte
	err  error
}

func newTestSMTP(t *testing.T, c *capture) *SMTP {
	t.Helper()
	s, err := NewSMTP(SMTPConfig{Host: "smtp.example.com", Port: 2525, From: "Notify <notify@example.com>"})
	if err != nil {
		t.Fatalf("NewSMTP: %v", err)
	}
	s.send = func(_ context.Context, from string, to []string, msg []byte) error {
		c.addr, c.from, c.to, c.msg = s.addr, from, to, msg
		return c.err
	}
	return s
}

func TestNewSMTPValidates(t *testing.T) {
	if _, err := NewSMTP(SMTPConfig{From: "a@example.com"}); !errors.Is(err, ErrSMTPHostPortRequired) {
		t.Errorf("missing host = %v", err)
	}
	if _, err := NewSMTP(SMTPConfig{Host: "h", Port: 25}); !errors.Is(err, ErrSMTPNoSender) {
		t.Errorf("missing from = %v", err)
	}
	if _, err := NewSMTP(SMTPConfig{Host: "h", Port: 25, From: "not an address"}); err == nil {
		t.Error("bad from accepted")
	}
}

func TestSMTPSendComposesMessage(t *testing.T) {
	var c capture
	s := newTestSMTP(t, &c)

	if err := s.Send(context.Background(), note("Ada <ada@example.com>")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	if c.addr != "smtp.example.com:2525" || c.from != "notify@example.com" {
		t.Errorf("envelope addr=%q from=%q", c.addr, c.from)
	}
	if len(c.to) != 1 || c.to[0] != "ada@example.com" {
		t.Errorf("envelope to = %v", c.to)
	}

	r, err := mail.CreateReader(bytes.NewReader(c.msg))
	if err != nil {
		t.Fatalf("parse message: %v", err)
	}
	subject, err := r.Header.Subject()
	if err != nil || subject != "Your report is ready" {
		t.Errorf("Subject = %q (%v)", subject, err)
	}
	to, err := r.Header.AddressList("To")
	if err != nil || len(to) != 1 || to[0].Address != "ada@example.com" {
		t.Errorf("To = %v (%v)", to, err)
	}
	if id, _ := r.Header.MessageID(); id != "0190c6a8-notify@notifyqueue" {
		t.Errorf("Message-Id = %q", id)
	}

	part, err := r.NextPart()
	if err != nil {
		t.Fatalf("NextPart: %v", err)
	}
	body, _ := io.ReadAll(part.Body)
	if !strings.Contains(string(body), "the report finished.") {
		t.Errorf("body = %q", body)
	}
}

func TestSMTPSendClassifiesFailures(t *testing.T) {
	cases := []struct {
		name      string
		recipient string
		sendErr   error
		permanent bool
	}{
		{"mailbox unavailable", "a@example.com", &textproto.Error{Code: 550, Msg: "no such user"}, true},
		{"greylisted", "a@example.com", &textproto.Error{Code: 451, Msg: "try later"}, false},
		{"network", "a@example.com", errors.New("dial tcp: connection refused"), false},
		{"bad recipient", "not-an-address", nil, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			c := capture{err: tc.sendErr}
			s := newTestSMTP(t, &c)

			err := s.Send(context.Background(), note(tc.recipient))
			if err == nil {
				t.Fatal("Send succeeded")
			}
			if IsPermanent(err) != tc.permanent {
				t.Errorf("IsPermanent(%v) = %v, want %v", err, IsPermanent(err), tc.permanent)
			}
		})
	}
}

func TestSMTPSendHonoursCancelledContext(t *testing.T) {
	var c capture
	s := newTestSMTP(t, &c)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := s.Send(ctx, note("a@example.com"))
	if err == nil || IsPermanent(err) {
		t.Fatalf("Send = %v, want transient error", err)
	}
	if c.msg != nil {
		t.Error("message sent despite cancelled context")
	}
}

func newSMTPTo(t *testing.T, addr net.Addr) *SMTP {
	t.Helper()
	tcp := addr.(*net.TCPAddr)
	s, err := NewSMTP(SMTPConfig{Host: tcp.IP.String(), Port: tcp.Port, From: "notify@example.com"})
	if err != nil {
		t.Fatalf("NewSMTP: %v", err)
	}
	return s
}

// startFakeSMTP serves one SMTP transaction and hands back the message data.
// RCPT is answered with rcptReply.
func startFakeSMTP(t *testing.T, rcptReply string) (net.Addr, <-chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })

	msgs := make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		tp := textproto.NewConn(conn)
		tp.PrintfLine("220 fake ESMTP")
		for {
			line, err := tp.ReadLine()
			if err != nil {
				return
			}
			verb, _, _ := strings.Cut(line, " ")
			switch strings.ToUpper(verb) {
			case "EHLO":
				tp.PrintfLine("250-fake")
				tp.PrintfLine("250 8BITMIME")
			case "HELO", "MAIL", "RSET", "NOOP":
				tp.PrintfLine("250 OK")
			case "RCPT":
				tp.PrintfLine("%s", rcptReply)
			case "DATA":
				tp.PrintfLine("354 go ahead")
				body, err := tp.ReadDotBytes()
				if err != nil {
					return
				}
				msgs <- string(body)
				tp.PrintfLine("250 queued")
			case "QUIT":
				tp.PrintfLine("221 bye")
				return
			default:
				tp.PrintfLine("502 unknown command")
			}
		}
	}()
	return ln.Addr(), msgs
}

// startSilentSMTP accepts connections and never greets.
func startSilentSMTP(t *testing.T) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	held := make(chan net.Conn, 8)
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			held <- conn
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		for {
			select {
			case conn := <-held:
				conn.Close()
			default:
				return
			}
		}
	})
	return ln.Addr()
}

func TestSMTPDeliversOverTheWire(t *testing.T) {
	addr, msgs := startFakeSMTP(t, "250 OK")
	s := newSMTPTo(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Send(ctx, note("ada@example.com")); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case msg := <-msgs:
		if !strings.Contains(msg, "Subject: Your report is ready") || !strings.Contains(msg, "the report finished.") {
			t.Errorf("message = %q", msg)
		}
	default:
		t.Fatal("server received no message")
	}
}

func TestSMTPRejectedRecipientIsPermanent(t *testing.T) {
	addr, _ := startFakeSMTP(t, "550 5.1.1 no such user")
	s := newSMTPTo(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.Send(ctx, note("ghost@example.com"))
	if !IsPermanent(err) {
		t.Fatalf("Send = %v, want permanent error", err)
	}
}

func TestSMTPSendStopsAtDeadline(t *testing.T) {
	s := newSMTPTo(t, startSilentSMTP(t))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := s.Send(ctx, note("a@example.com"))
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("Send blocked %s past a 100ms deadline", elapsed)
	}
	if err == nil || IsPermanent(err) {
		t.Fatalf("Send = %v, want transient error", err)
	}
	if !errors.Is(err, os.ErrDeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Send = %v, want a deadline error", err)
	}
}

func TestSMTPSendStopsOnCancel(t *testing.T) {
	s := newSMTPTo(t, startSilentSMTP(t))

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	done := make(chan error, 1)
	go func() { done <- s.Send(ctx, note("a@example.com")) }()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) || IsPermanent(err) {
			t.Fatalf("Send = %v, want transient cancellation", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Send ignored cancellation")
	}
}
