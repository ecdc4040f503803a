// Package mailer sends the renewal calendar as an ICS attachment over SMTP.
package mailer

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"
)

const (
	Subject        = "BRM Contract Renewals Calendar"
	AttachmentName = "brm-renewal-calendar.ics"
	bodyText       = "Attached is the calendar of contract renewals and notice deadlines."
	defaultFrom    = "no-reply@example.com"
)

// ErrNoRecipients is returned when the recipient list is empty.
var ErrNoRecipients = errors.New("no recipients")

// AddressError reports a recipient that is not a valid address.
type AddressError struct {
	Address string
	Err     error
}

func (e *AddressError) Error() string { return fmt.Sprintf("invalid recipient %q: %v", e.Address, e.Err) }
func (e *AddressError) Unwrap() error { return e.Err }

type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	// TLS upgrades the connection with STARTTLS.
	TLS  bool
	From string
}

// Transport delivers one raw RFC 5322 message.
type Transport interface {
	Send(ctx context.Context, from string, to []string, msg []byte) error
}

type Mailer struct {
	from      string
	transport Transport
	now       func() time.Time
}

// New builds a Mailer over SMTP.
func New(cfg Config) *Mailer {
	return NewWithTransport(cfg.From, &SMTPTransport{cfg: cfg})
}

func NewWithTransport(from string, t Transport) *Mailer {
	if from == "" {
		from = defaultFrom
	}
	return &Mailer{from: from, transport: t, now: time.Now}
}

// SendCalendar mails ics to every address in to.
func (m *Mailer) SendCalendar(ctx context.Context, to []string, ics []byte) error {
	addrs, err := parseRecipients(to)
	if err != nil {
		return err
	}
	msg, err := m.build(addrs, ics)
	if err != nil {
		return err
	}
	return m.transport.Send(ctx, m.from, addrs, msg)
}

func parseRecipients(to []string) ([]string, error) {
	var out []string
	for _, raw := range to {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		a, err := mail.ParseAddress(raw)
		if err != nil {
			return nil, &AddressError{Address: raw, Err: err}
		}
		out = append(out, a.Address)
	}
	if len(out) == 0 {
		return nil, ErrNoRecipients
	}
	return out, nil
}

func (m *Mailer) build(to []string, ics []byte) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := func(k, v string) { fmt.Fprintf(&buf, "%s: %s\r\n", k, v) }
	hdr("From", m.from)
	hdr("To", strings.Join(to, ", "))
	hdr("Subject", mime.QEncoding.Encode("utf-8", Subject))
	hdr("Date", m.now().Format(time.RFC1123Z))
	hdr("MIME-Version", "1.0")
	hdr("Content-Type", fmt.Sprintf("multipart/mixed; boundary=%q", mw.Boundary()))
	buf.WriteString("\r\n")

	body, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/plain; charset=utf-8"},
		"Content-Transfer-Encoding": {"7bit"},
	})
	if err != nil {
		return nil, err
	}
	if _, err := body.Write([]byte(bodyText + "\r\n")); err != nil {
		return nil, err
	}

	att, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {fmt.Sprintf("text/calendar; charset=utf-8; method=PUBLISH; name=%q", AttachmentName)},
		"Content-Transfer-Encoding": {"base64"},
		"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", AttachmentName)},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64Lines(att, ics); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64Lines wraps at 76 columns.
func writeBase64Lines(w interface{ Write([]byte) (int, error) }, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 0 {
		n := 76
		if len(enc) < n {
			n = len(enc)
		}
		if _, err := w.Write([]byte(enc[:n] + "\r\n")); err != nil {
			return err
		}
		enc = enc[n:]
	}
	return nil
}

// SMTPTransport talks to a relay with net/smtp.
type SMTPTransport struct {
	cfg Config
}

func (t *SMTPTransport) Send(ctx context.Context, from string, to []string, msg []byte) error {
	host := t.cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := t.cfg.Port
	if port == 0 {
		port = 25
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp dial %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if t.cfg.TLS {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if t.cfg.User != "" && t.cfg.Password != "" {
		if err := c.Auth(smtp.PlainAuth("", t.cfg.User, t.cfg.Password, host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(from); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", rcpt, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(msg); err != nil {
		return fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp data close: %w", err)
	}
	return c.Quit()
}
