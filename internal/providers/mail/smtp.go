package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	netmail "net/mail"
	"net/smtp"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"dispatch/internal/util"
)

// Dialer abstracts net.Dialer to simplify testing.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

type SMTPSender struct {
	host      string
	port      int
	from      string
	fromName  string
	auth      smtp.Auth
	tlsConfig *tls.Config
	dialer    Dialer
	helloName string
}

func NewSMTP(cfg Config, d Dialer) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("smtp: host is required")
	}
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, fmt.Errorf("smtp: invalid port %d", cfg.Port)
	}
	if _, err := netmail.ParseAddress(cfg.FromAddress); err != nil {
		return nil, fmt.Errorf("smtp: invalid from address %q: %w", cfg.FromAddress, err)
	}
	if d == nil {
		d = &net.Dialer{Timeout: 30 * time.Second}
	}
	s := &SMTPSender{
		host:      cfg.Host,
		port:      cfg.Port,
		from:      cfg.FromAddress,
		fromName:  cfg.FromName,
		dialer:    d,
		helloName: "localhost",
	}
	if cfg.Username != "" {
		s.auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	if !strings.EqualFold(cfg.Encryption, "none") {
		s.tlsConfig = &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}
	}
	return s, nil
}

// Send delivers msg and reports the locally generated Message-ID, which is
// what the mail server and later bounces refer to.
func (s *SMTPSender) Send(ctx context.Context, msg Message) (Result, error) {
	rcpt, err := netmail.ParseAddress(msg.To)
	if err != nil {
		return Result{}, fmt.Errorf("smtp: invalid recipient: %w", err)
	}
	msgID := "<" + util.NewULID() + "@" + domainOf(s.from) + ">"

	body, err := s.buildMessage(msg, msgID)
	if err != nil {
		return Result{}, err
	}
	if err := s.deliver(ctx, rcpt.Address, body); err != nil {
		return Result{}, err
	}
	return Result{Kind: WithID, MessageID: strings.Trim(msgID, "<>"), Raw: map[string]any{
		"driver":     DriverSMTP,
		"message_id": msgID,
		"code":       250,
	}}, nil
}

func (s *SMTPSender) deliver(ctx context.Context, rcpt string, message []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	conn, err := s.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp: dial: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		return fmt.Errorf("smtp: new client: %w", err)
	}
	defer client.Close()

	if err := client.Hello(s.helloName); err != nil {
		return fmt.Errorf("smtp: hello: %w", err)
	}
	if s.tlsConfig != nil {
		if ok, _ := client.Extension("STARTTLS"); ok {
			if err := client.StartTLS(s.tlsConfig.Clone()); err != nil {
				return fmt.Errorf("smtp: starttls: %w", err)
			}
		}
	}
	if s.auth != nil {
		if ok, _ := client.Extension("AUTH"); ok {
			if err := client.Auth(s.auth); err != nil {
				return fmt.Errorf("smtp: auth: %w", err)
			}
		}
	}
	if err := client.Mail(s.from); err != nil {
		return fmt.Errorf("smtp: mail from: %w", err)
	}
	if err := client.Rcpt(rcpt); err != nil {
		return fmt.Errorf("smtp: rcpt to %s: %w", rcpt, err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp: data: %w", err)
	}
	if _, err := w.Write(message); err != nil {
		_ = w.Close()
		return fmt.Errorf("smtp: data write: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp: data close: %w", err)
	}
	if err := client.Quit(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("smtp: quit: %w", err)
	}
	return ctx.Err()
}

func (s *SMTPSender) buildMessage(msg Message, msgID string) ([]byte, error) {
	fromName := s.fromName
	if msg.FromName != "" {
		fromName = msg.FromName
	}
	from := (&netmail.Address{Name: fromName, Address: s.from}).String()

	var buf bytes.Buffer
	h := func(k, v string) { buf.WriteString(k + ": " + v + "\r\n") }
	h("From", from)
	h("To", msg.To)
	h("Subject", mime.QEncoding.Encode("utf-8", sanitizeHeader(msg.Subject)))
	h("Date", now().Format(time.RFC1123Z))
	h("Message-ID", msgID)
	h("MIME-Version", "1.0")

	if len(msg.Attachments) == 0 {
		h("Content-Type", "text/html; charset=UTF-8")
		h("Content-Transfer-Encoding", "base64")
		buf.WriteString("\r\n")
		writeBase64(&buf, []byte(msg.HTML))
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	h("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	buf.WriteString("\r\n")

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=UTF-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, err
	}
	writeBase64(part, []byte(msg.HTML))

	for _, a := range msg.Attachments {
		ct := a.Mime
		if ct == "" {
			ct = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {ct},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Name})},
		})
		if err != nil {
			return nil, err
		}
		writeBase64(part, a.Data)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 wraps at 76 columns as RFC 2045 requires.
func writeBase64(w io.Writer, data []byte) {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		_, _ = io.WriteString(w, enc[:76]+"\r\n")
		enc = enc[76:]
	}
	_, _ = io.WriteString(w, enc+"\r\n")
}

func sanitizeHeader(v string) string {
	return strings.TrimSpace(strings.NewReplacer("\r", " ", "\n", " ").Replace(v))
}

func domainOf(addr string) string {
	if i := strings.LastIndex(addr, "@"); i >= 0 && i+1 < len(addr) {
		return addr[i+1:]
	}
	return "localhost"
}
