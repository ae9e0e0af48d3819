package mail

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Attachment content is base64 encoded.
type Attachment struct {
	Name        string `json:"filename"`
	Content     string `json:"content"`
	ContentType string `json:"content_type,omitempty"`
}

// Email is a single message to send.
type Email struct {
	From        string
	To          string
	Subject     string
	TextBody    string
	HTMLBody    string
	Attachments []Attachment
	Tag         string
}

func NewAttachment(name, contentType string, data []byte) Attachment {
	return Attachment{Name: name, ContentType: contentType, Content: base64.StdEncoding.EncodeToString(data)}
}

// ResendSender sends via the Resend HTTP API.
type ResendSender struct {
	url    string
	key    string
	client *http.Client
	log    zerolog.Logger
}

func NewResendSender(url, key string, timeout time.Duration, log zerolog.Logger) *ResendSender {
	if url == "" {
		url = "https://api.resend.com/emails"
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &ResendSender{
		url:    url,
		key:    key,
		client: &http.Client{Timeout: timeout},
		log:    log.With().Str("component", "resend").Logger(),
	}
}

type resendTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type resendRequest struct {
	From        string       `json:"from"`
	To          []string     `json:"to"`
	Subject     string       `json:"subject"`
	Text        string       `json:"text,omitempty"`
	HTML        string       `json:"html,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Tags        []resendTag  `json:"tags,omitempty"`
}

func (s *ResendSender) Send(ctx context.Context, e Email) (string, error) {
	body := resendRequest{
		From:        e.From,
		To:          []string{e.To},
		Subject:     e.Subject,
		Text:        e.TextBody,
		HTML:        e.HTMLBody,
		Attachments: e.Attachments,
	}
	if e.Tag != "" {
		body.Tags = []resendTag{{Name: "category", Value: e.Tag}}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode resend request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("resend request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var errResp struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&errResp)
		return "", fmt.Errorf("resend error %d: %s", resp.StatusCode, errResp.Message)
	}
	var ok struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&ok); err != nil {
		return "", fmt.Errorf("decode resend response: %w", err)
	}
	s.log.Debug().Str("message_id", ok.ID).Str("to", e.To).Msg("email accepted")
	return ok.ID, nil
}

// SMTPSender sends MIME messages over SMTP, upgrading with STARTTLS when offered.
type SMTPSender struct {
	host    string
	port    int
	user    string
	pass    string
	timeout time.Duration
	now     func() time.Time
	log     zerolog.Logger
}

func NewSMTPSender(host string, port int, user, pass string, timeout time.Duration, log zerolog.Logger) *SMTPSender {
	if port == 0 {
		port = 587
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SMTPSender{
		host:    host,
		port:    port,
		user:    user,
		pass:    pass,
		timeout: timeout,
		now:     time.Now,
		log:     log.With().Str("component", "smtp").Logger(),
	}
}

func (s *SMTPSender) Send(ctx context.Context, e Email) (string, error) {
	id := uuid.NewString() + "@sharecal"
	raw, err := Build(e, id, s.now())
	if err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", addr)
	if err != nil {
		return "", fmt.Errorf("dial smtp %s: %w", addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	c, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return "", fmt.Errorf("smtp handshake: %w", err)
	}
	defer c.Close()

	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return "", fmt.Errorf("smtp starttls: %w", err)
		}
	}
	if s.user != "" {
		if err := c.Auth(smtp.PlainAuth("", s.user, s.pass, s.host)); err != nil {
			return "", fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(bareAddress(e.From)); err != nil {
		return "", fmt.Errorf("smtp MAIL FROM: %w", err)
	}
	if err := c.Rcpt(bareAddress(e.To)); err != nil {
		return "", fmt.Errorf("smtp RCPT TO: %w", err)
	}
	w, err := c.Data()
	if err != nil {
		return "", fmt.Errorf("smtp DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		return "", fmt.Errorf("smtp write: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("smtp end of data: %w", err)
	}
	_ = c.Quit()

	s.log.Debug().Str("message_id", id).Str("to", e.To).Msg("email sent")
	return id, nil
}

// Build renders e as a MIME message: a text/html alternative followed by the
// attachments.
func Build(e Email, messageID string, date time.Time) ([]byte, error) {
	from, err := mail.ParseAddress(e.From)
	if err != nil {
		return nil, fmt.Errorf("invalid from address %q: %w", e.From, err)
	}
	to, err := mail.ParseAddress(e.To)
	if err != nil {
		return nil, fmt.Errorf("invalid to address %q: %w", e.To, err)
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{from})
	h.SetAddressList("To", []*mail.Address{to})
	h.SetSubject(e.Subject)
	h.SetMessageID(messageID)
	if e.Tag != "" {
		h.Set("X-Sharecal-Tag", e.Tag)
	}

	var buf bytes.Buffer
	mw, err := mail.CreateWriter(&buf, h)
	if err != nil {
		return nil, err
	}

	iw, err := mw.CreateInline()
	if err != nil {
		return nil, err
	}
	if err := writeInline(iw, "text/plain", e.TextBody); err != nil {
		return nil, err
	}
	if e.HTMLBody != "" {
		if err := writeInline(iw, "text/html", e.HTMLBody); err != nil {
			return nil, err
		}
	}
	if err := iw.Close(); err != nil {
		return nil, err
	}

	for _, a := range e.Attachments {
		data, err := base64.StdEncoding.DecodeString(a.Content)
		if err != nil {
			return nil, fmt.Errorf("attachment %s: %w", a.Name, err)
		}
		var ah mail.AttachmentHeader
		ct := a.ContentType
		if ct == "" {
			ct = "application/octet-stream"
		}
		ah.Set("Content-Type", ct)
		ah.SetFilename(a.Name)
		w, err := mw.CreateAttachment(ah)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(data); err != nil {
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeInline(iw *mail.InlineWriter, contentType, body string) error {
	var ph mail.InlineHeader
	ph.SetContentType(contentType, map[string]string{"charset": "utf-8"})
	w, err := iw.CreatePart(ph)
	if err != nil {
		return err
	}
	if _, err := io.WriteString(w, body); err != nil {
		return err
	}
	return w.Close()
}

func bareAddress(s string) string {
	if a, err := mail.ParseAddress(s); err == nil {
		return a.Address
	}
	return strings.TrimSpace(s)
}
