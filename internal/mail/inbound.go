package mail

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
)

const maxPartBytes = 1 << 20

// ReadBodies pulls the text/plain and text/html bodies out of a raw RFC 5322 message.
// Attachments are skipped.
func ReadBodies(r io.Reader) (text, html string, err error) {
	mr, err := mail.CreateReader(r)
	if err != nil && !message.IsUnknownCharset(err) {
		return "", "", fmt.Errorf("parse message: %w", err)
	}
	defer mr.Close()

	var textB, htmlB strings.Builder
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return "", "", fmt.Errorf("read part: %w", err)
		}
		h, ok := p.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		ct, _, _ := h.ContentType()
		b, err := io.ReadAll(io.LimitReader(p.Body, maxPartBytes))
		if err != nil {
			return "", "", fmt.Errorf("read body: %w", err)
		}
		switch ct {
		case "text/plain":
			textB.Write(b)
		case "text/html":
			htmlB.Write(b)
		}
	}
	return textB.String(), htmlB.String(), nil
}
