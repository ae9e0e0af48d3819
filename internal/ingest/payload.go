package ingest

import (
	"encoding/json"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"sharecal/internal/common"
	"sharecal/internal/domain"
)

const payloadSchema = `{
  "type": "object",
  "properties": {
    "url":          {"type": "string", "minLength": 1},
    "title":        {"type": ["string", "null"]},
    "selectedText": {"type": ["string", "null"]},
    "createdAt":    {"type": ["string", "null"]}
  },
  "required": ["url"]
}`

var compiledPayload = jsonschema.MustCompileString("payload.json", payloadSchema)

// DecodePayload parses and validates a shared payload. A missing createdAt becomes now.
func DecodePayload(data []byte, now time.Time) (domain.SharedPayload, error) {
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return domain.SharedPayload{}, common.NewError(common.KindValidation, "payload is not JSON", err)
	}
	if err := compiledPayload.Validate(doc); err != nil {
		return domain.SharedPayload{}, common.NewError(common.KindValidation, "payload has the wrong shape", err)
	}

	var raw struct {
		URL          string  `json:"url"`
		Title        *string `json:"title"`
		SelectedText *string `json:"selectedText"`
		CreatedAt    *string `json:"createdAt"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return domain.SharedPayload{}, common.NewError(common.KindValidation, "payload has the wrong shape", err)
	}

	p := domain.SharedPayload{URL: strings.TrimSpace(raw.URL)}
	u, err := url.Parse(p.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.SharedPayload{}, common.Errorf(common.KindValidation, "url %q is not an http(s) URL", p.URL)
	}
	if raw.Title != nil {
		p.Title = strings.TrimSpace(*raw.Title)
	}
	if raw.SelectedText != nil {
		p.SelectedText = strings.TrimSpace(*raw.SelectedText)
	}
	p.CreatedAt = now.UTC()
	if raw.CreatedAt != nil && strings.TrimSpace(*raw.CreatedAt) != "" {
		t, err := time.Parse(time.RFC3339, strings.TrimSpace(*raw.CreatedAt))
		if err != nil {
			return domain.SharedPayload{}, common.NewError(common.KindValidation, "createdAt is not RFC 3339", err)
		}
		p.CreatedAt = t.UTC()
	}
	return p, nil
}
