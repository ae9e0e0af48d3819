package extractor

import (
	"context"
	"strings"

	"sharecal/internal/common"
)

// Reasoning-effort hints understood by model providers.
const (
	EffortNone   = "none"
	EffortLow    = "low"
	EffortMedium = "medium"
	EffortHigh   = "high"
)

// ModelRequest is the uniform request handed to whichever model serves extraction.
type ModelRequest struct {
	Model           string
	ReasoningEffort string
	System          string
	User            string
	// ImageDataURL is an optional data: URL of a page screenshot.
	ImageDataURL string
}

// Model returns the raw text completion for a request.
type Model interface {
	Complete(ctx context.Context, req ModelRequest) (string, error)
}

// ModelFunc adapts a function to Model.
type ModelFunc func(ctx context.Context, req ModelRequest) (string, error)

func (f ModelFunc) Complete(ctx context.Context, req ModelRequest) (string, error) {
	return f(ctx, req)
}

// NormalizeEffort maps "" to none and rejects unknown hints.
func NormalizeEffort(effort string) (string, error) {
	switch e := strings.ToLower(strings.TrimSpace(effort)); e {
	case "":
		return EffortNone, nil
	case EffortNone, EffortLow, EffortMedium, EffortHigh:
		return e, nil
	default:
		return "", common.Errorf(common.KindValidation, "unknown reasoning effort %q", effort)
	}
}
