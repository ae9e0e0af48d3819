package extractor

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/shared"
	"github.com/rs/zerolog"
)

// OpenAIModel serves completions from any OpenAI-compatible chat endpoint.
type OpenAIModel struct {
	client openai.Client
	log    zerolog.Logger
}

func NewOpenAIModel(apiKey, baseURL string, log zerolog.Logger) *OpenAIModel {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		// the job queue owns retries
		option.WithMaxRetries(0),
	}
	if normalized := normalizeBaseURL(baseURL); normalized != "" {
		opts = append(opts, option.WithBaseURL(normalized))
	}
	return &OpenAIModel{
		client: openai.NewClient(opts...),
		log:    log.With().Str("component", "openai").Logger(),
	}
}

func (m *OpenAIModel) Complete(ctx context.Context, req ModelRequest) (string, error) {
	var user openai.ChatCompletionMessageParamUnion
	if req.ImageDataURL != "" {
		user = openai.UserMessage([]openai.ChatCompletionContentPartUnionParam{
			openai.TextContentPart(req.User),
			openai.ImageContentPart(openai.ChatCompletionContentPartImageImageURLParam{URL: req.ImageDataURL}),
		})
	} else {
		user = openai.UserMessage(req.User)
	}

	params := openai.ChatCompletionNewParams{
		Model: shared.ChatModel(req.Model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(req.System),
			user,
		},
	}
	if req.ReasoningEffort != "" && req.ReasoningEffort != EffortNone {
		params.ReasoningEffort = shared.ReasoningEffort(req.ReasoningEffort)
	}

	resp, err := m.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *openai.Error
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("model provider returned HTTP %d: %w", apiErr.StatusCode, err)
		}
		return "", fmt.Errorf("model request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("model returned no choices")
	}
	m.log.Debug().Str("model", resp.Model).Int64("total_tokens", resp.Usage.TotalTokens).Msg("completion received")
	return resp.Choices[0].Message.Content, nil
}

// normalizeBaseURL makes sure an OpenAI-compatible endpoint ends in /v1.
func normalizeBaseURL(raw string) string {
	base := strings.TrimSpace(raw)
	if base == "" {
		return ""
	}
	parsed, err := url.Parse(base)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return strings.TrimRight(base, "/")
	}
	path := strings.TrimRight(parsed.Path, "/")
	if !strings.HasSuffix(path, "/v1") {
		path += "/v1"
	}
	parsed.Path = path
	return strings.TrimRight(parsed.String(), "/") + "/"
}
