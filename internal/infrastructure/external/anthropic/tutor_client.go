// Package anthropic implements tutor.Generator on the Anthropic Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/shared"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/internal/domain/tutor"
	"github.com/assetmanagementuniversity-cloud/amu-platform-sub001/pkg/logger"
)

// Config configures the tutor client.
type Config struct {
	APIKey      string
	Model       string
	MaxTokens   int64
	Temperature float64
	Timeout     time.Duration
	// MaxRetries is passed to the SDK, which retries 429 and 5xx itself.
	MaxRetries int

	// BaseURL overrides the API endpoint, mainly for tests.
	BaseURL string
	Logger  *logger.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Model:       "claude-sonnet-4-20250514",
		MaxTokens:   1024,
		Temperature: 0.7,
		Timeout:     60 * time.Second,
		MaxRetries:  2,
	}
}

// TutorClient generates tutor replies with Claude.
type TutorClient struct {
	client      anthropic.Client
	model       string
	maxTokens   int64
	temperature float64
	log         *logger.Logger
}

// NewTutorClient creates a new TutorClient.
func NewTutorClient(cfg Config) (*TutorClient, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic API key is required")
	}
	defaults := DefaultConfig()
	if cfg.Model == "" {
		cfg.Model = defaults.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaults.Timeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = logger.Nop()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithRequestTimeout(cfg.Timeout),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &TutorClient{
		client:      anthropic.NewClient(opts...),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		log:         cfg.Logger.With(logger.Component("tutor_client")),
	}, nil
}

// Generate implements tutor.Generator.
func (c *TutorClient) Generate(ctx context.Context, prompt tutor.Prompt) (string, error) {
	messages := buildMessages(prompt.Messages)
	if len(messages) == 0 {
		return "", shared.NewDomainError("tutor", "Generate", shared.ErrInvalidInput, "conversation has no learner message")
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: c.maxTokens,
		Messages:  messages,
	}
	if prompt.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt.System}}
	}
	if c.temperature > 0 {
		params.Temperature = anthropic.Float(c.temperature)
	}

	start := time.Now()
	msg, err := c.client.Messages.New(ctx, params)
	if err != nil {
		c.log.Warn("tutor generation failed", logger.Latency(time.Since(start)), logger.Err(err))
		return "", mapError(err)
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return "", shared.WrapError("tutor", "Generate", shared.ErrExternalService, "empty reply", fmt.Errorf("stop reason %q", msg.StopReason))
	}

	c.log.Debug("tutor reply generated",
		logger.Latency(time.Since(start)),
		logger.Int64("input_tokens", msg.Usage.InputTokens),
		logger.Int64("output_tokens", msg.Usage.OutputTokens),
	)
	return text.String(), nil
}

// buildMessages maps the conversation onto user/assistant turns. Adjacent
// turns from the same side are merged since the API requires alternation,
// and tutor turns before the first learner message are dropped because the
// first turn must come from the user.
func buildMessages(msgs []tutor.Message) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(msgs))
	var lastRole anthropic.MessageParamRole
	var pending []string

	flush := func() {
		if len(pending) == 0 {
			return
		}
		out = append(out, anthropic.MessageParam{
			Role:    lastRole,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(strings.Join(pending, "\n\n"))},
		})
		pending = nil
	}

	for _, m := range msgs {
		role := anthropic.MessageParamRoleUser
		if m.Role == tutor.RoleTutor {
			role = anthropic.MessageParamRoleAssistant
		}
		if lastRole == "" && role != anthropic.MessageParamRoleUser {
			continue
		}
		if role != lastRole {
			flush()
			lastRole = role
		}
		pending = append(pending, m.Content)
	}
	flush()
	return out
}

func mapError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return shared.WrapError("tutor", "Generate", shared.ErrTimeout, "tutor model timed out", err)
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == http.StatusTooManyRequests:
			return shared.WrapError("tutor", "Generate", shared.ErrRateLimited, "tutor model rate limit exceeded", err)
		case apiErr.StatusCode >= 500:
			return shared.WrapError("tutor", "Generate", shared.ErrServiceUnavailable, "tutor model is unavailable", err)
		default:
			return shared.WrapError("tutor", "Generate", shared.ErrExternalService, "tutor request rejected", err)
		}
	}
	return shared.WrapError("tutor", "Generate", shared.ErrServiceUnavailable, "tutor model is unavailable", err)
}

var _ tutor.Generator = (*TutorClient)(nil)
