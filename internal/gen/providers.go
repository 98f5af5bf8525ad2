package gen

import (
	"context"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	aoption "github.com/anthropics/anthropic-sdk-go/option"
	openai "github.com/openai/openai-go"
	ooption "github.com/openai/openai-go/option"
	oresponses "github.com/openai/openai-go/responses"
	oshared "github.com/openai/openai-go/shared"
)

const (
	ProviderOpenAI           = "openai"
	ProviderOpenAICompatible = "openai_compatible"
	ProviderAnthropic        = "anthropic"
)

// NewProvider builds an SDK-backed provider. SDK-level retries are disabled; callers retry
// through internal/retry.
func NewProvider(providerType string, baseURL string, apiKey string) (Provider, error) {
	providerType = strings.ToLower(strings.TrimSpace(providerType))
	apiKey = strings.TrimSpace(apiKey)
	baseURL = strings.TrimSpace(baseURL)
	if apiKey == "" {
		return nil, errors.New("missing provider api key")
	}
	switch providerType {
	case ProviderOpenAI, ProviderOpenAICompatible:
		opts := []ooption.RequestOption{ooption.WithAPIKey(apiKey), ooption.WithMaxRetries(0)}
		if baseURL != "" {
			opts = append(opts, ooption.WithBaseURL(baseURL))
		}
		return &openAIProvider{client: openai.NewClient(opts...)}, nil
	case ProviderAnthropic:
		opts := []aoption.RequestOption{aoption.WithAPIKey(apiKey), aoption.WithMaxRetries(0)}
		if baseURL != "" {
			opts = append(opts, aoption.WithBaseURL(baseURL))
		}
		return &anthropicProvider{client: anthropic.NewClient(opts...)}, nil
	default:
		return nil, fmt.Errorf("unsupported provider type %q", providerType)
	}
}

type openAIProvider struct {
	client openai.Client
}

func (p *openAIProvider) Stream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("missing model")
	}

	params := oresponses.ResponseNewParams{
		Model:           oshared.ResponsesModel(strings.TrimSpace(req.Model)),
		MaxOutputTokens: openai.Int(int64(maxTokens(req))),
	}
	items := make(oresponses.ResponseInputParam, 0, len(req.History)+1)
	for _, t := range req.History {
		role := oresponses.EasyInputMessageRoleUser
		if t.Role == RoleAssistant {
			role = oresponses.EasyInputMessageRoleAssistant
		}
		items = append(items, oresponses.ResponseInputItemParamOfMessage(t.Text, role))
	}
	prompt := req.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = "Continue."
	}
	items = append(items, oresponses.ResponseInputItemParamOfMessage(prompt, oresponses.EasyInputMessageRoleUser))
	params.Input = oresponses.ResponseNewParamsInputUnion{OfInputItemList: items}
	if system := strings.TrimSpace(req.System); system != "" {
		params.Instructions = openai.String(system)
	}

	stream := p.client.Responses.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()
	var textBuf strings.Builder
	for stream.Next() {
		event := stream.Current()
		switch strings.TrimSpace(event.Type) {
		case "response.output_text.delta":
			delta := event.Delta.OfString
			if delta == "" {
				continue
			}
			textBuf.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		case "response.failed", "error":
			return textBuf.String(), &StatusError{StatusCode: 502, Message: "stream reported " + event.Type}
		}
	}
	if err := stream.Err(); err != nil {
		return textBuf.String(), err
	}
	// A stream without response.completed still carries usable text.
	return strings.TrimSpace(textBuf.String()), nil
}

type anthropicProvider struct {
	client anthropic.Client
}

func (p *anthropicProvider) Stream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	if p == nil {
		return "", errors.New("nil provider")
	}
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("missing model")
	}

	msgs := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, t := range req.History {
		if t.Role == RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(anthropic.NewTextBlock(t.Text)))
			continue
		}
		msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(t.Text)))
	}
	prompt := req.Prompt
	if strings.TrimSpace(prompt) == "" {
		prompt = "Continue."
	}
	msgs = append(msgs, anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)))

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(strings.TrimSpace(req.Model)),
		MaxTokens: int64(maxTokens(req)),
		Messages:  msgs,
	}
	if system := strings.TrimSpace(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	stream := p.client.Messages.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()
	msg := anthropic.Message{}
	var textBuf strings.Builder
	for stream.Next() {
		event := stream.Current()
		if err := msg.Accumulate(event); err != nil {
			return textBuf.String(), err
		}
		switch variant := event.AsAny().(type) {
		case anthropic.ContentBlockDeltaEvent:
			switch delta := variant.Delta.AsAny().(type) {
			case anthropic.TextDelta:
				if delta.Text == "" {
					continue
				}
				textBuf.WriteString(delta.Text)
				if onDelta != nil {
					onDelta(delta.Text)
				}
			}
		}
	}
	if err := stream.Err(); err != nil {
		return textBuf.String(), err
	}
	return strings.TrimSpace(textBuf.String()), nil
}

func maxTokens(req Request) int {
	if req.MaxOutputTokens > 0 {
		return req.MaxOutputTokens
	}
	return defaultMaxOutputTokens
}
