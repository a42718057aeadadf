package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/andkhong/Takehome-SWE/config"
)

// systemInstruction is the fixed system prompt placed first in every
// generation request.
const systemInstruction = "You are a helpful assistant. Answer the user's questions clearly and concisely."

// User-facing failure messages. Internal provider detail never reaches
// the client; it is kept on the event's Err for storage.
const (
	msgConfiguration = "The assistant is not configured correctly. Please contact support."
	msgRateLimited   = "The assistant is busy right now. Please try again in a moment."
	msgQuota         = "The assistant's usage quota has been exceeded. Please contact support."
	msgUnavailable   = "The assistant is temporarily unavailable. Please try again."
)

var errEmptyResponse = errors.New("generation produced no text")

// GenerationService streams chat completions from an OpenAI-compatible
// provider and translates provider failures into user-facing messages.
type GenerationService struct {
	client *openai.Client
	model  string
	apiKey string
	logger *zap.SugaredLogger
}

func NewGenerationService(cfg config.GenerationConfig, logger *zap.SugaredLogger) *GenerationService {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(cfg.BaseURL, "/"); base != "" {
		clientCfg.BaseURL = base
	}

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = openai.GPT3Dot5Turbo
	}

	return &GenerationService{
		client: openai.NewClientWithConfig(clientCfg),
		model:  model,
		apiKey: strings.TrimSpace(cfg.APIKey),
		logger: logger,
	}
}

// Stream sends [system, history..., user] to the provider and forwards
// each delta as a chunk event in arrival order. Exactly one done or
// error event terminates the channel unless ctx is cancelled first.
func (s *GenerationService) Stream(ctx context.Context, history []Turn, userText string) <-chan StreamEvent {
	out := make(chan StreamEvent)

	go func() {
		defer close(out)
		s.run(ctx, history, userText, out)
	}()

	return out
}

func (s *GenerationService) run(ctx context.Context, history []Turn, userText string, out chan<- StreamEvent) {
	if s.apiKey == "" {
		s.emitError(ctx, out, errors.New("generation api key is not set"), "")
		return
	}

	messages := make([]openai.ChatCompletionMessage, 0, 2+len(history))
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: systemInstruction,
	})
	for _, turn := range history {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    string(turn.Role),
			Content: turn.Content,
		})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: userText,
	})

	stream, err := s.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:    s.model,
		Messages: messages,
		Stream:   true,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.emitError(ctx, out, err, "")
		return
	}
	defer func() {
		if err := stream.Close(); err != nil {
			s.logger.Warnf("close generation stream: %v", err)
		}
	}()

	var accumulated strings.Builder
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		response, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			full := accumulated.String()
			if full == "" {
				s.emitError(ctx, out, errEmptyResponse, "")
				return
			}
			s.emit(ctx, out, StreamEvent{Type: StreamEventDone, Content: full})
			return
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.emitError(ctx, out, err, accumulated.String())
			return
		}

		if len(response.Choices) == 0 {
			continue
		}
		fragment := response.Choices[0].Delta.Content
		if fragment == "" {
			continue
		}

		accumulated.WriteString(fragment)
		if !s.emit(ctx, out, StreamEvent{Type: StreamEventChunk, Content: fragment}) {
			return
		}
	}
}

func (s *GenerationService) emit(ctx context.Context, out chan<- StreamEvent, event StreamEvent) bool {
	select {
	case out <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *GenerationService) emitError(ctx context.Context, out chan<- StreamEvent, cause error, partial string) {
	s.logger.Warnf("generation failed: %v", cause)
	s.emit(ctx, out, StreamEvent{
		Type:         StreamEventError,
		Content:      partial,
		ErrorMessage: translateGenerationError(cause),
		Err:          cause,
	})
}

// translateGenerationError maps provider failures onto the small set of
// user-facing messages. Most specific condition wins: credential
// problems before quota, quota before plain rate limiting.
func translateGenerationError(err error) string {
	if err == nil {
		return msgUnavailable
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403 {
			return msgConfiguration
		}
		if code, ok := apiErr.Code.(string); ok && code == "insufficient_quota" {
			return msgQuota
		}
		if apiErr.Type == "insufficient_quota" {
			return msgQuota
		}
		if apiErr.HTTPStatusCode == 429 {
			return msgRateLimited
		}
		return msgUnavailable
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case 401, 403:
			return msgConfiguration
		case 429:
			return msgRateLimited
		}
		return msgUnavailable
	}

	lowered := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lowered, "api key"), strings.Contains(lowered, "authentication"):
		return msgConfiguration
	case strings.Contains(lowered, "insufficient_quota"), strings.Contains(lowered, "quota"):
		return msgQuota
	case strings.Contains(lowered, "rate limit"):
		return msgRateLimited
	default:
		return msgUnavailable
	}
}

// storedGenerationError is what lands in the placeholder's error column.
func storedGenerationError(err error) string {
	if err == nil {
		return "generation failed"
	}
	return fmt.Sprintf("generation failed: %v", err)
}
