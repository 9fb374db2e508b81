package ai

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"

	"github.com/zhouzirui/site-safety/backend/internal/media"
	"github.com/zhouzirui/site-safety/backend/internal/model/session"
)

// ErrEmptyResponse is returned when the model answers with blank content.
var ErrEmptyResponse = errors.New("model returned an empty response")

// VisionAnalyzer extracts a safety assessment from image pixels.
type VisionAnalyzer interface {
	ProposeKeywords(ctx context.Context, img session.Image) ([]string, error)
	Describe(ctx context.Context, img session.Image, keywords []string) (string, error)
}

// Responder answers a follow-up question using only the given session's context.
type Responder interface {
	Respond(ctx context.Context, grounding *session.Session, message string) (string, error)
}

// Config tunes the model calls.
type Config struct {
	// Timeout bounds every model call (0 = no extra bound).
	Timeout time.Duration
	// KeywordLimit caps proposed keywords (0 = 5).
	KeywordLimit int
}

// Service implements VisionAnalyzer and Responder on a single eino chain.
type Service struct {
	chatModel    model.BaseChatModel
	chain        compose.Runnable[map[string]any, *schema.Message]
	timeout      time.Duration
	keywordLimit int
}

var (
	_ VisionAnalyzer = (*Service)(nil)
	_ Responder      = (*Service)(nil)
)

// NewService compiles the prompt chain around chatModel.
func NewService(ctx context.Context, chatModel model.BaseChatModel, cfg Config) (*Service, error) {
	if chatModel == nil {
		return nil, errors.New("chat model is required")
	}

	promptTemplate := prompt.FromMessages(
		schema.FString,
		schema.SystemMessage("{system}"),
		schema.MessagesPlaceholder("history", true),
		schema.MessagesPlaceholder("query", false),
	)

	chain := compose.NewChain[map[string]any, *schema.Message]()
	chain.AppendChatTemplate(promptTemplate)
	chain.AppendChatModel(chatModel)

	runnable, err := chain.Compile(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile chat chain: %w", err)
	}

	limit := cfg.KeywordLimit
	if limit <= 0 {
		limit = 5
	}

	return &Service{
		chatModel:    chatModel,
		chain:        runnable,
		timeout:      cfg.Timeout,
		keywordLimit: limit,
	}, nil
}

// ProposeKeywords asks the model for likely hazards visible in img.
func (s *Service) ProposeKeywords(ctx context.Context, img session.Image) ([]string, error) {
	content, err := s.invoke(ctx, proposalSystemPrompt, nil, img, proposalPrompt(s.keywordLimit))
	if err != nil {
		return nil, err
	}
	keywords := ParseKeywords(content, s.keywordLimit)
	log.Printf("[ai] proposed %d keywords", len(keywords))
	return keywords, nil
}

// Describe writes the audit observation for img steered by keywords.
func (s *Service) Describe(ctx context.Context, img session.Image, keywords []string) (string, error) {
	return s.invoke(ctx, analystSystemPrompt, nil, img, descriptionPrompt(keywords))
}

// Respond generates the assistant reply for message. The model sees the session's
// analysis, its full prior conversation and its image, and nothing else.
func (s *Service) Respond(ctx context.Context, grounding *session.Session, message string) (string, error) {
	if grounding == nil {
		return "", errors.New("grounding session is required")
	}

	history := make([]*schema.Message, 0, len(grounding.Conversation)+1)
	history = append(history, schema.UserMessage(groundingPrompt(grounding.Analysis.Keywords, grounding.Analysis.Description)))
	history = append(history, buildHistoryMessages(grounding.Conversation)...)

	reply, err := s.invoke(ctx, chatSystemPrompt, history, grounding.Image, message)
	if err != nil {
		return "", err
	}
	log.Printf("[ai] generated reply for session=%s, turns=%d, length=%d", grounding.ID, len(grounding.Conversation), len(reply))
	return reply, nil
}

func (s *Service) invoke(ctx context.Context, system string, history []*schema.Message, img session.Image, text string) (string, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	input := map[string]any{
		"system":  system,
		"history": history,
		"query":   []*schema.Message{visionMessage(img, text)},
	}

	response, err := s.chain.Invoke(ctx, input)
	if err != nil {
		return "", fmt.Errorf("failed to run AI chain: %w", err)
	}
	if response == nil || strings.TrimSpace(response.Content) == "" {
		return "", ErrEmptyResponse
	}
	return strings.TrimSpace(response.Content), nil
}

// visionMessage pairs the text with the image as one multimodal user message.
func visionMessage(img session.Image, text string) *schema.Message {
	return &schema.Message{
		Role: schema.User,
		MultiContent: []schema.ChatMessagePart{
			{Type: schema.ChatMessagePartTypeText, Text: text},
			{
				Type: schema.ChatMessagePartTypeImageURL,
				ImageURL: &schema.ChatMessageImageURL{
					URL:      media.DataURL(img.Data, img.MIMEType),
					MIMEType: img.MIMEType,
					Detail:   schema.ImageURLDetailAuto,
				},
			},
		},
	}
}

func buildHistoryMessages(turns []session.Turn) []*schema.Message {
	history := make([]*schema.Message, 0, len(turns))
	for _, turn := range turns {
		switch turn.Role {
		case session.RoleUser:
			history = append(history, schema.UserMessage(turn.Content))
		case session.RoleAssistant:
			history = append(history, schema.AssistantMessage(turn.Content, nil))
		}
	}
	return history
}
