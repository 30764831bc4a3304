package ai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/multibot-chat-go/internal/models"
	"github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
)

// Client talks to one OpenAI-compatible chat completion endpoint with fixed model parameters
type Client struct {
	api        *openai.Client
	endpoint   string
	params     models.BackendParams
	maxRetries int
	backoff    time.Duration
	logger     *logrus.Logger
}

// Send asks the model for the next assistant turn. Empty system prompt and empty user
// message are left out of the request.
func (c *Client) Send(ctx context.Context, systemPrompt string, history []models.Message, userMessage string) (string, error) {
	req := openai.ChatCompletionRequest{
		Model:       c.params.Model,
		Messages:    buildMessages(systemPrompt, history, userMessage),
		Temperature: c.params.Temperature,
		TopP:        c.params.TopP,
		MaxTokens:   c.params.MaxTokens,
	}

	attempts := c.maxRetries
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		content, err := c.complete(ctx, req)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if !retryable(err) {
			return "", err
		}

		if attempt < attempts {
			c.logger.WithFields(logrus.Fields{
				"attempt":  attempt,
				"error":    err.Error(),
				"endpoint": c.endpoint,
				"model":    c.params.Model,
			}).Warn("Backend request failed, retrying...")

			// Exponential backoff: base, 2*base, 4*base
			wait := c.backoff << uint(attempt-1)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
	}

	return "", fmt.Errorf("all retry attempts failed: %w", lastErr)
}

func (c *Client) complete(ctx context.Context, req openai.ChatCompletionRequest) (string, error) {
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return "", errEmptyReply
	}
	return resp.Choices[0].Message.Content, nil
}

var errEmptyReply = errors.New("no response from backend")

func buildMessages(systemPrompt string, history []models.Message, userMessage string) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history)+2)
	if systemPrompt != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	}
	for _, m := range history {
		switch m.Role {
		case models.RoleAssistant:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: m.Content})
		case models.RoleTool:
			// tool turns carry no call id in stored history
			name := m.ToolName
			if name == "" {
				name = "tool"
			}
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: name + ": " + m.Content})
		default:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: m.Content})
		}
	}
	if userMessage != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: userMessage})
	}
	return out
}

// retryable reports whether a failed attempt may succeed when repeated.
// Client errors (4xx) and cancellation are final.
func retryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return !isClientError(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return !isClientError(reqErr.HTTPStatusCode)
	}
	return true
}

func isClientError(status int) bool {
	return status >= http.StatusBadRequest && status < http.StatusInternalServerError
}

func isURL(endpoint string) bool {
	return strings.HasPrefix(endpoint, "http://") || strings.HasPrefix(endpoint, "https://")
}
