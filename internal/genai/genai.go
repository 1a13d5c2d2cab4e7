// Package genai provides the OpenAI-backed sales agent for the chatbot.
package genai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/Insuapliques/Chatbot/internal/models"
)

// DefaultTimeout bounds a single completion call, including the fallback retry.
const DefaultTimeout = 30 * time.Second

// ErrNoChoicesReturned indicates the completion API returned an empty choice list.
var ErrNoChoicesReturned = errors.New("no choices returned")

// fallbackText is sent to the customer when every model attempt fails.
const fallbackText = "Disculpa, en este momento no puedo responderte. Un asesor de Mimétisa te atenderá muy pronto."

const systemPrompt = `Eres el asistente comercial de Mimétisa, una marca ecuatoriana de ropa ` +
	`(camisetas, chompas, joggers y pantalonetas). Atiendes clientes por WhatsApp en español, ` +
	`con un tono cercano y profesional. Responde de forma breve y concreta. Si el cliente ` +
	`pregunta por catálogos, productos, precios o cantidades, oriéntalo a indicar el producto, ` +
	`la cantidad, la talla y el color para armar su pedido. Nunca inventes precios ni ` +
	`promociones. Si no sabes algo, ofrece que un asesor humano lo contacte.`

// chatService defines the minimal interface for chat completions.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

type completionService struct {
	client openai.Client
}

func (s completionService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// Opts holds configuration for the GenAI client.
type Opts struct {
	APIKey        string
	Model         string
	FallbackModel string
	Timeout       time.Duration
}

// Option configures Opts.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the primary completion model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithFallbackModel sets the model retried when the primary fails.
func WithFallbackModel(model string) Option {
	return func(o *Opts) { o.FallbackModel = model }
}

// WithTimeout bounds each Respond call.
func WithTimeout(d time.Duration) Option {
	return func(o *Opts) { o.Timeout = d }
}

// Client wraps the OpenAI chat completion service for the sales agent.
type Client struct {
	chat          chatService
	model         string
	fallbackModel string
	timeout       time.Duration
	now           func() time.Time
}

// NewClient initializes the GenAI client. The API key falls back to the
// OPENAI_API_KEY environment variable when not set via options.
func NewClient(opts ...Option) (*Client, error) {
	cfg := Opts{
		Model:         string(openai.ChatModelGPT4oMini),
		FallbackModel: string(openai.ChatModelGPT4o),
		Timeout:       DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &Client{
		chat:          completionService{client: cli},
		model:         cfg.Model,
		fallbackModel: cfg.FallbackModel,
		timeout:       cfg.Timeout,
		now:           time.Now,
	}, nil
}

// Respond generates the agent reply for an inbound customer message. The
// recent conversation history is replayed so the model keeps context. A
// failure of the primary model retries once on the fallback model; if both
// fail the result carries a canned apology with UsedFallback set so callers
// can record the degradation without dropping the customer.
func (c *Client) Respond(ctx context.Context, phone, message string, history []models.ChatMessage) (models.AgentResult, error) {
	start := c.now()
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	messages := c.buildMessages(message, history)

	text, err := c.complete(ctx, c.model, messages)
	usedFallback := false
	if err != nil {
		slog.Warn("GenAI primary model failed", "model", c.model, "phone", phone, "error", err)
		usedFallback = true
		text, err = c.complete(ctx, c.fallbackModel, messages)
	}
	latency := c.now().Sub(start).Milliseconds()
	if err != nil {
		slog.Error("GenAI completion failed on all models", "phone", phone, "error", err)
		return models.AgentResult{
			Text:         fallbackText,
			LatencyMs:    latency,
			UsedFallback: true,
			Err:          err.Error(),
		}, nil
	}
	return models.AgentResult{
		Text:         text,
		LatencyMs:    latency,
		UsedFallback: usedFallback,
	}, nil
}

func (c *Client) buildMessages(message string, history []models.ChatMessage) []openai.ChatCompletionMessageParamUnion {
	messages := []openai.ChatCompletionMessageParamUnion{openai.SystemMessage(systemPrompt)}
	for _, msg := range history {
		text := strings.TrimSpace(msg.Text)
		if text == "" {
			continue
		}
		switch msg.Origin {
		case models.OriginBot, models.OriginOperator:
			messages = append(messages, openai.AssistantMessage(text))
		default:
			messages = append(messages, openai.UserMessage(text))
		}
	}
	messages = append(messages, openai.UserMessage(message))
	return messages
}

func (c *Client) complete(ctx context.Context, model string, messages []openai.ChatCompletionMessageParamUnion) (string, error) {
	resp, err := c.chat.Create(ctx, openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}
