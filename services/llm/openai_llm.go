package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

var tracer = otel.Tracer("sourcechat.llm.openai")

const (
	defaultChatModel      = "gpt-4o-mini"
	defaultEmbeddingModel = "text-embedding-3-small"
	apiKeySecretPath      = "/run/secrets/openai_api_key"
)

// ErrNoChoices is returned when the provider answers without any choice.
var ErrNoChoices = errors.New("OpenAI returned no choices")

// OpenAIConfig configures an OpenAIClient.
type OpenAIConfig struct {
	// APIKey falls back to OPENAI_API_KEY, then the mounted secret.
	APIKey string
	// BaseURL targets an OpenAI-compatible server. Empty uses api.openai.com.
	BaseURL string
	// Model is the default chat model. Default: gpt-4o-mini.
	Model string
	// EmbeddingModel is used by Embed. Default: text-embedding-3-small.
	EmbeddingModel string
	// Timeout bounds each HTTP request. Zero means no timeout.
	Timeout time.Duration
	// HTTPClient overrides the traced default client.
	HTTPClient *http.Client
}

// OpenAIClient implements LLMClient and Embedder on the OpenAI API.
type OpenAIClient struct {
	client         *openai.Client
	model          string
	embeddingModel string
}

// NewOpenAIClient creates a client for the OpenAI chat and embeddings APIs.
//
// # Description
//
// Resolves the API key (config, then OPENAI_API_KEY, then the
// /run/secrets/openai_api_key file) and builds a go-openai client whose
// transport is instrumented with otelhttp.
//
// # Inputs
//
//   - cfg: Client configuration. Zero values take the documented defaults.
//
// # Outputs
//
//   - *OpenAIClient: Ready client.
//   - error: Non-nil when no API key can be found.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		apiKeyBytes, err := os.ReadFile(apiKeySecretPath)
		if err != nil {
			slog.Error("OPENAI_API_KEY not set and secret not found", "path", apiKeySecretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
		apiKey = strings.TrimSpace(string(apiKeyBytes))
		slog.Info("Read the OpenAI API key from mounted secret")
	}

	model := cfg.Model
	if model == "" {
		model = defaultChatModel
	}
	embeddingModel := cfg.EmbeddingModel
	if embeddingModel == "" {
		embeddingModel = defaultEmbeddingModel
	}

	clientConfig := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		}
	}
	clientConfig.HTTPClient = httpClient

	slog.Info("Initializing OpenAI client", "model", model, "custom_base_url", cfg.BaseURL != "")
	return &OpenAIClient{
		client:         openai.NewClientWithConfig(clientConfig),
		model:          model,
		embeddingModel: embeddingModel,
	}, nil
}

// Chat implements LLMClient.
func (o *OpenAIClient) Chat(ctx context.Context, messages []ChatMessage, params GenerationParams) (string, error) {
	req := o.buildRequest(messages, params)

	ctx, span := tracer.Start(ctx, "OpenAIClient.Chat")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.num_messages", len(messages)),
	)

	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "chat completion failed")
		slog.Error("OpenAI API call failed", "model", req.Model, "error", err)
		return "", fmt.Errorf("OpenAI API call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		span.SetStatus(codes.Error, "no choices")
		slog.Warn("OpenAI returned no choices", "model", req.Model)
		return "", ErrNoChoices
	}

	span.SetAttributes(
		attribute.Int("llm.prompt_tokens", resp.Usage.PromptTokens),
		attribute.Int("llm.completion_tokens", resp.Usage.CompletionTokens),
	)
	slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
	return resp.Choices[0].Message.Content, nil
}

// ChatStream implements LLMClient.
//
// # Description
//
// Opens a streamed completion with usage reporting enabled. Content
// deltas are forwarded to callback immediately. Tool call fragments are
// merged by their stream index (or ID when a provider omits the index)
// and returned in the Completion once the provider ends the stream.
//
// # Outputs
//
//   - *Completion: Full text, tool calls, finish reason and usage.
//   - error: Provider, transport, or callback error.
//
// # Limitations
//
//   - Only the first choice is read.
func (o *OpenAIClient) ChatStream(ctx context.Context, messages []ChatMessage, params GenerationParams,
	callback StreamCallback) (*Completion, error) {

	req := o.buildRequest(messages, params)
	req.Stream = true
	req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}

	ctx, span := tracer.Start(ctx, "OpenAIClient.ChatStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", req.Model),
		attribute.Int("llm.num_messages", len(messages)),
		attribute.Int("llm.num_tools", len(req.Tools)),
	)

	fail := func(err error, msg string) (*Completion, error) {
		span.RecordError(err)
		span.SetStatus(codes.Error, msg)
		return nil, err
	}

	stream, err := o.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		slog.Error("OpenAI stream failed to open", "model", req.Model, "error", err)
		return fail(fmt.Errorf("OpenAI stream failed: %w", err), "stream open failed")
	}
	defer stream.Close()

	var (
		content    strings.Builder
		acc        toolCallAccumulator
		completion Completion
	)
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			slog.Error("OpenAI stream read failed", "model", req.Model, "error", err)
			return fail(fmt.Errorf("OpenAI stream read failed: %w", err), "stream read failed")
		}

		if chunk.Usage != nil {
			completion.Usage = Usage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
			}
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.Delta.Content != "" {
			content.WriteString(choice.Delta.Content)
			if callback != nil {
				if err := callback(StreamEvent{Type: StreamEventToken, Content: choice.Delta.Content}); err != nil {
					return fail(fmt.Errorf("stream callback: %w", err), "callback aborted")
				}
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			acc.add(tc)
		}
		if choice.FinishReason != "" {
			completion.FinishReason = string(choice.FinishReason)
		}
	}

	completion.Content = content.String()
	completion.ToolCalls = acc.calls()
	span.SetAttributes(
		attribute.String("llm.finish_reason", completion.FinishReason),
		attribute.Int("llm.tool_calls", len(completion.ToolCalls)),
		attribute.Int("llm.completion_tokens", completion.Usage.CompletionTokens),
	)
	return &completion, nil
}

// Embed implements Embedder.
func (o *OpenAIClient) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	ctx, span := tracer.Start(ctx, "OpenAIClient.Embed")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.embedding_model", o.embeddingModel),
		attribute.Int("llm.num_inputs", len(texts)),
	)

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: openai.EmbeddingModel(o.embeddingModel),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "embeddings failed")
		return nil, fmt.Errorf("OpenAI embeddings failed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		err := fmt.Errorf("OpenAI returned %d embeddings for %d inputs", len(resp.Data), len(texts))
		span.RecordError(err)
		span.SetStatus(codes.Error, "embedding count mismatch")
		return nil, err
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })
	vectors := make([][]float32, len(data))
	for i, d := range data {
		vectors[i] = d.Embedding
	}
	return vectors, nil
}

func (o *OpenAIClient) buildRequest(messages []ChatMessage, params GenerationParams) openai.ChatCompletionRequest {
	model := params.Model
	if model == "" {
		model = o.model
	}
	req := openai.ChatCompletionRequest{
		Model:    model,
		Messages: toOpenAIMessages(messages),
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	for _, def := range params.Tools {
		req.Tools = append(req.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        def.Name,
				Description: def.Description,
				Parameters:  def.Parameters,
			},
		})
	}
	return req
}

func toOpenAIMessages(messages []ChatMessage) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

// toolCallAccumulator merges streamed tool call fragments.
type toolCallAccumulator struct {
	order   []int
	byIndex map[int]*ToolCall
	idIndex map[string]int
}

func (a *toolCallAccumulator) add(delta openai.ToolCall) {
	if a.byIndex == nil {
		a.byIndex = make(map[int]*ToolCall)
		a.idIndex = make(map[string]int)
	}

	var idx int
	switch {
	case delta.Index != nil:
		idx = *delta.Index
	case delta.ID != "":
		if known, ok := a.idIndex[delta.ID]; ok {
			idx = known
		} else {
			idx = -1 - len(a.order)
		}
	case len(a.order) > 0:
		// Continuation fragment without index or ID belongs to the last call.
		idx = a.order[len(a.order)-1]
	}

	call, ok := a.byIndex[idx]
	if !ok {
		call = &ToolCall{}
		a.byIndex[idx] = call
		a.order = append(a.order, idx)
	}
	if delta.ID != "" {
		call.ID = delta.ID
		a.idIndex[delta.ID] = idx
	}
	if delta.Function.Name != "" {
		call.Name = delta.Function.Name
	}
	call.Arguments += delta.Function.Arguments
}

func (a *toolCallAccumulator) calls() []ToolCall {
	if len(a.order) == 0 {
		return nil
	}
	out := make([]ToolCall, 0, len(a.order))
	for _, idx := range a.order {
		out = append(out, *a.byIndex[idx])
	}
	return out
}
