package claude

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Onegaishimas/bin2nlp/internal/tlsutil"
	"github.com/Onegaishimas/bin2nlp/llm"
	"github.com/Onegaishimas/bin2nlp/llm/middleware"
	"github.com/Onegaishimas/bin2nlp/llm/providers"
	"go.uber.org/zap"
)

const (
	defaultBaseURL          = "https://api.anthropic.com"
	defaultAnthropicVersion = "2023-06-01"
	defaultModel            = "claude-sonnet-5-20260115"
	defaultMaxTokens        = 4096
)

// ClaudeProvider implements llm.Provider against Anthropic's Messages API.
// Unlike the OpenAI-compatible family it does not embed openaicompat.Provider:
// Claude's wire format (array-based content blocks, a separate system field,
// x-api-key auth) differs too much to share that base.
type ClaudeProvider struct {
	cfg           providers.ClaudeConfig
	client        *http.Client
	logger        *zap.Logger
	rewriterChain *middleware.RewriterChain
}

// NewClaudeProvider builds a ClaudeProvider from cfg.
func NewClaudeProvider(cfg providers.ClaudeConfig, logger *zap.Logger) *ClaudeProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 60 * time.Second
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.AnthropicVersion == "" {
		cfg.AnthropicVersion = defaultAnthropicVersion
	}
	if cfg.AuthType == "" {
		cfg.AuthType = "api_key"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ClaudeProvider{
		cfg:    cfg,
		client: tlsutil.SecureHTTPClient(timeout),
		logger: logger,
		rewriterChain: middleware.NewRewriterChain(
			middleware.NewEmptyToolsCleaner(),
		),
	}
}

func (p *ClaudeProvider) Name() string { return "anthropic" }

func (p *ClaudeProvider) SupportsNativeFunctionCalling() bool { return true }

func (p *ClaudeProvider) buildHeaders(req *http.Request, apiKey string) {
	if p.cfg.AuthType == "bearer" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	} else {
		req.Header.Set("x-api-key", apiKey)
	}
	req.Header.Set("anthropic-version", p.cfg.AnthropicVersion)
	req.Header.Set("content-type", "application/json")
}

func (p *ClaudeProvider) resolveAPIKey(ctx context.Context) string {
	if c, ok := llm.CredentialOverrideFromContext(ctx); ok {
		if strings.TrimSpace(c.APIKey) != "" {
			return strings.TrimSpace(c.APIKey)
		}
	}
	return p.cfg.APIKey
}

func (p *ClaudeProvider) endpoint(path string) string {
	return fmt.Sprintf("%s%s", strings.TrimRight(p.cfg.BaseURL, "/"), path)
}

func (p *ClaudeProvider) chooseModel(req *llm.ChatRequest) string {
	if req != nil && req.Model != "" {
		return req.Model
	}
	if p.cfg.Model != "" {
		return p.cfg.Model
	}
	return defaultModel
}

// HealthCheck lists models as a lightweight reachability probe.
func (p *ClaudeProvider) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	start := time.Now()
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/v1/models"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	latency := time.Since(start)
	if err != nil {
		return &llm.HealthStatus{Healthy: false, Latency: latency}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg := readClaudeErrMsg(resp.Body)
		return &llm.HealthStatus{Healthy: false, Latency: latency},
			fmt.Errorf("anthropic health check failed: status=%d msg=%s", resp.StatusCode, msg)
	}
	return &llm.HealthStatus{Healthy: true, Latency: latency}, nil
}

// ListModels queries Anthropic's model catalog.
func (p *ClaudeProvider) ListModels(ctx context.Context) ([]llm.Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.endpoint("/v1/models"), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, p.cfg.APIKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readClaudeErrMsg(resp.Body)
		return nil, mapClaudeError(resp.StatusCode, msg, p.Name())
	}

	var listResp struct {
		Data []struct {
			ID          string `json:"id"`
			DisplayName string `json:"display_name"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}

	models := make([]llm.Model, 0, len(listResp.Data))
	for _, m := range listResp.Data {
		models = append(models, llm.Model{ID: m.ID, Object: "model", OwnedBy: "anthropic"})
	}
	return models, nil
}

// --- Wire types -------------------------------------------------------

type claudeContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type claudeMessage struct {
	Role    string               `json:"role"`
	Content []claudeContentBlock `json:"content"`
}

type claudeTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float32         `json:"temperature,omitempty"`
	TopP        float32         `json:"top_p,omitempty"`
	StopSeqs    []string        `json:"stop_sequences,omitempty"`
	Tools       []claudeTool    `json:"tools,omitempty"`
	ToolChoice  any             `json:"tool_choice,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
	Thinking    *claudeThinking `json:"thinking,omitempty"`
}

type claudeThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type claudeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type claudeResponse struct {
	ID         string               `json:"id"`
	Type       string               `json:"type"`
	Role       string               `json:"role"`
	Model      string               `json:"model"`
	Content    []claudeContentBlock `json:"content"`
	StopReason string               `json:"stop_reason"`
	Usage      claudeUsage          `json:"usage"`
}

type claudeErrorResp struct {
	Type  string `json:"type"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// convertToClaudeMessages pulls the system message out (Claude carries it
// as a top-level field, not a message) and converts the rest, wrapping
// tool results as user-role tool_result blocks per the Messages API.
func convertToClaudeMessages(msgs []llm.Message) (system string, out []claudeMessage) {
	for _, m := range msgs {
		if m.Role == llm.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Content
			continue
		}

		if m.Role == llm.RoleTool {
			out = append(out, claudeMessage{
				Role: "user",
				Content: []claudeContentBlock{{
					Type:      "tool_result",
					ToolUseID: m.ToolCallID,
					Content:   m.Content,
				}},
			})
			continue
		}

		role := string(m.Role)
		var blocks []claudeContentBlock
		if m.Content != "" {
			blocks = append(blocks, claudeContentBlock{Type: "text", Text: m.Content})
		}
		for _, tc := range m.ToolCalls {
			blocks = append(blocks, claudeContentBlock{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  tc.Name,
				Input: tc.Arguments,
			})
		}
		if len(blocks) == 0 {
			continue
		}
		out = append(out, claudeMessage{Role: role, Content: blocks})
	}
	return system, out
}

func convertToClaudeTools(tools []llm.ToolSchema) []claudeTool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]claudeTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, claudeTool{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}
	return out
}

func (p *ClaudeProvider) buildRequest(req *llm.ChatRequest, stream bool) claudeRequest {
	system, messages := convertToClaudeMessages(req.Messages)

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	body := claudeRequest{
		Model:       p.chooseModel(req),
		System:      system,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		StopSeqs:    req.Stop,
		Tools:       convertToClaudeTools(req.Tools),
		Stream:      stream,
	}
	if req.ToolChoice != "" {
		body.ToolChoice = map[string]string{"type": req.ToolChoice}
	}
	switch req.ReasoningMode {
	case "extended":
		body.Thinking = &claudeThinking{Type: "enabled", BudgetTokens: maxTokens / 2}
	case "fast":
		// fast is the absence of an extended-thinking block; nothing to set.
	}
	return body
}

// Completion sends a synchronous request to /v1/messages.
func (p *ClaudeProvider) Completion(ctx context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	rewritten, err := p.rewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: fmt.Sprintf("request rewrite failed: %v", err),
			HTTPStatus: http.StatusBadRequest, Provider: p.Name(),
		}
	}
	req = rewritten

	apiKey := p.resolveAPIKey(ctx)
	body := p.buildRequest(req, false)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/v1/messages"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg := readClaudeErrMsg(resp.Body)
		return nil, mapClaudeError(resp.StatusCode, msg, p.Name())
	}

	var claudeResp claudeResponse
	if err := json.NewDecoder(resp.Body).Decode(&claudeResp); err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}

	return toClaudeChatResponse(claudeResp, p.Name()), nil
}

func toClaudeChatResponse(cr claudeResponse, provider string) *llm.ChatResponse {
	msg := llm.Message{Role: llm.RoleAssistant}
	for _, block := range cr.Content {
		switch block.Type {
		case "text":
			msg.Content += block.Text
		case "tool_use":
			msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
				ID: block.ID, Name: block.Name, Arguments: block.Input,
			})
		}
	}

	return &llm.ChatResponse{
		ID:       cr.ID,
		Provider: provider,
		Model:    cr.Model,
		Choices: []llm.ChatChoice{{
			Index:        0,
			FinishReason: cr.StopReason,
			Message:      msg,
		}},
		Usage: llm.ChatUsage{
			PromptTokens:     cr.Usage.InputTokens,
			CompletionTokens: cr.Usage.OutputTokens,
			TotalTokens:      cr.Usage.InputTokens + cr.Usage.OutputTokens,
		},
	}
}

// Stream sends a streaming request, translating Claude's SSE event
// sequence (message_start / content_block_start / content_block_delta /
// content_block_stop / message_delta / message_stop) into StreamChunks.
func (p *ClaudeProvider) Stream(ctx context.Context, req *llm.ChatRequest) (<-chan llm.StreamChunk, error) {
	rewritten, err := p.rewriterChain.Execute(ctx, req)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrInvalidRequest, Message: fmt.Sprintf("request rewrite failed: %v", err),
			HTTPStatus: http.StatusBadRequest, Provider: p.Name(),
		}
	}
	req = rewritten

	apiKey := p.resolveAPIKey(ctx)
	body := p.buildRequest(req, true)

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint("/v1/messages"), bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	p.buildHeaders(httpReq, apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, &llm.Error{
			Code: llm.ErrUpstreamError, Message: err.Error(),
			HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
		}
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		msg := readClaudeErrMsg(resp.Body)
		return nil, mapClaudeError(resp.StatusCode, msg, p.Name())
	}

	ch := make(chan llm.StreamChunk)
	go p.consumeStream(ctx, resp.Body, ch)
	return ch, nil
}

func (p *ClaudeProvider) consumeStream(ctx context.Context, body io.ReadCloser, ch chan<- llm.StreamChunk) {
	defer body.Close()
	defer close(ch)

	var (
		responseID   string
		model        string
		toolCallID   string
		toolCallName string
		toolArgsBuf  strings.Builder
		usage        claudeUsage
	)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var eventType string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "event:") {
			eventType = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
			continue
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		switch eventType {
		case "message_start":
			var ev struct {
				Message struct {
					ID    string      `json:"id"`
					Model string      `json:"model"`
					Usage claudeUsage `json:"usage"`
				} `json:"message"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil {
				responseID = ev.Message.ID
				model = ev.Message.Model
				usage.InputTokens = ev.Message.Usage.InputTokens
			}

		case "content_block_start":
			var ev struct {
				ContentBlock claudeContentBlock `json:"content_block"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil && ev.ContentBlock.Type == "tool_use" {
				toolCallID = ev.ContentBlock.ID
				toolCallName = ev.ContentBlock.Name
				toolArgsBuf.Reset()
			}

		case "content_block_delta":
			var ev struct {
				Delta struct {
					Type        string `json:"type"`
					Text        string `json:"text,omitempty"`
					PartialJSON string `json:"partial_json,omitempty"`
				} `json:"delta"`
			}
			if json.Unmarshal([]byte(data), &ev) != nil {
				continue
			}
			chunk := llm.StreamChunk{
				ID: responseID, Provider: p.Name(), Model: model,
				Delta: llm.Message{Role: llm.RoleAssistant},
			}
			switch ev.Delta.Type {
			case "text_delta":
				chunk.Delta.Content = ev.Delta.Text
			case "input_json_delta":
				toolArgsBuf.WriteString(ev.Delta.PartialJSON)
				continue
			default:
				continue
			}
			if !sendChunk(ctx, ch, chunk) {
				return
			}

		case "content_block_stop":
			if toolCallID != "" {
				chunk := llm.StreamChunk{
					ID: responseID, Provider: p.Name(), Model: model,
					Delta: llm.Message{
						Role: llm.RoleAssistant,
						ToolCalls: []llm.ToolCall{{
							ID: toolCallID, Name: toolCallName,
							Arguments: json.RawMessage(toolArgsBuf.String()),
						}},
					},
				}
				if !sendChunk(ctx, ch, chunk) {
					return
				}
				toolCallID, toolCallName = "", ""
			}

		case "message_delta":
			var ev struct {
				Delta struct {
					StopReason string `json:"stop_reason"`
				} `json:"delta"`
				Usage claudeUsage `json:"usage"`
			}
			if json.Unmarshal([]byte(data), &ev) == nil {
				usage.OutputTokens = ev.Usage.OutputTokens
				chunk := llm.StreamChunk{
					ID: responseID, Provider: p.Name(), Model: model,
					FinishReason: ev.Delta.StopReason,
					Delta:        llm.Message{Role: llm.RoleAssistant},
					Usage: &llm.ChatUsage{
						PromptTokens:     usage.InputTokens,
						CompletionTokens: usage.OutputTokens,
						TotalTokens:      usage.InputTokens + usage.OutputTokens,
					},
				}
				if !sendChunk(ctx, ch, chunk) {
					return
				}
			}

		case "message_stop":
			return

		case "error":
			var ev claudeErrorResp
			if json.Unmarshal([]byte(data), &ev) == nil {
				sendChunk(ctx, ch, llm.StreamChunk{
					Err: &llm.Error{
						Code: llm.ErrUpstreamError, Message: ev.Error.Message,
						HTTPStatus: http.StatusBadGateway, Retryable: true, Provider: p.Name(),
					},
				})
			}
			return
		}
	}
}

func sendChunk(ctx context.Context, ch chan<- llm.StreamChunk, chunk llm.StreamChunk) bool {
	select {
	case <-ctx.Done():
		return false
	case ch <- chunk:
		return true
	}
}

func readClaudeErrMsg(body io.Reader) string {
	data, _ := io.ReadAll(body)
	var errResp claudeErrorResp
	if err := json.Unmarshal(data, &errResp); err == nil && errResp.Error.Message != "" {
		return fmt.Sprintf("%s (type: %s)", errResp.Error.Message, errResp.Error.Type)
	}
	return string(data)
}

func mapClaudeError(status int, msg string, provider string) *llm.Error {
	switch status {
	case http.StatusUnauthorized:
		return &llm.Error{Code: llm.ErrUnauthorized, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusForbidden:
		return &llm.Error{Code: llm.ErrForbidden, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusTooManyRequests:
		return &llm.Error{Code: llm.ErrRateLimited, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case http.StatusBadRequest:
		lower := strings.ToLower(msg)
		if strings.Contains(lower, "credit") || strings.Contains(lower, "quota") {
			return &llm.Error{Code: llm.ErrQuotaExceeded, Message: msg, HTTPStatus: status, Provider: provider}
		}
		return &llm.Error{Code: llm.ErrInvalidRequest, Message: msg, HTTPStatus: status, Provider: provider}
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	case 529:
		return &llm.Error{Code: llm.ErrModelOverloaded, Message: msg, HTTPStatus: status, Retryable: true, Provider: provider}
	default:
		return &llm.Error{Code: llm.ErrUpstreamError, Message: msg, HTTPStatus: status, Retryable: status >= 500, Provider: provider}
	}
}
