package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// OpenAIClient streams chat completions from OpenAI or an Azure OpenAI
// deployment. Both speak the same SSE wire format.
type OpenAIClient struct {
	httpClient *http.Client
	endpoint   string
	authHeader string
	authValue  string
	model      string
	provider   string
}

// OpenAIOption customizes OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithOpenAIHTTPClient sets a custom HTTP client.
func WithOpenAIHTTPClient(c *http.Client) OpenAIOption {
	return func(o *OpenAIClient) {
		if c != nil {
			o.httpClient = c
		}
	}
}

func defaultHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// NewOpenAIClient targets the OpenAI chat completions API at baseURL.
func NewOpenAIClient(apiKey, baseURL, model string, opts ...OpenAIOption) *OpenAIClient {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultOpenAIBaseURL
	}
	c := &OpenAIClient{
		httpClient: defaultHTTPClient(),
		endpoint:   strings.TrimRight(baseURL, "/") + "/chat/completions",
		authHeader: "Authorization",
		authValue:  "Bearer " + apiKey,
		model:      model,
		provider:   "openai",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// NewAzureOpenAIClient targets an Azure OpenAI deployment.
func NewAzureOpenAIClient(endpoint, apiKey, deployment, apiVersion string, opts ...OpenAIOption) *OpenAIClient {
	q := url.Values{}
	q.Set("api-version", apiVersion)
	c := &OpenAIClient{
		httpClient: defaultHTTPClient(),
		endpoint: fmt.Sprintf("%s/openai/deployments/%s/chat/completions?%s",
			strings.TrimRight(endpoint, "/"), url.PathEscape(deployment), q.Encode()),
		authHeader: "api-key",
		authValue:  apiKey,
		model:      deployment,
		provider:   "azure",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type chatRequest struct {
	Model         string         `json:"model,omitempty"`
	Messages      []chatMessage  `json:"messages"`
	Tools         []chatTool     `json:"tools,omitempty"`
	ToolChoice    string         `json:"tool_choice,omitempty"`
	MaxTokens     int32          `json:"max_tokens,omitempty"`
	Temperature   *float32       `json:"temperature,omitempty"`
	Stream        bool           `json:"stream"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int32 `json:"prompt_tokens"`
		CompletionTokens int32 `json:"completion_tokens"`
		TotalTokens      int32 `json:"total_tokens"`
	} `json:"usage"`
}

// CompleteStream implements StreamingClient.
func (c *OpenAIClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	if len(req.Messages) == 0 {
		return nil, errNoMessages
	}

	body := chatRequest{
		Model:         req.Model,
		MaxTokens:     req.MaxTokens,
		Stream:        true,
		StreamOptions: &streamOptions{IncludeUsage: true},
	}
	if body.Model == "" {
		body.Model = c.model
	}
	if req.Temperature != nil {
		t := *req.Temperature
		body.Temperature = &t
	}
	if sys := strings.TrimSpace(strings.Join(req.System, "\n\n")); sys != "" {
		body.Messages = append(body.Messages, chatMessage{Role: RoleSystem, Content: sys})
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, chatTool{
			Type:     "function",
			Function: chatFunction{Name: t.Name, Description: t.Description, Parameters: t.Parameters},
		})
	}
	if len(body.Tools) > 0 {
		body.ToolChoice = "auto"
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("llm: marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("llm: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")
	httpReq.Header.Set(c.authHeader, c.authValue)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("llm: %s request failed: %w", c.provider, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, &StatusError{Provider: c.provider, StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	out := make(chan StreamChunk, 32)
	go c.streamReader(ctx, resp.Body, out)
	return out, nil
}

func (c *OpenAIClient) streamReader(ctx context.Context, body io.ReadCloser, out chan<- StreamChunk) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	var usage TokenUsage
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			send(ctx, out, StreamChunk{Done: true, Usage: usage})
			return
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			send(ctx, out, StreamChunk{Done: true, Error: fmt.Errorf("llm: decode stream chunk: %w", err)})
			return
		}
		if chunk.Usage != nil {
			usage = TokenUsage{
				InputTokens:  chunk.Usage.PromptTokens,
				OutputTokens: chunk.Usage.CompletionTokens,
				TotalTokens:  chunk.Usage.TotalTokens,
			}
		}
		for _, choice := range chunk.Choices {
			if choice.Delta.Content != "" {
				if !send(ctx, out, StreamChunk{Text: choice.Delta.Content}) {
					return
				}
			}
			for _, tc := range choice.Delta.ToolCalls {
				delta := &ToolCallDelta{
					Index:     tc.Index,
					ID:        tc.ID,
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				}
				if !send(ctx, out, StreamChunk{ToolCall: delta}) {
					return
				}
			}
		}
	}

	if err := scanner.Err(); err != nil {
		send(ctx, out, StreamChunk{Done: true, Error: fmt.Errorf("llm: stream read: %w", err)})
		return
	}
	// Some compatible servers close without [DONE].
	send(ctx, out, StreamChunk{Done: true, Usage: usage})
}
