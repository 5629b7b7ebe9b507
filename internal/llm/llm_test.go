package llm

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/google/generative-ai-go/genai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

func TestAlternate(t *testing.T) {
	system, turns := alternate([]Message{
		{Role: RoleAssistant, Content: "Hello, how can I help?"},
		{Role: RoleUser, Content: "I need a visit"},
		{Role: RoleUser, Content: "with Dr. Smith"},
		{Role: RoleSystem, Content: "note"},
		{Role: RoleAssistant, Content: "Sure."},
		{Role: RoleUser, Content: "  "},
	})

	assert.Equal(t, []string{"note"}, system)
	require.Len(t, turns, 4)
	assert.Equal(t, RoleUser, turns[0].Role)
	assert.Equal(t, "I need a visit\nwith Dr. Smith", turns[1].Content)
	assert.Equal(t, RoleAssistant, turns[2].Role)
	assert.Equal(t, RoleUser, turns[3].Role)
}

func TestWindowFit(t *testing.T) {
	w := NewWindow(60)
	long := strings.Repeat("appointment ", 300)
	msgs := []Message{
		{Role: RoleUser, Content: long},
		{Role: RoleAssistant, Content: "ok"},
		{Role: RoleUser, Content: "tomorrow"},
	}
	fit := w.Fit([]string{"system"}, msgs)
	require.NotEmpty(t, fit)
	assert.Equal(t, "tomorrow", fit[len(fit)-1].Content)
	assert.Less(t, len(fit), len(msgs))
}

func TestWindowFit_KeepsNewestEvenOverBudget(t *testing.T) {
	w := NewWindow(5)
	msgs := []Message{{Role: RoleUser, Content: strings.Repeat("word ", 50)}}
	assert.Equal(t, msgs, w.Fit(nil, msgs))
}

func TestWindowFit_Disabled(t *testing.T) {
	w := NewWindow(0)
	msgs := []Message{{Role: RoleUser, Content: "a"}, {Role: RoleUser, Content: "b"}}
	assert.Equal(t, msgs, w.Fit(nil, msgs))
	assert.Positive(t, w.Count("hello there"))
}

type stubStream struct {
	err    error
	calls  int
	chunks []StreamChunk
}

func (s *stubStream) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan StreamChunk, len(s.chunks))
	for _, c := range s.chunks {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func TestFallbackClient(t *testing.T) {
	req := Request{Messages: []Message{{Role: RoleUser, Content: "hi"}}}

	t.Run("primary ok", func(t *testing.T) {
		primary := &stubStream{chunks: []StreamChunk{{Done: true}}}
		fallback := &stubStream{}
		_, err := NewFallbackClient(primary, fallback, logging.Discard()).CompleteStream(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, 0, fallback.calls)
	})

	t.Run("primary fails", func(t *testing.T) {
		primary := &stubStream{err: errors.New("503")}
		fallback := &stubStream{chunks: []StreamChunk{{Text: "from fallback"}, {Done: true}}}
		ch, err := NewFallbackClient(primary, fallback, logging.Discard()).CompleteStream(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "from fallback", (<-ch).Text)
	})

	t.Run("both fail", func(t *testing.T) {
		primary := &stubStream{err: errors.New("503")}
		fallback := &stubStream{err: errors.New("timeout")}
		_, err := NewFallbackClient(primary, fallback, logging.Discard()).CompleteStream(context.Background(), req)
		assert.EqualError(t, err, "timeout")
	})

	t.Run("no fallback", func(t *testing.T) {
		primary := &stubStream{err: errors.New("503")}
		_, err := NewFallbackClient(primary, nil, logging.Discard()).CompleteStream(context.Background(), req)
		assert.EqualError(t, err, "503")
	})

	t.Run("cancelled context skips fallback", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		primary := &stubStream{err: context.Canceled}
		fallback := &stubStream{}
		_, err := NewFallbackClient(primary, fallback, logging.Discard()).CompleteStream(ctx, req)
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, 0, fallback.calls)
	})
}

type fakeBedrock struct{}

func (fakeBedrock) ConverseStream(context.Context, *bedrockruntime.ConverseStreamInput, ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error) {
	return nil, errors.New("not used")
}

func TestBedrockBuildInput(t *testing.T) {
	c := NewBedrockClient(fakeBedrock{}, "anthropic.claude-3-haiku")
	in, err := c.buildInput(Request{
		System:      []string{"You are a scheduler."},
		Messages:    []Message{{Role: RoleAssistant, Content: "Hello"}, {Role: RoleUser, Content: "Book me"}},
		Tools:       []ToolSpec{{Name: "resolve_physician", Description: "find", Parameters: map[string]any{"type": "object"}}},
		MaxTokens:   200,
		Temperature: aws.Float32(0.2),
	})
	require.NoError(t, err)

	assert.Equal(t, "anthropic.claude-3-haiku", aws.ToString(in.ModelId))
	require.Len(t, in.Messages, 3)
	assert.Equal(t, brtypes.ConversationRoleUser, in.Messages[0].Role)
	assert.Equal(t, brtypes.ConversationRoleAssistant, in.Messages[1].Role)
	require.NotNil(t, in.ToolConfig)
	require.Len(t, in.ToolConfig.Tools, 1)
	spec, ok := in.ToolConfig.Tools[0].(*brtypes.ToolMemberToolSpec)
	require.True(t, ok)
	assert.Equal(t, "resolve_physician", aws.ToString(spec.Value.Name))
	assert.Equal(t, int32(200), aws.ToInt32(in.InferenceConfig.MaxTokens))
	assert.Equal(t, float32(0.2), aws.ToFloat32(in.InferenceConfig.Temperature))

	in, err = c.buildInput(Request{Messages: []Message{{Role: RoleUser, Content: "Book me"}}})
	require.NoError(t, err)
	assert.Nil(t, in.InferenceConfig.Temperature, "unset temperature must be left to the provider")
}

func TestBedrockBuildInput_Errors(t *testing.T) {
	_, err := NewBedrockClient(fakeBedrock{}, "").buildInput(Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	assert.Error(t, err)

	_, err = NewBedrockClient(fakeBedrock{}, "m").buildInput(Request{})
	assert.ErrorIs(t, err, errNoMessages)
}

func TestGeminiSchema(t *testing.T) {
	s := geminiSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"date": map[string]any{"type": "string", "description": "YYYY-MM-DD"},
		},
		"required": []string{"date"},
	})
	require.NotNil(t, s)
	assert.Equal(t, genai.TypeObject, s.Type)
	assert.Equal(t, genai.TypeString, s.Properties["date"].Type)
	assert.Equal(t, "YYYY-MM-DD", s.Properties["date"].Description)
	assert.Equal(t, []string{"date"}, s.Required)
	assert.Nil(t, geminiSchema(nil))
}
