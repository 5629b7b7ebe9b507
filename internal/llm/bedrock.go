package llm

import (
	"context"
	"errors"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
)

type bedrockStreamAPI interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// BedrockClient streams from Amazon Bedrock's Converse API.
type BedrockClient struct {
	api     bedrockStreamAPI
	modelID string
}

func NewBedrockClient(api bedrockStreamAPI, modelID string) *BedrockClient {
	if api == nil {
		panic("llm: bedrock runtime client cannot be nil")
	}
	return &BedrockClient{api: api, modelID: modelID}
}

func (c *BedrockClient) buildInput(req Request) (*bedrockruntime.ConverseStreamInput, error) {
	model := req.Model
	if strings.TrimSpace(model) == "" {
		model = c.modelID
	}
	if strings.TrimSpace(model) == "" {
		return nil, errors.New("llm: bedrock model id is required")
	}

	extraSystem, turns := alternate(req.Messages)
	if len(turns) == 0 {
		return nil, errNoMessages
	}

	systemBlocks := make([]brtypes.SystemContentBlock, 0, len(req.System)+len(extraSystem))
	for _, block := range append(append([]string(nil), req.System...), extraSystem...) {
		if strings.TrimSpace(block) == "" {
			continue
		}
		systemBlocks = append(systemBlocks, &brtypes.SystemContentBlockMemberText{Value: block})
	}

	messages := make([]brtypes.Message, 0, len(turns))
	for _, m := range turns {
		role := brtypes.ConversationRoleUser
		if m.Role == RoleAssistant {
			role = brtypes.ConversationRoleAssistant
		}
		messages = append(messages, brtypes.Message{
			Role:    role,
			Content: []brtypes.ContentBlock{&brtypes.ContentBlockMemberText{Value: m.Content}},
		})
	}

	inference := &brtypes.InferenceConfiguration{}
	if req.MaxTokens > 0 {
		inference.MaxTokens = aws.Int32(req.MaxTokens)
	}
	if req.Temperature != nil {
		inference.Temperature = aws.Float32(*req.Temperature)
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(model),
		System:          systemBlocks,
		Messages:        messages,
		InferenceConfig: inference,
	}
	if len(req.Tools) > 0 {
		tools := make([]brtypes.Tool, 0, len(req.Tools))
		for _, t := range req.Tools {
			tools = append(tools, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: document.NewLazyDocument(t.Parameters)},
			}})
		}
		input.ToolConfig = &brtypes.ToolConfiguration{
			Tools:      tools,
			ToolChoice: &brtypes.ToolChoiceMemberAuto{Value: brtypes.AutoToolChoice{}},
		}
	}
	return input, nil
}

// CompleteStream implements StreamingClient.
func (c *BedrockClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	input, err := c.buildInput(req)
	if err != nil {
		return nil, err
	}

	out, err := c.api.ConverseStream(ctx, input)
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk, 32)

	go func() {
		defer close(chunks)

		stream := out.GetStream()
		if stream == nil {
			send(ctx, chunks, StreamChunk{Error: errors.New("llm: bedrock stream is nil"), Done: true})
			return
		}
		defer stream.Close()

		// Bedrock numbers content blocks across text and tool use; tool
		// calls are renumbered from zero.
		toolIndex := map[int32]int{}
		var usage TokenUsage
		for event := range stream.Events() {
			var chunk *StreamChunk
			switch v := event.(type) {
			case *brtypes.ConverseStreamOutputMemberContentBlockStart:
				if start, ok := v.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
					idx := len(toolIndex)
					toolIndex[aws.ToInt32(v.Value.ContentBlockIndex)] = idx
					chunk = &StreamChunk{ToolCall: &ToolCallDelta{
						Index: idx,
						ID:    aws.ToString(start.Value.ToolUseId),
						Name:  aws.ToString(start.Value.Name),
					}}
				}
			case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
				switch d := v.Value.Delta.(type) {
				case *brtypes.ContentBlockDeltaMemberText:
					chunk = &StreamChunk{Text: d.Value}
				case *brtypes.ContentBlockDeltaMemberToolUse:
					idx, ok := toolIndex[aws.ToInt32(v.Value.ContentBlockIndex)]
					if !ok {
						idx = len(toolIndex)
						toolIndex[aws.ToInt32(v.Value.ContentBlockIndex)] = idx
					}
					chunk = &StreamChunk{ToolCall: &ToolCallDelta{Index: idx, Arguments: aws.ToString(d.Value.Input)}}
				}
			case *brtypes.ConverseStreamOutputMemberMetadata:
				if v.Value.Usage != nil {
					usage = TokenUsage{
						InputTokens:  aws.ToInt32(v.Value.Usage.InputTokens),
						OutputTokens: aws.ToInt32(v.Value.Usage.OutputTokens),
						TotalTokens:  aws.ToInt32(v.Value.Usage.TotalTokens),
					}
				}
			}
			if chunk != nil && !send(ctx, chunks, *chunk) {
				return
			}
		}

		if err := stream.Err(); err != nil {
			send(ctx, chunks, StreamChunk{Error: err, Done: true})
			return
		}
		send(ctx, chunks, StreamChunk{Done: true, Usage: usage})
	}()

	return chunks, nil
}
