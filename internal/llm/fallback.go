package llm

import (
	"context"

	"github.com/wolfman30/clinic-voice-agent/pkg/logging"
)

// FallbackClient opens a stream on the primary provider and, if that
// fails, on the fallback. Once a stream is open it is never switched,
// since part of it may already have been spoken.
type FallbackClient struct {
	primary  StreamingClient
	fallback StreamingClient
	logger   *logging.Logger
}

// NewFallbackClient wraps primary. A nil fallback disables retrying.
func NewFallbackClient(primary, fallback StreamingClient, logger *logging.Logger) *FallbackClient {
	if logger == nil {
		logger = logging.Default()
	}
	return &FallbackClient{primary: primary, fallback: fallback, logger: logger}
}

// CompleteStream implements StreamingClient.
func (c *FallbackClient) CompleteStream(ctx context.Context, req Request) (<-chan StreamChunk, error) {
	ch, err := c.primary.CompleteStream(ctx, req)
	if err == nil {
		return ch, nil
	}
	if ctx.Err() != nil {
		return nil, err
	}

	c.logger.Warn("primary LLM stream failed, attempting fallback",
		"error", err.Error(),
		"fallback_available", c.fallback != nil,
	)
	if c.fallback == nil {
		return nil, err
	}

	ch, fallbackErr := c.fallback.CompleteStream(ctx, req)
	if fallbackErr != nil {
		c.logger.Error("fallback LLM stream also failed",
			"primary_error", err.Error(),
			"fallback_error", fallbackErr.Error(),
		)
		return nil, fallbackErr
	}
	c.logger.Info("fallback LLM stream opened after primary failure")
	return ch, nil
}
