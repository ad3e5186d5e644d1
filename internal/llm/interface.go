package llm

import (
	"context"

	"github.com/sashabaranov/go-openai"
)

// completionStreamer is the minimal subset of openai.Client used by the
// streaming client; it is easy to mock in tests.
type completionStreamer interface {
	CreateChatCompletionStream(ctx context.Context, req openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}
