package llm

import (
	"context"
	"errors"
	"io"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/comigor/deepchat-go/internal/config"
	"github.com/comigor/deepchat-go/internal/logger"
)

const defaultSystemPrompt = "You are an expert software engineer and logical problem solver. You provide clear, concise, and accurate answers with code examples when appropriate. Format your responses using markdown for better readability."

// Snapshot is a cumulative view of the generation so far: it carries
// everything produced up to this point, not just the newest fragment. A
// consumer only ever needs to keep the latest one.
type Snapshot struct {
	Content   string
	Reasoning string
}

// ChatMessage is a single role/content turn of the request history.
type ChatMessage struct {
	Role    string
	Content string
}

// Streamer opens a streaming generation for a message history.
type Streamer interface {
	StreamChat(ctx context.Context, history []ChatMessage) (*Stream, error)
}

// Stream delivers cumulative snapshots until the generation terminates.
// After the snapshot channel is closed, Err reports why: nil for normal
// completion, otherwise the failure that ended the stream.
type Stream struct {
	ch  chan Snapshot
	err error
}

// NewStream creates a stream whose producer feeds it through Send and
// terminates it with Finish.
func NewStream() *Stream {
	return &Stream{ch: make(chan Snapshot)}
}

// Snapshots returns the channel of cumulative snapshots. It is closed when
// the generation terminates; check Err afterwards.
func (s *Stream) Snapshots() <-chan Snapshot { return s.ch }

// Err reports how the stream ended. Only valid after Snapshots is closed.
func (s *Stream) Err() error { return s.err }

// Send delivers a snapshot, blocking until it is consumed or ctx is done.
func (s *Stream) Send(ctx context.Context, snap Snapshot) error {
	select {
	case s.ch <- snap:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Finish records err as the termination reason and closes the stream. Must
// be called exactly once, after the last Send.
func (s *Stream) Finish(err error) {
	s.err = err
	close(s.ch)
}

// Client streams chat completions from an OpenAI-compatible backend.
type Client struct {
	api completionStreamer
	cfg config.LLMConfig
}

// NewStreamer creates a streaming client for the configured backend.
func NewStreamer(cfg config.LLMConfig) *Client {
	return &Client{api: NewClient(cfg), cfg: cfg}
}

// StreamChat opens a streaming completion for the given history. The fixed
// operating system prompt is prepended and any caller-supplied system turns
// are dropped, so exactly one system entry governs the request.
func (c *Client) StreamChat(ctx context.Context, history []ChatMessage) (*Stream, error) {
	if len(history) == 0 {
		return nil, errors.New("empty message history")
	}
	if c.cfg.APIKey == "" {
		return nil, errors.New("llm api_key is not set")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: c.systemPrompt(),
	})
	for _, m := range history {
		if m.Role == openai.ChatMessageRoleSystem {
			continue
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}

	upstream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:     c.cfg.Model,
		Messages:  messages,
		MaxTokens: c.cfg.MaxTokens,
		Stream:    true,
	})
	if err != nil {
		return nil, err
	}

	out := NewStream()
	go pump(ctx, upstream, out)
	return out, nil
}

func (c *Client) systemPrompt() string {
	if c.cfg.SystemPrompt != "" {
		return c.cfg.SystemPrompt
	}
	return defaultSystemPrompt
}

// pump accumulates upstream deltas into cumulative snapshots until the
// stream terminates. Memory stays proportional to the total output: each
// snapshot replaces the previous one on the consumer side.
func pump(ctx context.Context, upstream *openai.ChatCompletionStream, out *Stream) {
	defer upstream.Close()

	var content, reasoning strings.Builder
	for {
		resp, err := upstream.Recv()
		if errors.Is(err, io.EOF) {
			out.Finish(nil)
			return
		}
		if err != nil {
			out.Finish(err)
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}

		delta := resp.Choices[0].Delta
		content.WriteString(delta.Content)
		reasoning.WriteString(delta.ReasoningContent)

		if reason := resp.Choices[0].FinishReason; reason != "" {
			logger.L.Debug("stream finishing", "reason", reason)
		}

		if err := out.Send(ctx, Snapshot{Content: content.String(), Reasoning: reasoning.String()}); err != nil {
			out.Finish(err)
			return
		}
	}
}
