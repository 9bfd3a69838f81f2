// Package testutil provides a scripted chat model for tests.
package testutil

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

var ErrScriptExhausted = errors.New("scripted model: no more replies")

// Reply is one scripted model response.
type Reply struct {
	Message *schema.Message
	Err     error
	// Delay is waited before replying, or until the context ends.
	Delay time.Duration
	// StreamErr ends a stream after the message content has been sent.
	StreamErr error
}

func Text(content string) Reply {
	return Reply{Message: schema.AssistantMessage(content, nil)}
}

// ToolCall replies with a single tool call.
func ToolCall(id, name, arguments string) Reply {
	return Reply{Message: schema.AssistantMessage("", []schema.ToolCall{{
		ID:       id,
		Type:     "function",
		Function: schema.FunctionCall{Name: name, Arguments: arguments},
	}})}
}

func Fail(err error) Reply {
	return Reply{Err: err}
}

// Interrupted streams content and then fails with err.
func Interrupted(content string, err error) Reply {
	return Reply{Message: schema.AssistantMessage(content, nil), StreamErr: err}
}

// ScriptedChatModel replays replies in order for both Generate and Stream.
// Once the script is exhausted it repeats Fallback, or fails.
type ScriptedChatModel struct {
	Fallback *Reply

	mu      sync.Mutex
	replies []Reply
	inputs  [][]*schema.Message
	tools   []*schema.ToolInfo
}

var _ model.ToolCallingChatModel = (*ScriptedChatModel)(nil)

func NewScriptedChatModel(replies ...Reply) *ScriptedChatModel {
	return &ScriptedChatModel{replies: replies}
}

func (m *ScriptedChatModel) next(input []*schema.Message) (Reply, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.inputs = append(m.inputs, append([]*schema.Message(nil), input...))
	if len(m.replies) == 0 {
		if m.Fallback != nil {
			return *m.Fallback, nil
		}
		return Reply{}, ErrScriptExhausted
	}
	reply := m.replies[0]
	m.replies = m.replies[1:]
	return reply, nil
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *ScriptedChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	reply, err := m.next(input)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, reply.Delay); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err
	}
	return reply.Message, nil
}

// Stream splits a text reply into word-sized chunks. Tool call replies are
// sent as one chunk.
func (m *ScriptedChatModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	reply, err := m.next(input)
	if err != nil {
		return nil, err
	}
	if err := wait(ctx, reply.Delay); err != nil {
		return nil, err
	}
	if reply.Err != nil {
		return nil, reply.Err
	}

	msg := reply.Message
	if len(msg.ToolCalls) > 0 || msg.Content == "" {
		return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
	}

	var chunks []*schema.Message
	for _, piece := range strings.SplitAfter(msg.Content, " ") {
		if piece == "" {
			continue
		}
		chunks = append(chunks, &schema.Message{Role: schema.Assistant, Content: piece})
	}
	if reply.StreamErr == nil {
		return schema.StreamReaderFromArray(chunks), nil
	}

	reader, writer := schema.Pipe[*schema.Message](len(chunks) + 1)
	for _, chunk := range chunks {
		writer.Send(chunk, nil)
	}
	writer.Send(nil, reply.StreamErr)
	writer.Close()
	return reader, nil
}

// WithTools records the tools and returns the same model, so every binding
// shares one script.
func (m *ScriptedChatModel) WithTools(tools []*schema.ToolInfo) (model.ToolCallingChatModel, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tools = append([]*schema.ToolInfo(nil), tools...)
	return m, nil
}

// Calls returns how many times the model was asked.
func (m *ScriptedChatModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inputs)
}

// Inputs returns the message lists the model received, in call order.
func (m *ScriptedChatModel) Inputs() [][]*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]*schema.Message(nil), m.inputs...)
}

func (m *ScriptedChatModel) Tools() []*schema.ToolInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*schema.ToolInfo(nil), m.tools...)
}
