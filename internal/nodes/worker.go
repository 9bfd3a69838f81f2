package nodes

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"console_agent/internal/core"
	"console_agent/internal/tools"
)

const emptyAnswer = "I do not have anything to add to that."

// WorkerNode answers its domain's part of a turn. It runs a bounded
// model/tool loop on a private scratchpad and contributes exactly one
// message to the state: its final answer.
type WorkerNode struct {
	name          core.NodeName
	systemPrompt  string
	model         model.ToolCallingChatModel
	tools         map[string]*tools.Adapter
	maxIterations int
	modelTimeout  time.Duration
	logger        zerolog.Logger
}

type WorkerConfig struct {
	Name          core.NodeName
	SystemPrompt  string
	Model         model.ToolCallingChatModel
	Tools         []*tools.Adapter
	MaxIterations int
	ModelTimeout  time.Duration
	Logger        zerolog.Logger
}

func NewWorkerNode(ctx context.Context, cfg WorkerConfig) (*WorkerNode, error) {
	if cfg.Name == "" || cfg.Name == core.NodeSupervisor || cfg.Name == core.NodeFinish {
		return nil, fmt.Errorf("%w: invalid worker name %q", core.ErrValidation, cfg.Name)
	}

	chatModel := cfg.Model
	byName := make(map[string]*tools.Adapter, len(cfg.Tools))
	if len(cfg.Tools) > 0 {
		infos := make([]*schema.ToolInfo, 0, len(cfg.Tools))
		for _, t := range cfg.Tools {
			info, err := t.Info(ctx)
			if err != nil {
				return nil, fmt.Errorf("tool info for %s: %w", t.Name(), err)
			}
			infos = append(infos, info)
			byName[t.Name()] = t
		}
		bound, err := chatModel.WithTools(infos)
		if err != nil {
			return nil, fmt.Errorf("binding tools for %s: %w", cfg.Name, err)
		}
		chatModel = bound
	}

	maxIterations := cfg.MaxIterations
	if maxIterations <= 0 {
		maxIterations = 8
	}
	timeout := cfg.ModelTimeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	return &WorkerNode{
		name:          cfg.Name,
		systemPrompt:  cfg.SystemPrompt,
		model:         chatModel,
		tools:         byName,
		maxIterations: maxIterations,
		modelTimeout:  timeout,
		logger:        cfg.Logger.With().Str("agent", string(cfg.Name)).Logger(),
	}, nil
}

func (w *WorkerNode) GetName() core.NodeName { return w.name }

func (w *WorkerNode) GetType() core.NodeType { return core.NodeTypeWorker }

// Execute never fails because of a tool or the model; those failures become
// the answer. Only cancellation is returned as an error.
func (w *WorkerNode) Execute(ctx context.Context, state *core.State, emit core.Emitter) (core.Delta, error) {
	scratchpad := w.conversation(state)
	failures := newFailureTracker()
	out := &answerText{node: w.name, emit: emit}

	for i := 0; i < w.maxIterations; i++ {
		msg, err := w.generate(ctx, scratchpad, out)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return core.Delta{}, ctxErr
			}
			w.logger.Warn().Err(err).Int("iteration", i).Msg("Model call failed")
			out.notice(ctx, degradedAnswer(err))
			return w.answer(ctx, emit, out.String()), nil
		}

		if len(msg.ToolCalls) == 0 {
			if out.blank() {
				out.notice(ctx, emptyAnswer)
			}
			return w.answer(ctx, emit, out.String()), nil
		}

		scratchpad = append(scratchpad, schema.AssistantMessage(msg.Content, msg.ToolCalls))
		for _, call := range msg.ToolCalls {
			result := w.callTool(ctx, call, emit, failures)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return core.Delta{}, ctxErr
			}
			scratchpad = append(scratchpad, schema.ToolMessage(result, call.ID))
		}
		if hint := failures.takeHint(); hint != "" {
			scratchpad = append(scratchpad, schema.SystemMessage(hint))
		}
	}

	w.logger.Warn().Int("max_iterations", w.maxIterations).Msg("Agent exhausted its iterations")
	out.notice(ctx, exhaustedAnswer(w.maxIterations))
	return w.answer(ctx, emit, out.String()), nil
}

// conversation is the model input: the agent prompt and the shared
// transcript without the supervisor's routing notes.
func (w *WorkerNode) conversation(state *core.State) []*schema.Message {
	messages := make([]*schema.Message, 0, len(state.Messages)+1)
	if w.systemPrompt != "" {
		messages = append(messages, schema.SystemMessage(w.systemPrompt))
	}
	for _, msg := range state.Messages {
		if msg.Role == schema.System && msg.Name == string(core.NodeSupervisor) {
			continue
		}
		messages = append(messages, msg)
	}
	return messages
}

// generate streams one model response, forwarding its text as tokens.
func (w *WorkerNode) generate(ctx context.Context, input []*schema.Message, out *answerText) (*schema.Message, error) {
	callCtx, cancel := context.WithTimeout(ctx, w.modelTimeout)
	defer cancel()

	reader, err := w.model.Stream(callCtx, input)
	if err != nil {
		return nil, err
	}
	defer reader.Close()

	var chunks []*schema.Message
	for {
		chunk, err := reader.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
		out.write(ctx, chunk.Content)
	}

	if len(chunks) == 0 {
		return schema.AssistantMessage("", nil), nil
	}
	msg, err := schema.ConcatMessages(chunks)
	if err != nil {
		return nil, fmt.Errorf("assembling model response: %w", err)
	}
	return msg, nil
}

// callTool runs one tool call and returns the tool message content, which
// is a structured failure when the call did not succeed.
func (w *WorkerNode) callTool(ctx context.Context, call schema.ToolCall, emit core.Emitter, failures *failureTracker) string {
	name := call.Function.Name
	emit.Emit(ctx, core.Event{
		Type:       core.EventToolCall,
		Node:       w.name,
		Tool:       name,
		ToolCallID: call.ID,
		Content:    call.Function.Arguments,
	})

	var (
		out string
		err error
	)
	adapter, ok := w.tools[name]
	switch {
	case !ok:
		err = &core.ToolError{Tool: name, Kind: core.ToolErrorInvalidArgument,
			Err: fmt.Errorf("%w: %s has no tool %q", core.ErrInvalidArgument, w.name, name)}
	case failures.blocked(name):
		err = &core.ToolError{Tool: name, Kind: core.ToolErrorFailed,
			Err: errors.New("not retried after failing twice with the same error")}
	default:
		out, err = adapter.Invoke(ctx, call.Function.Arguments)
	}

	if err != nil {
		w.logger.Warn().Err(err).Str("tool", name).Msg("Tool call failed")
		out = tools.FailureMessage(err)
		failures.record(name, err)
	} else {
		failures.reset(name)
	}

	emit.Emit(ctx, core.Event{
		Type:       core.EventToolResult,
		Node:       w.name,
		Tool:       name,
		ToolCallID: call.ID,
		Content:    out,
	})
	return out
}

// answer closes the activation. The stored content is exactly the text
// streamed as tokens.
func (w *WorkerNode) answer(ctx context.Context, emit core.Emitter, content string) core.Delta {
	emit.Emit(ctx, core.Event{Type: core.EventMessage, Node: w.name, Content: content})

	msg := schema.AssistantMessage(content, nil)
	msg.Name = string(w.name)
	return core.Delta{Messages: []*schema.Message{msg}}
}

// answerText is the text a worker has streamed during one activation,
// including what the model said before calling tools.
type answerText struct {
	node    core.NodeName
	emit    core.Emitter
	pending string
	text    strings.Builder
}

// write streams text as a token. Leading whitespace is held back until
// something visible arrives.
func (a *answerText) write(ctx context.Context, text string) {
	if text == "" {
		return
	}
	if a.text.Len() == 0 && strings.TrimSpace(a.pending+text) == "" {
		a.pending += text
		return
	}
	text, a.pending = a.pending+text, ""
	a.text.WriteString(text)
	a.emit.Emit(ctx, core.Event{Type: core.EventToken, Node: a.node, Content: text})
}

// notice streams a closing message after whatever was already sent.
func (a *answerText) notice(ctx context.Context, text string) {
	a.pending = ""
	if !a.blank() {
		text = "\n\n" + text
	}
	a.write(ctx, text)
}

func (a *answerText) blank() bool { return a.text.Len() == 0 }

func (a *answerText) String() string { return a.text.String() }

func degradedAnswer(err error) string {
	reason := "the assistant model did not respond"
	if errors.Is(err, context.DeadlineExceeded) {
		reason = "the assistant model timed out"
	}
	return fmt.Sprintf("I could not complete this request because %s. Please try again in a moment.", reason)
}

func exhaustedAnswer(limit int) string {
	return fmt.Sprintf("I could not finish within %d tool steps (%v). "+
		"Please narrow the request, for example by naming a single cluster or project.", limit, core.ErrAgentExhausted)
}

// failureTracker remembers consecutive identical tool failures.
type failureTracker struct {
	last    map[string]string
	repeats map[string]int
	hint    string
}

func newFailureTracker() *failureTracker {
	return &failureTracker{last: map[string]string{}, repeats: map[string]int{}}
}

func (f *failureTracker) record(tool string, err error) {
	if f.blocked(tool) {
		return
	}
	msg := err.Error()
	if f.last[tool] == msg {
		f.repeats[tool]++
	} else {
		f.last[tool] = msg
		f.repeats[tool] = 1
	}
	if f.repeats[tool] == 2 {
		f.hint = fmt.Sprintf("The tool %s failed twice with the same error. Do not call it again; "+
			"answer the user with what you have and explain the failure.", tool)
	}
}

func (f *failureTracker) reset(tool string) {
	delete(f.last, tool)
	delete(f.repeats, tool)
}

func (f *failureTracker) blocked(tool string) bool {
	return f.repeats[tool] >= 2
}

func (f *failureTracker) takeHint() string {
	hint := f.hint
	f.hint = ""
	return hint
}
