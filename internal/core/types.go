package core

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// NodeName identifies a node of the orchestration graph.
type NodeName string

const (
	NodeSupervisor NodeName = "Supervisor"
	NodeFinish     NodeName = "FINISH"
)

// IsTerminal reports whether n ends the turn. An empty name is terminal.
func (n NodeName) IsTerminal() bool {
	return n == "" || n == NodeFinish
}

func (n NodeName) String() string {
	if n == "" {
		return string(NodeFinish)
	}
	return string(n)
}

// NodeType defines the different types of nodes in the graph
type NodeType string

const (
	NodeTypeSupervisor NodeType = "supervisor"
	NodeTypeWorker     NodeType = "worker"
)

// Node represents a single processing unit in the graph flow.
// Execute receives a private copy of the state and reports its changes as a
// Delta; the graph merges it only when the turn is still live.
type Node interface {
	Execute(ctx context.Context, state *State, emit Emitter) (Delta, error)
	GetName() NodeName
	GetType() NodeType
}

// State is the conversation state carried between steps and checkpointed.
type State struct {
	Messages []*schema.Message `json:"messages"`
	Next     NodeName          `json:"next"`
	Step     int64             `json:"step"`
}

// Delta is the change produced by one node execution.
type Delta struct {
	Messages []*schema.Message
	Next     NodeName
}

// Clone returns a copy whose message slice can be appended to independently.
// Messages themselves are shared and must be treated as immutable.
func (s *State) Clone() *State {
	messages := make([]*schema.Message, len(s.Messages))
	copy(messages, s.Messages)
	return &State{Messages: messages, Next: s.Next, Step: s.Step}
}

// Merge appends the delta's messages and overwrites Next when the delta sets it.
func (s *State) Merge(d Delta) {
	s.Messages = append(s.Messages, d.Messages...)
	if d.Next != "" {
		s.Next = d.Next
	}
}

// LastUserIndex returns the index of the latest user message, or -1.
func (s *State) LastUserIndex() int {
	for i := len(s.Messages) - 1; i >= 0; i-- {
		if s.Messages[i].Role == schema.User {
			return i
		}
	}
	return -1
}

// LastUserMessage returns the content of the latest user message.
func (s *State) LastUserMessage() string {
	if i := s.LastUserIndex(); i >= 0 {
		return s.Messages[i].Content
	}
	return ""
}

// TurnMessages returns the messages appended since the latest user message.
func (s *State) TurnMessages() []*schema.Message {
	i := s.LastUserIndex()
	if i < 0 {
		return s.Messages
	}
	return s.Messages[i+1:]
}

// WorkerAnswers counts worker answers in the current turn.
func (s *State) WorkerAnswers() int {
	count := 0
	for _, msg := range s.TurnMessages() {
		if IsWorkerAnswer(msg) {
			count++
		}
	}
	return count
}

// IsWorkerAnswer reports whether msg is a final answer written by a worker.
func IsWorkerAnswer(msg *schema.Message) bool {
	return msg.Role == schema.Assistant && msg.Name != "" && msg.Name != string(NodeSupervisor) && len(msg.ToolCalls) == 0
}

// Annotation builds a supervisor-authored system entry for the transcript.
func Annotation(text string) *schema.Message {
	msg := schema.SystemMessage(text)
	msg.Name = string(NodeSupervisor)
	return msg
}

// TurnInput is one chat request.
type TurnInput struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// GraphFlow defines the execution flow between nodes
type GraphFlow struct {
	StartNode NodeName                 `json:"start_node"`
	Edges     map[NodeName][]GraphEdge `json:"edges"`
}

// GraphEdge connects two nodes. A conditional edge is taken only when the
// state's Next names its target.
type GraphEdge struct {
	To          NodeName `json:"to"`
	Conditional bool     `json:"conditional"`
	Priority    int      `json:"priority"`
}
