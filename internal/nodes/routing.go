package nodes

import (
	"context"
	"fmt"
	"strings"
	"unicode"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"console_agent/internal/config"
	"console_agent/internal/core"
)

// AgentMember describes one worker to the supervisor.
type AgentMember struct {
	Name        core.NodeName
	Description string
	Keywords    []string
}

// MembersFromConfig builds the roster in declaration order.
func MembersFromConfig(cfg *config.AgentsConfig) []AgentMember {
	members := make([]AgentMember, 0, len(cfg.Agents))
	for _, agent := range cfg.Agents {
		members = append(members, AgentMember{
			Name:        core.NodeName(strings.TrimSpace(agent.Name)),
			Description: agent.Description,
			Keywords:    agent.Keywords,
		})
	}
	return members
}

// Decision is a router's choice for the next step. Reply is a direct answer
// to the user, used only when Next is FINISH.
type Decision struct {
	Next   core.NodeName
	Reply  string
	Reason string
}

// Router decides which worker acts next.
type Router interface {
	Decide(ctx context.Context, state *core.State) (Decision, error)
}

const routeToolName = "route"

// ModelRouter asks the chat model to call the route tool.
type ModelRouter struct {
	model  model.ToolCallingChatModel
	prompt string
	names  []string
}

// NewModelRouter binds the route tool to chatModel. The {roster} placeholder
// of systemPrompt is replaced by the member descriptions.
func NewModelRouter(chatModel model.ToolCallingChatModel, systemPrompt string, members []AgentMember) (*ModelRouter, error) {
	names := make([]string, 0, len(members)+1)
	var roster strings.Builder
	for _, m := range members {
		names = append(names, string(m.Name))
		fmt.Fprintf(&roster, "- %s: %s\n", m.Name, m.Description)
	}
	names = append(names, string(core.NodeFinish))

	routeTool := &schema.ToolInfo{
		Name: routeToolName,
		Desc: "Select the worker that should act next, or FINISH.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"next": {
				Type:     schema.String,
				Desc:     "Worker name or FINISH",
				Enum:     names,
				Required: true,
			},
			"reply": {
				Type: schema.String,
				Desc: "Answer for the user when routing to FINISH without a worker",
			},
		}),
	}

	bound, err := chatModel.WithTools([]*schema.ToolInfo{routeTool})
	if err != nil {
		return nil, fmt.Errorf("binding route tool: %w", err)
	}

	return &ModelRouter{
		model:  bound,
		prompt: strings.ReplaceAll(systemPrompt, "{roster}", strings.TrimRight(roster.String(), "\n")),
		names:  names,
	}, nil
}

type routeArgs struct {
	Next  string `json:"next"`
	Reply string `json:"reply"`
}

func (r *ModelRouter) Decide(ctx context.Context, state *core.State) (Decision, error) {
	messages := make([]*schema.Message, 0, len(state.Messages)+2)
	messages = append(messages, schema.SystemMessage(r.prompt))
	messages = append(messages, state.Messages...)
	messages = append(messages, schema.SystemMessage(fmt.Sprintf(
		"Given the conversation above, who should act next? Select one of: %s.", strings.Join(r.names, ", "))))

	resp, err := r.model.Generate(ctx, messages)
	if err != nil {
		return Decision{}, fmt.Errorf("supervisor model: %w", err)
	}

	for _, call := range resp.ToolCalls {
		if call.Function.Name != routeToolName {
			continue
		}
		var args routeArgs
		if err := sonic.UnmarshalString(call.Function.Arguments, &args); err != nil {
			return Decision{}, fmt.Errorf("decoding route arguments: %w", err)
		}
		return Decision{
			Next:   core.NodeName(strings.TrimSpace(args.Next)),
			Reply:  strings.TrimSpace(args.Reply),
			Reason: "model",
		}, nil
	}

	return Decision{Next: core.NodeFinish, Reply: strings.TrimSpace(resp.Content), Reason: "no route call"}, nil
}

// RuleRouter routes by keyword matches against the latest user message.
// Each matching worker acts at most once per turn.
type RuleRouter struct {
	members  []AgentMember
	fallback string
}

func NewRuleRouter(members []AgentMember, fallbackReply string) *RuleRouter {
	return &RuleRouter{members: members, fallback: fallbackReply}
}

func (r *RuleRouter) Decide(ctx context.Context, state *core.State) (Decision, error) {
	answered := make(map[string]bool)
	for _, msg := range state.TurnMessages() {
		if core.IsWorkerAnswer(msg) {
			answered[msg.Name] = true
		}
	}

	text := strings.ToLower(state.LastUserMessage())
	words := make(map[string]bool)
	for _, w := range strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	}) {
		words[w] = true
	}

	best, bestScore := core.NodeName(""), 0
	for _, m := range r.members {
		if answered[string(m.Name)] {
			continue
		}
		score := 0
		for _, kw := range m.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw == "" {
				continue
			}
			if words[kw] || (strings.ContainsAny(kw, " ") && strings.Contains(text, kw)) {
				score++
			}
		}
		if score > bestScore {
			best, bestScore = m.Name, score
		}
	}

	switch {
	case best != "":
		return Decision{Next: best, Reason: fmt.Sprintf("%d keyword matches", bestScore)}, nil
	case len(answered) > 0:
		return Decision{Next: core.NodeFinish, Reason: "answered"}, nil
	default:
		return Decision{Next: core.NodeFinish, Reply: r.fallback, Reason: "no matching worker"}, nil
	}
}
