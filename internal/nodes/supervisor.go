package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"console_agent/internal/core"
	"console_agent/internal/metrics"
)

// SupervisorNode is the only routing authority of the graph.
type SupervisorNode struct {
	router         Router
	members        map[core.NodeName]bool
	maxActivations int
	fallbackReply  string
	metrics        *metrics.Metrics
	logger         zerolog.Logger
}

type SupervisorConfig struct {
	Router  Router
	Members []AgentMember
	// MaxActivations caps worker answers per turn.
	MaxActivations int
	// FallbackReply is sent when a turn would end without any answer.
	FallbackReply string
	Metrics       *metrics.Metrics
	Logger        zerolog.Logger
}

func NewSupervisorNode(cfg SupervisorConfig) *SupervisorNode {
	members := make(map[core.NodeName]bool, len(cfg.Members))
	for _, m := range cfg.Members {
		members[m.Name] = true
	}
	maxActivations := cfg.MaxActivations
	if maxActivations <= 0 {
		maxActivations = 6
	}
	return &SupervisorNode{
		router:         cfg.Router,
		members:        members,
		maxActivations: maxActivations,
		fallbackReply:  cfg.FallbackReply,
		metrics:        cfg.Metrics,
		logger:         cfg.Logger,
	}
}

func (s *SupervisorNode) GetName() core.NodeName { return core.NodeSupervisor }

func (s *SupervisorNode) GetType() core.NodeType { return core.NodeTypeSupervisor }

// Execute makes one routing decision. Every failure of the decision
// mechanism ends the turn with an annotation instead of an error.
func (s *SupervisorNode) Execute(ctx context.Context, state *core.State, emit core.Emitter) (core.Delta, error) {
	if answers := state.WorkerAnswers(); answers >= s.maxActivations {
		s.logger.Warn().Int("activations", answers).Msg("Worker activation limit reached")
		return s.finish(ctx, state, emit, "", core.Annotation(
			fmt.Sprintf("worker activation limit of %d reached, ending turn", s.maxActivations))), nil
	}

	decision, err := s.router.Decide(ctx, state)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return core.Delta{}, ctxErr
		}
		s.logger.Warn().Err(err).Msg("Routing decision failed")
		return s.finish(ctx, state, emit, "", core.Annotation("routing error: "+err.Error())), nil
	}

	next := decision.Next
	switch {
	case next == "":
		s.logger.Warn().Msg("Router returned no next node")
		return s.finish(ctx, state, emit, decision.Reply, core.Annotation("routing error: no next node")), nil

	case next == core.NodeFinish:
		s.logger.Debug().Str("reason", decision.Reason).Msg("Routing to FINISH")
		return s.finish(ctx, state, emit, decision.Reply), nil

	case !s.members[next]:
		routingErr := &core.RoutingError{From: core.NodeSupervisor, To: next}
		s.logger.Warn().Err(routingErr).Msg("Router named an undeclared worker")
		return s.finish(ctx, state, emit, "", core.Annotation(routingErr.Error())), nil
	}

	announcement := fmt.Sprintf("routing to %s", next)
	s.metrics.RoutingDecided(string(next))
	s.logger.Debug().Str("next", string(next)).Str("reason", decision.Reason).Msg("Routing to worker")
	emit.Emit(ctx, core.Event{Type: core.EventRoute, Node: next, Content: announcement})

	return core.Delta{
		Messages: []*schema.Message{core.Annotation(announcement)},
		Next:     next,
	}, nil
}

// finish ends the turn. When no worker answered, the user still gets a
// reply: the router's, or the fallback.
func (s *SupervisorNode) finish(ctx context.Context, state *core.State, emit core.Emitter, reply string, notes ...*schema.Message) core.Delta {
	s.metrics.RoutingDecided(string(core.NodeFinish))

	messages := append([]*schema.Message(nil), notes...)
	if state.WorkerAnswers() == 0 {
		if reply == "" {
			reply = s.fallbackReply
		}
		if reply != "" {
			msg := schema.AssistantMessage(reply, nil)
			msg.Name = string(core.NodeSupervisor)
			emit.Emit(ctx, core.Event{Type: core.EventToken, Node: core.NodeSupervisor, Content: reply})
			emit.Emit(ctx, core.Event{Type: core.EventMessage, Node: core.NodeSupervisor, Content: reply})
			messages = append(messages, msg)
		}
	}
	return core.Delta{Messages: messages, Next: core.NodeFinish}
}
