package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	"console_agent/internal/metrics"
	"console_agent/internal/storage"
)

// GraphProcessor runs chat turns through the orchestration graph.
type GraphProcessor interface {
	Run(ctx context.Context, input TurnInput) (*Stream, error)
	Resume(ctx context.Context, sessionID, userID string) (*Stream, error)
	History(ctx context.Context, sessionID string) ([]*schema.Message, error)
}

// Config holds the limits and collaborators of the graph processor.
type Config struct {
	// MaxSteps caps node executions per turn.
	MaxSteps     int
	StoreTimeout time.Duration
	Logger       zerolog.Logger
	Metrics      *metrics.Metrics
}

const defaultMaxSteps = 25

// DefaultGraphProcessor interprets the supervisor/worker state machine: a
// node map, a transition table and a driver loop that checkpoints after
// every step.
type DefaultGraphProcessor struct {
	nodes    map[NodeName]Node
	flow     GraphFlow
	compiled bool

	store  storage.Store
	locks  *turnLocks
	config Config
	logger zerolog.Logger
}

// NewGraphProcessor creates a new graph processor
func NewGraphProcessor(store storage.Store, config Config) *DefaultGraphProcessor {
	if config.MaxSteps <= 0 {
		config.MaxSteps = defaultMaxSteps
	}
	return &DefaultGraphProcessor{
		nodes:  make(map[NodeName]Node),
		store:  store,
		locks:  newTurnLocks(),
		config: config,
		logger: config.Logger,
	}
}

// AddNode registers a node. Nodes can only be added before Compile.
func (g *DefaultGraphProcessor) AddNode(node Node) error {
	if g.compiled {
		return fmt.Errorf("graph already compiled")
	}
	if node == nil {
		return fmt.Errorf("node cannot be nil")
	}

	name := node.GetName()
	if strings.TrimSpace(string(name)) == "" {
		return fmt.Errorf("node name cannot be empty")
	}
	if name == NodeFinish {
		return fmt.Errorf("node name %s is reserved", name)
	}
	if _, exists := g.nodes[name]; exists {
		return fmt.Errorf("duplicate node: %s", name)
	}
	if (name == NodeSupervisor) != (node.GetType() == NodeTypeSupervisor) {
		return fmt.Errorf("node %s has type %s", name, node.GetType())
	}

	g.nodes[name] = node
	g.logger.Debug().Str("node", string(name)).Str("type", string(node.GetType())).Msg("Added node")
	return nil
}

// GetNode retrieves a node by name
func (g *DefaultGraphProcessor) GetNode(name NodeName) (Node, error) {
	node, exists := g.nodes[name]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnreachableNode, name)
	}
	return node, nil
}

// Compile freezes the node set and builds the transition table:
// START -> Supervisor, Supervisor -> worker | FINISH, worker -> Supervisor.
func (g *DefaultGraphProcessor) Compile() error {
	if g.compiled {
		return nil
	}
	if _, ok := g.nodes[NodeSupervisor]; !ok {
		return fmt.Errorf("graph has no %s node", NodeSupervisor)
	}

	workers := make([]NodeName, 0, len(g.nodes)-1)
	for name := range g.nodes {
		if name != NodeSupervisor {
			workers = append(workers, name)
		}
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i] < workers[j] })

	flow := GraphFlow{
		StartNode: NodeSupervisor,
		Edges:     make(map[NodeName][]GraphEdge, len(g.nodes)),
	}
	for i, worker := range workers {
		flow.Edges[NodeSupervisor] = append(flow.Edges[NodeSupervisor], GraphEdge{To: worker, Conditional: true, Priority: i})
		flow.Edges[worker] = []GraphEdge{{To: NodeSupervisor}}
	}
	flow.Edges[NodeSupervisor] = append(flow.Edges[NodeSupervisor], GraphEdge{To: NodeFinish, Conditional: true, Priority: len(workers)})

	g.flow = flow
	g.compiled = true
	g.logger.Info().Int("workers", len(workers)).Msg("Graph compiled")
	return nil
}

// Run starts a turn for input. The returned stream carries the turn's
// events; ctx governs the whole turn, including streaming.
func (g *DefaultGraphProcessor) Run(ctx context.Context, input TurnInput) (*Stream, error) {
	if !g.compiled {
		return nil, fmt.Errorf("graph not compiled")
	}
	if err := validateTurn(input); err != nil {
		return nil, err
	}

	release, err := g.locks.acquire(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}

	state, err := g.prepareTurn(ctx, input)
	if err != nil {
		release()
		return nil, err
	}

	return g.start(ctx, input.SessionID, state, release), nil
}

// Resume continues an interrupted turn from the latest checkpoint.
func (g *DefaultGraphProcessor) Resume(ctx context.Context, sessionID, userID string) (*Stream, error) {
	if !g.compiled {
		return nil, fmt.Errorf("graph not compiled")
	}
	if strings.TrimSpace(sessionID) == "" || strings.TrimSpace(userID) == "" {
		return nil, fmt.Errorf("%w: sessionId and userId are required", ErrValidation)
	}

	release, err := g.locks.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	state, err := g.prepareResume(ctx, sessionID, userID)
	if err != nil {
		release()
		return nil, err
	}

	g.logger.Info().Str("session_id", sessionID).Str("pending", string(state.Next)).Int64("step", state.Step).Msg("Resuming turn")
	return g.start(ctx, sessionID, state, release), nil
}

// History returns the transcript of the latest checkpoint.
func (g *DefaultGraphProcessor) History(ctx context.Context, sessionID string) ([]*schema.Message, error) {
	state, err := g.loadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, nil
	}
	return state.Messages, nil
}

func validateTurn(input TurnInput) error {
	var missing []string
	if strings.TrimSpace(input.Message) == "" {
		missing = append(missing, "message")
	}
	if strings.TrimSpace(input.SessionID) == "" {
		missing = append(missing, "sessionId")
	}
	if strings.TrimSpace(input.UserID) == "" {
		missing = append(missing, "userId")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// prepareTurn opens or creates the session, appends the user message and
// checkpoints it before any node runs.
func (g *DefaultGraphProcessor) prepareTurn(ctx context.Context, input TurnInput) (*State, error) {
	if err := g.openSession(ctx, input); err != nil {
		return nil, err
	}

	state, err := g.loadState(ctx, input.SessionID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		state = &State{}
	}
	if !state.Next.IsTerminal() {
		g.logger.Warn().Str("session_id", input.SessionID).Str("pending", string(state.Next)).Msg("Discarding interrupted turn for new message")
	}

	state.Merge(Delta{Messages: []*schema.Message{schema.UserMessage(input.Message)}})
	state.Next = NodeSupervisor
	state.Step++

	if err := g.saveCheckpoint(ctx, input.SessionID, state); err != nil {
		return nil, err
	}
	return state, nil
}

func (g *DefaultGraphProcessor) openSession(ctx context.Context, input TurnInput) error {
	sctx, cancel := g.storeContext(ctx)
	defer cancel()

	session, err := g.store.GetSession(sctx, input.SessionID, true)
	if errors.Is(err, storage.ErrSessionNotFound) {
		_, err = g.store.CreateSession(sctx, input.SessionID, input.UserID, input.Message)
		if errors.Is(err, storage.ErrSessionConflict) {
			// created concurrently by another process
			session, err = g.store.GetSession(sctx, input.SessionID, true)
		} else if err == nil {
			g.logger.Info().Str("session_id", input.SessionID).Str("user_id", input.UserID).Msg("Created session")
			return nil
		}
	}
	if err != nil {
		return err
	}
	if session.IsDeleted || session.UserID != input.UserID {
		return fmt.Errorf("%w: %s", storage.ErrSessionNotFound, input.SessionID)
	}
	return nil
}

func (g *DefaultGraphProcessor) prepareResume(ctx context.Context, sessionID, userID string) (*State, error) {
	sctx, cancel := g.storeContext(ctx)
	session, err := g.store.GetSession(sctx, sessionID, false)
	cancel()
	if err != nil {
		return nil, err
	}
	if session.UserID != userID {
		return nil, fmt.Errorf("%w: %s", storage.ErrSessionNotFound, sessionID)
	}

	state, err := g.loadState(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.Next.IsTerminal() {
		return nil, fmt.Errorf("%w: session %s has no pending step", ErrNothingToResume, sessionID)
	}
	if _, ok := g.nodes[state.Next]; !ok {
		return nil, fmt.Errorf("%w: checkpoint names %s", ErrUnreachableNode, state.Next)
	}
	return state, nil
}

func (g *DefaultGraphProcessor) start(ctx context.Context, sessionID string, state *State, release func()) *Stream {
	turnCtx, cancel := context.WithCancel(ctx)
	stream := newStream(sessionID, cancel)

	go func() {
		defer release()
		defer cancel()

		started := time.Now()
		err := g.drive(turnCtx, sessionID, state, stream)

		outcome := "ok"
		switch {
		case err == nil:
			g.touch(ctx, sessionID)
			stream.Emit(turnCtx, Event{Type: EventDone, Step: state.Step})
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			outcome = "cancelled"
			g.logger.Info().Str("session_id", sessionID).Int64("step", state.Step).Msg("Turn abandoned")
		case errors.Is(err, storage.ErrSessionNotFound):
			// the session was purged mid-turn; its store refused the next checkpoint
			outcome = "aborted"
			g.logger.Warn().Err(err).Str("session_id", sessionID).Int64("step", state.Step).Msg("Session removed during turn")
			stream.Emit(turnCtx, Event{Type: EventError, Content: err.Error(), Err: err, Step: state.Step})
		default:
			outcome = "error"
			g.logger.Error().Err(err).Str("session_id", sessionID).Int64("step", state.Step).Msg("Turn failed")
			stream.Emit(turnCtx, Event{Type: EventError, Content: err.Error(), Err: err, Step: state.Step})
		}

		g.config.Metrics.TurnFinished(outcome, time.Since(started))
		stream.finish(err)
	}()

	return stream
}

// drive executes nodes until the state reaches a terminal node.
func (g *DefaultGraphProcessor) drive(ctx context.Context, sessionID string, state *State, stream *Stream) error {
	steps := 0
	for !state.Next.IsTerminal() {
		if err := ctx.Err(); err != nil {
			return err
		}

		if steps >= g.config.MaxSteps {
			g.logger.Warn().Str("session_id", sessionID).Int("max_steps", g.config.MaxSteps).Msg("Step limit reached")
			state.Merge(Delta{Messages: []*schema.Message{
				Annotation(fmt.Sprintf("step limit of %d reached, ending turn", g.config.MaxSteps)),
			}})
			state.Next = NodeFinish
			state.Step++
			return g.commit(ctx, sessionID, state, stream)
		}

		current := state.Next
		node, err := g.GetNode(current)
		if err != nil {
			return err
		}

		stream.Emit(ctx, Event{Type: EventNodeStart, Node: current, Step: state.Step})
		g.config.Metrics.NodeExecuted(string(current))
		g.logger.Debug().Str("session_id", sessionID).Str("node", string(current)).Int64("step", state.Step).Msg("Executing node")

		delta, err := node.Execute(ctx, state.Clone(), stream)
		if ctxErr := ctx.Err(); ctxErr != nil {
			// never merge the result of a node that outlived its turn
			return ctxErr
		}
		if err != nil {
			return fmt.Errorf("node %s: %w", current, err)
		}

		next, err := g.getNextNode(current, delta.Next)
		if err != nil {
			var routingErr *RoutingError
			if !errors.As(err, &routingErr) {
				return err
			}
			g.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Routing contract violation")
			delta.Messages = append(delta.Messages, Annotation(routingErr.Error()))
			next = NodeFinish
		}

		state.Merge(delta)
		state.Next = next
		state.Step++
		if err := g.commit(ctx, sessionID, state, stream); err != nil {
			return err
		}
		steps++
	}
	return nil
}

// getNextNode resolves the transition out of current. Unconditional edges
// always apply; conditional edges apply when requested names their target.
func (g *DefaultGraphProcessor) getNextNode(current, requested NodeName) (NodeName, error) {
	if requested == "" {
		requested = NodeFinish
	}

	for _, edge := range sortEdgesByPriority(g.flow.Edges[current]) {
		if !edge.Conditional || edge.To == requested {
			return edge.To, nil
		}
	}
	return "", &RoutingError{From: current, To: requested}
}

// sortEdgesByPriority sorts edges by priority (lower number = higher priority)
func sortEdgesByPriority(edges []GraphEdge) []GraphEdge {
	sorted := make([]GraphEdge, len(edges))
	copy(sorted, edges)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})
	return sorted
}

func (g *DefaultGraphProcessor) commit(ctx context.Context, sessionID string, state *State, stream *Stream) error {
	if err := g.saveCheckpoint(ctx, sessionID, state); err != nil {
		return err
	}
	stream.Emit(ctx, Event{Type: EventStep, Node: state.Next, Step: state.Step})
	return nil
}

func (g *DefaultGraphProcessor) saveCheckpoint(ctx context.Context, sessionID string, state *State) error {
	data, err := sonic.Marshal(state)
	if err != nil {
		return &CheckpointError{SessionID: sessionID, Step: state.Step, Err: err}
	}

	sctx, cancel := g.storeContext(ctx)
	defer cancel()

	err = g.store.SaveCheckpoint(sctx, sessionID, &storage.Checkpoint{
		SessionID: sessionID,
		Step:      state.Step,
		Pending:   state.Next.String(),
		State:     data,
	})
	if err != nil {
		return &CheckpointError{SessionID: sessionID, Step: state.Step, Err: err}
	}
	return nil
}

// loadState decodes the latest checkpoint, or returns nil when none exists.
func (g *DefaultGraphProcessor) loadState(ctx context.Context, sessionID string) (*State, error) {
	sctx, cancel := g.storeContext(ctx)
	defer cancel()

	cp, err := g.store.LoadCheckpoint(sctx, sessionID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}

	var state State
	if err := sonic.Unmarshal(cp.State, &state); err != nil {
		return nil, fmt.Errorf("decoding checkpoint %s step %d: %w", sessionID, cp.Step, err)
	}
	state.Step = cp.Step
	state.Next = NodeName(cp.Pending)
	return &state, nil
}

func (g *DefaultGraphProcessor) touch(ctx context.Context, sessionID string) {
	sctx, cancel := g.storeContext(context.WithoutCancel(ctx))
	defer cancel()
	if err := g.store.TouchSession(sctx, sessionID); err != nil {
		g.logger.Warn().Err(err).Str("session_id", sessionID).Msg("Failed to touch session")
	}
}

func (g *DefaultGraphProcessor) storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.config.StoreTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.config.StoreTimeout)
}
