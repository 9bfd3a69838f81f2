package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"console_agent/internal/storage"
)

type funcNode struct {
	name NodeName
	typ  NodeType
	fn   func(ctx context.Context, state *State, emit Emitter) (Delta, error)
}

func (n *funcNode) Execute(ctx context.Context, state *State, emit Emitter) (Delta, error) {
	return n.fn(ctx, state, emit)
}
func (n *funcNode) GetName() NodeName { return n.name }
func (n *funcNode) GetType() NodeType { return n.typ }

// answerOnceSupervisor routes to worker until it has answered the turn.
func answerOnceSupervisor(worker NodeName) *funcNode {
	return &funcNode{name: NodeSupervisor, typ: NodeTypeSupervisor, fn: func(ctx context.Context, state *State, emit Emitter) (Delta, error) {
		if state.WorkerAnswers() > 0 {
			return Delta{Next: NodeFinish}, nil
		}
		return Delta{Next: worker, Messages: []*schema.Message{Annotation("routing to " + string(worker))}}, nil
	}}
}

func answeringWorker(name NodeName, answer string) *funcNode {
	return &funcNode{name: name, typ: NodeTypeWorker, fn: func(ctx context.Context, state *State, emit Emitter) (Delta, error) {
		emit.Emit(ctx, Event{Type: EventToken, Node: name, Content: answer})
		msg := schema.AssistantMessage(answer, nil)
		msg.Name = string(name)
		return Delta{Messages: []*schema.Message{msg}}, nil
	}}
}

func newTestGraph(t *testing.T, store storage.Store, maxSteps int, nodes ...Node) *DefaultGraphProcessor {
	t.Helper()
	g := NewGraphProcessor(store, Config{MaxSteps: maxSteps, StoreTimeout: time.Second})
	for _, n := range nodes {
		require.NoError(t, g.AddNode(n))
	}
	require.NoError(t, g.Compile())
	return g
}

func eventsOfType(events []Event, typ EventType) []Event {
	var out []Event
	for _, ev := range events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

func nodeStarts(events []Event) []NodeName {
	var names []NodeName
	for _, ev := range eventsOfType(events, EventNodeStart) {
		names = append(names, ev.Node)
	}
	return names
}

func TestRunSingleWorkerTurn(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	g := newTestGraph(t, store, 25, answerOnceSupervisor("ClusterAgent"), answeringWorker("ClusterAgent", "You have 2 clusters."))

	stream, err := g.Run(context.Background(), TurnInput{Message: "list my clusters", SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)

	assert.Equal(t, []NodeName{NodeSupervisor, "ClusterAgent", NodeSupervisor}, nodeStarts(events))
	assert.Equal(t, EventDone, events[len(events)-1].Type)

	session, err := store.GetSession(context.Background(), "s1", false)
	require.NoError(t, err)
	assert.Equal(t, "list my clusters", session.Title)

	history, err := g.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, schema.User, history[0].Role)
	assert.Equal(t, "routing to ClusterAgent", history[1].Content)
	assert.Equal(t, "ClusterAgent", history[2].Name)

	cp, err := store.LoadCheckpoint(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "FINISH", cp.Pending)
}

func TestRoutingTerminatesUnderStepLimit(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	// a supervisor that never finishes on its own
	looping := &funcNode{name: NodeSupervisor, typ: NodeTypeSupervisor, fn: func(ctx context.Context, state *State, emit Emitter) (Delta, error) {
		return Delta{Next: "Worker"}, nil
	}}
	g := newTestGraph(t, store, 7, looping, answeringWorker("Worker", "again"))

	stream, err := g.Run(context.Background(), TurnInput{Message: "loop", SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)

	assert.Len(t, eventsOfType(events, EventNodeStart), 7)
	assert.Equal(t, EventDone, events[len(events)-1].Type)

	history, err := g.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.Contains(t, history[len(history)-1].Content, "step limit of 7 reached")
}

func TestWorkersAlwaysReturnToSupervisor(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	var turns int
	// routes to A, then B, then finishes
	sup := &funcNode{name: NodeSupervisor, typ: NodeTypeSupervisor, fn: func(ctx context.Context, state *State, emit Emitter) (Delta, error) {
		turns++
		switch state.WorkerAnswers() {
		case 0:
			return Delta{Next: "A"}, nil
		case 1:
			return Delta{Next: "B"}, nil
		default:
			return Delta{Next: NodeFinish}, nil
		}
	}}
	g := newTestGraph(t, store, 25, sup, answeringWorker("A", "a"), answeringWorker("B", "b"))

	stream, err := g.Run(context.Background(), TurnInput{Message: "both", SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)

	starts := nodeStarts(events)
	assert.Equal(t, []NodeName{NodeSupervisor, "A", NodeSupervisor, "B", NodeSupervisor}, starts)
	for i := 1; i < len(starts); i += 2 {
		assert.Equal(t, NodeSupervisor, starts[i+1], "worker %s must hand back to the supervisor", starts[i])
	}
	assert.Equal(t, 3, turns)
}

func TestUndeclaredRouteEndsTurnWithAnnotation(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	sup := &funcNode{name: NodeSupervisor, typ: NodeTypeSupervisor, fn: func(ctx context.Context, state *State, emit Emitter) (Delta, error) {
		return Delta{Next: "Ghost"}, nil
	}}
	g := newTestGraph(t, store, 25, sup, answeringWorker("Worker", "hi"))

	stream, err := g.Run(context.Background(), TurnInput{Message: "boo", SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)

	assert.Equal(t, []NodeName{NodeSupervisor}, nodeStarts(events))
	assert.Equal(t, EventDone, events[len(events)-1].Type)

	history, err := g.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "routing error: unknown worker Ghost", history[len(history)-1].Content)
	assert.Equal(t, schema.System, history[len(history)-1].Role)
}

func TestStepsIncreaseAcrossTurns(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	g := newTestGraph(t, store, 25, answerOnceSupervisor("Worker"), answeringWorker("Worker", "ok"))

	var last int64
	for i := 0; i < 3; i++ {
		stream, err := g.Run(context.Background(), TurnInput{Message: "again", SessionID: "s1", UserID: "u1"})
		require.NoError(t, err)
		events, err := stream.Collect()
		require.NoError(t, err)

		for _, ev := range eventsOfType(events, EventStep) {
			assert.Greater(t, ev.Step, last)
			last = ev.Step
		}
	}

	cp, err := store.LoadCheckpoint(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, last, cp.Step)

	var state State
	require.NoError(t, sonic.Unmarshal(cp.State, &state))
	assert.Len(t, state.Messages, 9)
}

func TestNodeFailureLeavesResumableCheckpoint(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	var fail atomic.Bool
	fail.Store(true)
	flaky := &funcNode{name: "Worker", typ: NodeTypeWorker, fn: func(ctx context.Context, state *State, emit Emitter) (Delta, error) {
		if fail.Load() {
			return Delta{}, errors.New("model provider unavailable")
		}
		return answeringWorker("Worker", "recovered").fn(ctx, state, emit)
	}}
	g := newTestGraph(t, store, 25, answerOnceSupervisor("Worker"), flaky)

	stream, err := g.Run(context.Background(), TurnInput{Message: "hello", SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)
	events, err := stream.Collect()
	require.Error(t, err)
	assert.Equal(t, EventError, events[len(events)-1].Type)

	cp, err := store.LoadCheckpoint(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Worker", cp.Pending)
	failedStep := cp.Step

	fail.Store(false)
	stream, err = g.Resume(context.Background(), "s1", "u1")
	require.NoError(t, err)
	events, err = stream.Collect()
	require.NoError(t, err)
	assert.Equal(t, []NodeName{"Worker", NodeSupervisor}, nodeStarts(events))

	cp, err = store.LoadCheckpoint(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "FINISH", cp.Pending)
	assert.Greater(t, cp.Step, failedStep)

	_, err = g.Resume(context.Background(), "s1", "u1")
	assert.ErrorIs(t, err, ErrNothingToResume)
}

func TestCancellationAbandonsInFlightNode(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	entered := make(chan struct{})
	blocking := &funcNode{name: "Worker", typ: NodeTypeWorker, fn: func(ctx context.Context, state *State, emit Emitter) (Delta, error) {
		close(entered)
		<-ctx.Done()
		msg := schema.AssistantMessage("too late", nil)
		msg.Name = "Worker"
		return Delta{Messages: []*schema.Message{msg}}, nil
	}}
	sup := answerOnceSupervisor("Worker")
	g := newTestGraph(t, store, 25, sup, blocking)

	stream, err := g.Run(context.Background(), TurnInput{Message: "hello", SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)

	<-entered
	stream.Close()

	assert.ErrorIs(t, stream.Err(), context.Canceled)

	history, err := g.History(context.Background(), "s1")
	require.NoError(t, err)
	for _, msg := range history {
		assert.NotEqual(t, "too late", msg.Content)
	}

	cp, err := store.LoadCheckpoint(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Worker", cp.Pending)
}

func TestPurgeDuringTurnLeavesNoCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(storage.Options{})
	entered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	slow := &funcNode{name: "Worker", typ: NodeTypeWorker, fn: func(ctx context.Context, state *State, emit Emitter) (Delta, error) {
		once.Do(func() { close(entered) })
		<-gate
		return answeringWorker("Worker", "re: "+state.LastUserMessage()).fn(ctx, state, emit)
	}}
	g := newTestGraph(t, store, 25, answerOnceSupervisor("Worker"), slow)

	stream, err := g.Run(ctx, TurnInput{Message: "what is my cluster password", SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)
	<-entered

	purged, err := store.Purge(ctx, "s1")
	require.NoError(t, err)
	require.True(t, purged)
	close(gate)

	events, err := stream.Collect()
	require.ErrorIs(t, err, storage.ErrSessionNotFound)
	var cpErr *CheckpointError
	assert.ErrorAs(t, err, &cpErr)
	assert.Equal(t, EventError, events[len(events)-1].Type)

	cp, err := store.LoadCheckpoint(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, cp, "purged session must not be recreated by the in-flight turn")

	// a new owner of the id starts from an empty transcript
	stream, err = g.Run(ctx, TurnInput{Message: "hello", SessionID: "s1", UserID: "u2"})
	require.NoError(t, err)
	_, err = stream.Collect()
	require.NoError(t, err)

	history, err := g.History(ctx, "s1")
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.Equal(t, "hello", history[0].Content)
	for _, msg := range history {
		assert.NotContains(t, msg.Content, "password")
	}
}

func TestResumeAtSupervisorAfterWorkerAnswered(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	var workerCalls atomic.Int32
	worker := &funcNode{name: "Worker", typ: NodeTypeWorker, fn: func(ctx context.Context, state *State, emit Emitter) (Delta, error) {
		workerCalls.Add(1)
		return answeringWorker("Worker", "You have 2 clusters.").fn(ctx, state, emit)
	}}
	var fail atomic.Bool
	// fails the first time it runs after the worker has answered
	sup := &funcNode{name: NodeSupervisor, typ: NodeTypeSupervisor, fn: func(ctx context.Context, state *State, emit Emitter) (Delta, error) {
		if state.WorkerAnswers() > 0 && fail.CompareAndSwap(false, true) {
			return Delta{}, errors.New("router unavailable")
		}
		return answerOnceSupervisor("Worker").fn(ctx, state, emit)
	}}
	g := newTestGraph(t, store, 25, sup, worker)

	stream, err := g.Run(context.Background(), TurnInput{Message: "list my clusters", SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)
	events, err := stream.Collect()
	require.Error(t, err)

	var steps []int64
	for _, ev := range eventsOfType(events, EventStep) {
		steps = append(steps, ev.Step)
	}

	cp, err := store.LoadCheckpoint(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "Supervisor", cp.Pending)
	interrupted := cp.Step

	stream, err = g.Resume(context.Background(), "s1", "u1")
	require.NoError(t, err)
	events, err = stream.Collect()
	require.NoError(t, err)

	assert.Equal(t, []NodeName{NodeSupervisor}, nodeStarts(events), "resume goes straight to the supervisor")
	assert.Equal(t, int32(1), workerCalls.Load(), "the answered worker is not run again")
	for _, ev := range eventsOfType(events, EventStep) {
		steps = append(steps, ev.Step)
	}
	for i := 1; i < len(steps); i++ {
		assert.Greater(t, steps[i], steps[i-1])
	}

	cp, err = store.LoadCheckpoint(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "FINISH", cp.Pending)
	assert.Equal(t, interrupted+1, cp.Step)

	history, err := g.History(context.Background(), "s1")
	require.NoError(t, err)
	var answers int
	for _, msg := range history {
		if IsWorkerAnswer(msg) {
			answers++
		}
	}
	assert.Equal(t, 1, answers)
}

// failingStore fails checkpoint writes once failAt is reached.
type failingStore struct {
	*storage.MemoryStore
	failAt int64
}

func (f *failingStore) SaveCheckpoint(ctx context.Context, sessionID string, cp *storage.Checkpoint) error {
	if cp.Step >= f.failAt {
		return errors.New("disk full")
	}
	return f.MemoryStore.SaveCheckpoint(ctx, sessionID, cp)
}

func TestCheckpointFailureReportsCheckpointError(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore(storage.Options{}), failAt: 3}
	g := newTestGraph(t, store, 25, answerOnceSupervisor("Worker"), answeringWorker("Worker", "ok"))

	stream, err := g.Run(context.Background(), TurnInput{Message: "hello", SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)
	events, err := stream.Collect()

	var cpErr *CheckpointError
	require.ErrorAs(t, err, &cpErr)
	assert.Equal(t, int64(3), cpErr.Step)

	last := events[len(events)-1]
	assert.Equal(t, EventError, last.Type)
	assert.ErrorAs(t, last.Err, &cpErr)

	cp, err := store.LoadCheckpoint(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), cp.Step)
	assert.Equal(t, "Worker", cp.Pending)
}

func TestCheckpointFailureBeforeFirstNode(t *testing.T) {
	store := &failingStore{MemoryStore: storage.NewMemoryStore(storage.Options{}), failAt: 1}
	g := newTestGraph(t, store, 25, answerOnceSupervisor("Worker"), answeringWorker("Worker", "ok"))

	_, err := g.Run(context.Background(), TurnInput{Message: "hello", SessionID: "s1", UserID: "u1"})
	var cpErr *CheckpointError
	assert.ErrorAs(t, err, &cpErr)
}

func TestRunValidation(t *testing.T) {
	g := newTestGraph(t, storage.NewMemoryStore(storage.Options{}), 25, answerOnceSupervisor("Worker"), answeringWorker("Worker", "ok"))

	tests := []TurnInput{
		{SessionID: "s1", UserID: "u1"},
		{Message: "hi", UserID: "u1"},
		{Message: "hi", SessionID: "s1"},
		{Message: "   ", SessionID: "s1", UserID: "u1"},
	}
	for _, input := range tests {
		_, err := g.Run(context.Background(), input)
		assert.ErrorIs(t, err, ErrValidation)
	}
}

func TestRunRejectsDeletedAndForeignSessions(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore(storage.Options{})
	g := newTestGraph(t, store, 25, answerOnceSupervisor("Worker"), answeringWorker("Worker", "ok"))

	_, err := store.CreateSession(ctx, "s1", "u1", "mine")
	require.NoError(t, err)

	_, err = g.Run(ctx, TurnInput{Message: "hi", SessionID: "s1", UserID: "intruder"})
	assert.ErrorIs(t, err, ErrSessionNotFound)

	_, err = store.SoftDelete(ctx, "s1")
	require.NoError(t, err)
	_, err = g.Run(ctx, TurnInput{Message: "hi", SessionID: "s1", UserID: "u1"})
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestTurnsSerializePerSession(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	entered := make(chan NodeName, 4)
	gate := make(chan struct{})
	slow := &funcNode{name: "Worker", typ: NodeTypeWorker, fn: func(ctx context.Context, state *State, emit Emitter) (Delta, error) {
		entered <- "Worker"
		select {
		case <-gate:
		case <-ctx.Done():
			return Delta{}, ctx.Err()
		}
		return answeringWorker("Worker", "done").fn(ctx, state, emit)
	}}
	g := newTestGraph(t, store, 25, answerOnceSupervisor("Worker"), slow)

	first, err := g.Run(context.Background(), TurnInput{Message: "one", SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)
	<-entered

	waitCtx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = g.Run(waitCtx, TurnInput{Message: "two", SessionID: "s1", UserID: "u1"})
	assert.ErrorIs(t, err, ErrTurnInProgress)

	// another session is not blocked
	other, err := g.Run(context.Background(), TurnInput{Message: "three", SessionID: "s2", UserID: "u1"})
	require.NoError(t, err)
	<-entered

	close(gate)
	_, err = first.Collect()
	require.NoError(t, err)
	_, err = other.Collect()
	require.NoError(t, err)
}

func TestConcurrentTurnsOnOneSessionKeepOrder(t *testing.T) {
	store := storage.NewMemoryStore(storage.Options{})
	g := newTestGraph(t, store, 25, answerOnceSupervisor("Worker"), answeringWorker("Worker", "ok"))

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			stream, err := g.Run(context.Background(), TurnInput{Message: "hi", SessionID: "s1", UserID: "u1"})
			if !assert.NoError(t, err) {
				return
			}
			_, err = stream.Collect()
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	history, err := g.History(context.Background(), "s1")
	require.NoError(t, err)
	assert.Len(t, history, 15)
}

func TestAddNodeRules(t *testing.T) {
	g := NewGraphProcessor(storage.NewMemoryStore(storage.Options{}), Config{})

	assert.Error(t, g.AddNode(nil))
	assert.Error(t, g.AddNode(&funcNode{name: NodeFinish, typ: NodeTypeWorker}))
	assert.Error(t, g.AddNode(&funcNode{name: NodeSupervisor, typ: NodeTypeWorker}))
	assert.Error(t, g.Compile(), "compile without a supervisor")

	require.NoError(t, g.AddNode(answerOnceSupervisor("Worker")))
	require.NoError(t, g.AddNode(answeringWorker("Worker", "ok")))
	assert.Error(t, g.AddNode(answeringWorker("Worker", "dup")))
	require.NoError(t, g.Compile())
	assert.Error(t, g.AddNode(answeringWorker("Late", "late")))

	next, err := g.getNextNode("Worker", NodeFinish)
	require.NoError(t, err)
	assert.Equal(t, NodeSupervisor, next)

	next, err = g.getNextNode(NodeSupervisor, "")
	require.NoError(t, err)
	assert.Equal(t, NodeFinish, next)

	_, err = g.getNextNode(NodeSupervisor, "Ghost")
	assert.ErrorIs(t, err, ErrUnreachableNode)
}
