package nodes

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"console_agent/internal/config"
	"console_agent/internal/core"
	"console_agent/internal/services"
	"console_agent/internal/storage"
	"console_agent/internal/testutil"
	"console_agent/internal/tools"
)

type consoleGraph struct {
	graph *core.DefaultGraphProcessor
	store storage.Store
}

// newConsoleGraph wires the default roster with the static inventory.
func newConsoleGraph(t *testing.T, router Router, workerModel *testutil.ScriptedChatModel) *consoleGraph {
	t.Helper()
	agents := config.DefaultAgents()
	members := MembersFromConfig(agents)
	inv := services.NewStaticInventory()
	registry := tools.NewConsoleRegistry(tools.Deps{Clusters: inv, Services: inv}, tools.Options{})

	store := storage.NewMemoryStore(storage.Options{})
	g := core.NewGraphProcessor(store, core.Config{MaxSteps: 25, StoreTimeout: time.Second, Logger: zerolog.Nop()})

	require.NoError(t, g.AddNode(NewSupervisorNode(SupervisorConfig{
		Router:         router,
		Members:        members,
		MaxActivations: 6,
		FallbackReply:  agents.Supervisor.FallbackReply,
		Logger:         zerolog.Nop(),
	})))
	for _, spec := range agents.Agents {
		adapters, err := registry.Select(spec.Tools)
		require.NoError(t, err)
		w, err := NewWorkerNode(context.Background(), WorkerConfig{
			Name:         core.NodeName(spec.Name),
			SystemPrompt: spec.SystemPrompt,
			Model:        workerModel,
			Tools:        adapters,
			Logger:       zerolog.Nop(),
		})
		require.NoError(t, err)
		require.NoError(t, g.AddNode(w))
	}
	require.NoError(t, g.Compile())
	return &consoleGraph{graph: g, store: store}
}

func countType(events []core.Event, typ core.EventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func workerStarts(events []core.Event) []core.NodeName {
	var names []core.NodeName
	for _, ev := range events {
		if ev.Type == core.EventNodeStart && ev.Node != core.NodeSupervisor {
			names = append(names, ev.Node)
		}
	}
	return names
}

func TestListMyClustersScenario(t *testing.T) {
	workerModel := testutil.NewScriptedChatModel(
		testutil.ToolCall("call-1", tools.ListClustersTool, `{}`),
		testutil.Text("You have 3 clusters: prod-bkk, staging-bkk and ml-lab."),
	)
	cg := newConsoleGraph(t, NewRuleRouter(MembersFromConfig(config.DefaultAgents()), "fallback"), workerModel)

	stream, err := cg.graph.Run(context.Background(), core.TurnInput{Message: "list my clusters", SessionID: "s1", UserID: "u1"})
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)

	assert.Equal(t, []core.NodeName{"ClusterAgent"}, workerStarts(events), "exactly one worker activation")
	assert.Equal(t, 1, countType(events, core.EventToolCall), "exactly one tool call")

	// routing announcement, then the tool call, then the answer tokens
	var order []core.EventType
	var text strings.Builder
	for _, ev := range events {
		switch ev.Type {
		case core.EventRoute, core.EventToolCall:
			order = append(order, ev.Type)
		case core.EventToken:
			if len(order) == 0 || order[len(order)-1] != core.EventToken {
				order = append(order, ev.Type)
			}
			text.WriteString(ev.Content)
		}
	}
	assert.Equal(t, []core.EventType{core.EventRoute, core.EventToolCall, core.EventToken}, order)
	assert.Equal(t, "You have 3 clusters: prod-bkk, staging-bkk and ml-lab.", text.String())
	assert.Equal(t, "routing to ClusterAgent", events[indexOf(events, core.EventRoute)].Content)
	assert.Equal(t, core.EventDone, events[len(events)-1].Type)

	history, err := cg.graph.History(context.Background(), "s1")
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "ClusterAgent", history[2].Name)
}

func TestAmbiguousInputScenario(t *testing.T) {
	workerModel := testutil.NewScriptedChatModel()
	cg := newConsoleGraph(t, NewRuleRouter(MembersFromConfig(config.DefaultAgents()), "I can help with clusters and services."), workerModel)

	stream, err := cg.graph.Run(context.Background(), core.TurnInput{Message: "tell me a joke", SessionID: "s2", UserID: "u1"})
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)

	assert.Empty(t, workerStarts(events), "zero worker activations")
	assert.Equal(t, 1, countType(events, core.EventMessage))
	assert.Equal(t, 0, workerModel.Calls())

	history, err := cg.graph.History(context.Background(), "s2")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "I can help with clusters and services.", history[1].Content)
}

func TestModelRoutedTurn(t *testing.T) {
	supervisorModel := testutil.NewScriptedChatModel(
		testutil.ToolCall("r1", "route", `{"next":"ServiceAgent"}`),
		testutil.ToolCall("r2", "route", `{"next":"FINISH"}`),
	)
	agents := config.DefaultAgents()
	router, err := NewModelRouter(supervisorModel, agents.Supervisor.SystemPrompt, MembersFromConfig(agents))
	require.NoError(t, err)

	workerModel := testutil.NewScriptedChatModel(
		testutil.ToolCall("call-1", tools.ListServicesTool, `{"workspace_id":"ws-ml"}`),
		testutil.Text("notebook-gateway is crash-looping in ws-ml."),
	)
	cg := newConsoleGraph(t, router, workerModel)

	stream, err := cg.graph.Run(context.Background(), core.TurnInput{Message: "how is ws-ml doing?", SessionID: "s3", UserID: "u1"})
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err)

	assert.Equal(t, []core.NodeName{"ServiceAgent"}, workerStarts(events))
	assert.Equal(t, 2, supervisorModel.Calls())

	results := 0
	for _, ev := range events {
		if ev.Type == core.EventToolResult {
			results++
			assert.Contains(t, ev.Content, "notebook-gateway")
		}
	}
	assert.Equal(t, 1, results)
}

func TestUndeclaredRouteEndsTurn(t *testing.T) {
	supervisorModel := testutil.NewScriptedChatModel(testutil.ToolCall("r1", "route", `{"next":"BillingAgent"}`))
	agents := config.DefaultAgents()
	router, err := NewModelRouter(supervisorModel, agents.Supervisor.SystemPrompt, MembersFromConfig(agents))
	require.NoError(t, err)
	cg := newConsoleGraph(t, router, testutil.NewScriptedChatModel())

	stream, err := cg.graph.Run(context.Background(), core.TurnInput{Message: "what is my bill?", SessionID: "s4", UserID: "u1"})
	require.NoError(t, err)
	events, err := stream.Collect()
	require.NoError(t, err, "routing errors never abort the turn")

	assert.Empty(t, workerStarts(events))
	assert.Equal(t, core.EventDone, events[len(events)-1].Type)

	history, err := cg.graph.History(context.Background(), "s4")
	require.NoError(t, err)
	found := false
	for _, msg := range history {
		if msg.Content == "routing error: unknown worker BillingAgent" {
			found = true
		}
	}
	assert.True(t, found, "transcript carries the routing error")
}

func indexOf(events []core.Event, typ core.EventType) int {
	for i, ev := range events {
		if ev.Type == typ {
			return i
		}
	}
	return -1
}
