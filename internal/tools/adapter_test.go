package tools

import (
	"context"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"console_agent/internal/core"
)

type echoTool struct{ info *schema.ToolInfo }

func (e echoTool) Info(ctx context.Context) (*schema.ToolInfo, error) { return e.info, nil }

func (e echoTool) InvokableRun(ctx context.Context, args string, _ ...tool.Option) (string, error) {
	return args, nil
}

func newEchoAdapter() *Adapter {
	info := toolInfo("search_events", "Search cluster events.", map[string]*schema.ParameterInfo{
		"cluster_id": {Type: schema.String, Required: true},
		"limit":      {Type: schema.Integer},
		"order":      {Type: schema.String, Enum: []string{"asc", "desc"}},
		"warnings":   {Type: schema.Boolean},
	})
	return newAdapter(info, echoTool{info: info}, Options{})
}

func TestValidateAgainstDeclaredSchema(t *testing.T) {
	adapter := newEchoAdapter()

	tests := []struct {
		name string
		args string
		want string
	}{
		{"valid", `{"cluster_id":"cls-prod-01","limit":10,"order":"desc","warnings":true}`, ""},
		{"optional null", `{"cluster_id":"cls-prod-01","order":null}`, ""},
		{"fractional integer", `{"cluster_id":"cls-prod-01","limit":2.5}`, `"limit" must be of type integer`},
		{"outside enum", `{"cluster_id":"cls-prod-01","order":"sideways"}`, `"order": value is not one of the allowed values`},
		{"wrong boolean", `{"cluster_id":"cls-prod-01","warnings":"yes"}`, `"warnings" must be of type boolean`},
		{"blank required", `{"cluster_id":"\t"}`, `"cluster_id" cannot be empty`},
		{"extra field", `{"cluster_id":"cls-prod-01","namespace":"kube-system"}`, `"namespace" is unsupported`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := adapter.Validate(tt.args)
			if tt.want == "" {
				require.NoError(t, err)
				assert.Equal(t, "cls-prod-01", args["cluster_id"])
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrInvalidArgument)
			assert.Contains(t, err.Error(), tt.want)
			assert.NotContains(t, err.Error(), "Schema:", "schema dumps stay out of model-facing errors")
		})
	}
}

func TestValidateIsSafeForConcurrentCalls(t *testing.T) {
	adapter := newEchoAdapter()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := adapter.Validate(`{"cluster_id":"cls-prod-01"}`)
			assert.NoError(t, err)
			_, err = adapter.Validate(`{"cluster_id":" "}`)
			assert.ErrorIs(t, err, core.ErrInvalidArgument)
		}()
	}
	wg.Wait()
}

func TestInvokePassesValidatedArguments(t *testing.T) {
	out, err := newEchoAdapter().Invoke(context.Background(), `{"cluster_id":"cls-prod-01","limit":3}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"cluster_id":"cls-prod-01","limit":3}`, out)
}
