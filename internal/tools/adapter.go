// Package tools adapts the console's collaborators into eino tools the
// worker agents can call. Every adapter validates its arguments against the
// declared parameters before the collaborator is reached, runs under a
// timeout and reports failures as *core.ToolError.
package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/schema"
	"github.com/getkin/kin-openapi/openapi3"

	"console_agent/internal/core"
	"console_agent/internal/metrics"
)

const defaultTimeout = 30 * time.Second

// Options are shared by every adapter.
type Options struct {
	Timeout               time.Duration
	AllowMutatingCommands bool
	Metrics               *metrics.Metrics
}

// Adapter wraps an eino InvokableTool with argument validation and a timeout.
type Adapter struct {
	name    string
	info    *schema.ToolInfo
	inner   tool.InvokableTool
	check   func(args map[string]any) error
	timeout time.Duration
	metrics *metrics.Metrics

	schemaOnce sync.Once
	schema     *openapi3.Schema
	schemaErr  error
}

var _ tool.InvokableTool = (*Adapter)(nil)

func newAdapter(info *schema.ToolInfo, inner tool.InvokableTool, opts Options) *Adapter {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Adapter{
		name:    info.Name,
		info:    info,
		inner:   inner,
		timeout: timeout,
		metrics: opts.Metrics,
	}
}

func toolInfo(name, desc string, params map[string]*schema.ParameterInfo) *schema.ToolInfo {
	return &schema.ToolInfo{
		Name:        name,
		Desc:        desc,
		ParamsOneOf: schema.NewParamsOneOfByParams(params),
	}
}

func (a *Adapter) Name() string { return a.name }

func (a *Adapter) Info(ctx context.Context) (*schema.ToolInfo, error) {
	return a.info, nil
}

// InvokableRun satisfies tool.InvokableTool.
func (a *Adapter) InvokableRun(ctx context.Context, argumentsInJSON string, _ ...tool.Option) (string, error) {
	return a.Invoke(ctx, argumentsInJSON)
}

// Invoke validates args and calls the underlying tool. Errors are always
// *core.ToolError.
func (a *Adapter) Invoke(ctx context.Context, argsJSON string) (string, error) {
	started := time.Now()
	out, err := a.invoke(ctx, argsJSON)

	status := "ok"
	var toolErr *core.ToolError
	if errors.As(err, &toolErr) {
		status = string(toolErr.Kind)
	}
	a.metrics.ToolCalled(a.name, status, time.Since(started))
	return out, err
}

func (a *Adapter) invoke(ctx context.Context, argsJSON string) (string, error) {
	if strings.TrimSpace(argsJSON) == "" {
		argsJSON = "{}"
	}

	args, err := a.Validate(argsJSON)
	if err != nil {
		return "", a.fail(core.ToolErrorInvalidArgument, err)
	}
	if a.check != nil {
		if err := a.check(args); err != nil {
			return "", a.fail(core.ToolErrorInvalidArgument, fmt.Errorf("%w: %v", core.ErrInvalidArgument, err))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	type result struct {
		out string
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := a.inner.InvokableRun(ctx, argsJSON)
		done <- result{out: out, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			if errors.Is(r.err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", a.fail(core.ToolErrorTimeout, fmt.Errorf("no response within %s", a.timeout))
			}
			return "", a.fail(core.ToolErrorFailed, r.err)
		}
		return r.out, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", a.fail(core.ToolErrorTimeout, fmt.Errorf("no response within %s", a.timeout))
		}
		return "", a.fail(core.ToolErrorFailed, ctx.Err())
	}
}

func (a *Adapter) fail(kind core.ToolErrorKind, err error) error {
	return &core.ToolError{Tool: a.name, Kind: kind, Err: err}
}

// Validate checks a JSON argument object against the declared parameters:
// no unknown fields, required fields present and not blank, JSON types and
// enums respected.
func (a *Adapter) Validate(argsJSON string) (map[string]any, error) {
	a.schemaOnce.Do(func() {
		a.schema, a.schemaErr = argumentSchema(a.info)
	})
	if a.schemaErr != nil {
		return nil, fmt.Errorf("tool %s has an unusable parameter schema: %w", a.name, a.schemaErr)
	}

	var args map[string]any
	if err := sonic.UnmarshalString(argsJSON, &args); err != nil {
		return nil, fmt.Errorf("%w: arguments must be a JSON object", core.ErrInvalidArgument)
	}
	if args == nil {
		args = map[string]any{}
	}

	if err := a.schema.VisitJSON(args); err != nil {
		return nil, argumentError(err)
	}
	return args, nil
}

// argumentSchema derives the OpenAPI schema the model was given and
// tightens it: unknown properties are rejected, required strings must not
// be blank and optional fields accept null.
func argumentSchema(info *schema.ToolInfo) (*openapi3.Schema, error) {
	var sc *openapi3.Schema
	if info.ParamsOneOf != nil {
		var err error
		if sc, err = info.ParamsOneOf.ToOpenAPIV3(); err != nil {
			return nil, err
		}
	}
	if sc == nil {
		sc = openapi3.NewObjectSchema()
	}

	sc.WithoutAdditionalProperties()
	sort.Strings(sc.Required)
	required := make(map[string]bool, len(sc.Required))
	for _, name := range sc.Required {
		required[name] = true
	}
	for name, prop := range sc.Properties {
		if prop == nil || prop.Value == nil {
			continue
		}
		switch {
		case !required[name]:
			prop.Value.Nullable = true
		case prop.Value.Type == openapi3.TypeString:
			prop.Value.Pattern = `\S`
		}
	}

	// compiles the patterns once so validation never writes to the schema
	if err := sc.Validate(context.Background()); err != nil {
		return nil, err
	}
	return sc, nil
}

// argumentError turns a schema violation into a message the model can act on.
func argumentError(err error) error {
	var schemaErr *openapi3.SchemaError
	if !errors.As(err, &schemaErr) {
		return fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
	}

	field := strings.Join(schemaErr.JSONPointer(), ".")
	switch schemaErr.SchemaField {
	case "required":
		return fmt.Errorf("%w: missing required field %q", core.ErrInvalidArgument, field)
	case "pattern":
		return fmt.Errorf("%w: field %q cannot be empty", core.ErrInvalidArgument, field)
	case "type":
		return fmt.Errorf("%w: field %q must be of type %s", core.ErrInvalidArgument, field, schemaErr.Schema.Type)
	}
	if field == "" {
		return fmt.Errorf("%w: %s", core.ErrInvalidArgument, schemaErr.Reason)
	}
	return fmt.Errorf("%w: field %q: %s", core.ErrInvalidArgument, field, schemaErr.Reason)
}

type failure struct {
	Error failureDetail `json:"error"`
}

type failureDetail struct {
	Tool    string `json:"tool,omitempty"`
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// FailureMessage renders err as the structured tool message the model sees.
func FailureMessage(err error) string {
	detail := failureDetail{Kind: string(core.ToolErrorFailed), Message: err.Error()}
	var toolErr *core.ToolError
	if errors.As(err, &toolErr) {
		detail.Tool = toolErr.Tool
		detail.Kind = string(toolErr.Kind)
		detail.Message = toolErr.Err.Error()
	}

	out, marshalErr := sonic.MarshalString(failure{Error: detail})
	if marshalErr != nil {
		return `{"error":{"kind":"failed","message":"unrenderable tool error"}}`
	}
	return out
}
