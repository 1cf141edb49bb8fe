package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/sirupsen/logrus"
)

// ImportAction is one named step of the per-row sequence.
// A returned error is a fault; a failed result is an ordinary failure.
type ImportAction interface {
	Name() string
	IsOptional() bool
	Execute(ctx context.Context, actx *ActionContext) (*ActionResult, error)
}

// Next runs the rest of the chain
type Next func(ctx context.Context) (*ActionResult, error)

// ImportMiddleware wraps the remainder of the chain
type ImportMiddleware interface {
	Name() string
	Handle(ctx context.Context, actx *ActionContext, next Next) (*ActionResult, error)
}

// MiddlewareFunc adapts a function to ImportMiddleware
type MiddlewareFunc struct {
	Label string
	Fn    func(ctx context.Context, actx *ActionContext, next Next) (*ActionResult, error)
}

func (m MiddlewareFunc) Name() string {
	return m.Label
}

func (m MiddlewareFunc) Handle(ctx context.Context, actx *ActionContext, next Next) (*ActionResult, error) {
	return m.Fn(ctx, actx, next)
}

// StageType distinguishes wrapping stages from the innermost action runner
type StageType string

const (
	StageAround StageType = "around"
	StageLeaf   StageType = "leaf"
)

// Stage is one entry of the compiled chain, outermost first
type Stage struct {
	Type StageType
	Name string
}

type handler func(ctx context.Context, actx *ActionContext) (*ActionResult, error)

// ActionPipeline runs an ordered list of actions inside an ordered list of middleware.
// The first middleware added is the outermost layer. The compiled chain is rebuilt
// only when actions or middleware change, so one pipeline can serve concurrent rows.
type ActionPipeline struct {
	mu         sync.Mutex
	actions    []ImportAction
	middleware []ImportMiddleware
	stages     []Stage
	chain      handler
	logger     *logrus.Entry
}

// NewActionPipeline creates an empty pipeline
func NewActionPipeline(logger *logrus.Entry) *ActionPipeline {
	if logger == nil {
		logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ActionPipeline{logger: logger.WithField("component", "action_pipeline")}
}

// Add appends an action; actions run in insertion order
func (p *ActionPipeline) Add(action ImportAction) *ActionPipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.actions = append(p.actions, action)
	p.chain = nil
	return p
}

// Through appends middleware; the first added wraps everything added later
func (p *ActionPipeline) Through(middleware ...ImportMiddleware) *ActionPipeline {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.middleware = append(p.middleware, middleware...)
	p.chain = nil
	return p
}

// Actions returns the action names in execution order
func (p *ActionPipeline) Actions() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	names := make([]string, len(p.actions))
	for i, a := range p.actions {
		names[i] = a.Name()
	}
	return names
}

// Stages returns the compiled stage list, outermost first
func (p *ActionPipeline) Stages() []Stage {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.compileLocked()
	out := make([]Stage, len(p.stages))
	copy(out, p.stages)
	return out
}

// Execute runs the composed chain once for one row. A result is always returned;
// an error is returned as well only when no error-handling middleware absorbed it.
func (p *ActionPipeline) Execute(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
	p.mu.Lock()
	p.compileLocked()
	chain := p.chain
	p.mu.Unlock()

	res, err := chain(ctx, actx)
	if res == nil {
		if err != nil {
			res = FromError(KindInfrastructure, err)
		} else {
			res = Failure(KindInfrastructure, "pipeline returned no result")
		}
	}
	return res, err
}

func (p *ActionPipeline) compileLocked() {
	if p.chain != nil {
		return
	}
	actions := make([]ImportAction, len(p.actions))
	copy(actions, p.actions)

	var h handler = func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		return p.runActions(ctx, actx, actions)
	}
	stages := make([]Stage, 0, len(p.middleware)+1)
	stages = append(stages, Stage{Type: StageLeaf, Name: "actions"})

	for i := len(p.middleware) - 1; i >= 0; i-- {
		h = wrap(p.middleware[i], h)
		stages = append(stages, Stage{Type: StageAround, Name: p.middleware[i].Name()})
	}
	for i, j := 0, len(stages)-1; i < j; i, j = i+1, j-1 {
		stages[i], stages[j] = stages[j], stages[i]
	}
	p.chain = h
	p.stages = stages
}

func wrap(m ImportMiddleware, inner handler) handler {
	return func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		return m.Handle(ctx, actx, func(ctx context.Context) (*ActionResult, error) {
			return inner(ctx, actx)
		})
	}
}

func (p *ActionPipeline) runActions(ctx context.Context, actx *ActionContext, actions []ImportAction) (*ActionResult, error) {
	if len(actions) == 0 {
		return Success("No actions to execute"), nil
	}

	completed := make([]string, 0, len(actions))
	optionalFailures := make(map[string]string)
	final := Success("All actions completed")

	for _, action := range actions {
		name := action.Name()
		if err := ctx.Err(); err != nil {
			kind := KindInfrastructure
			if errors.Is(err, context.DeadlineExceeded) {
				kind = KindTimeout
			}
			return Failure(kind, fmt.Sprintf("Row processing stopped before %s: %v", name, err)).
				WithData(KeyFailedAction, name).
				WithData(KeyCompletedActions, append([]string(nil), completed...)), nil
		}

		res, err := invoke(ctx, action, actx)
		if err != nil {
			if action.IsOptional() {
				optionalFailures[name] = err.Error()
				p.logger.WithFields(logrus.Fields{"row": actx.RowNumber, "action": name}).
					WithError(err).Warn("Optional action faulted, continuing")
				continue
			}
			done := append([]string(nil), completed...)
			failure := Failure(KindActionFault, fmt.Sprintf("Action %s failed: %v", name, err)).
				WithData(KeyFailedAction, name).
				WithData(KeyCompletedActions, done).
				WithData(KeyActionError, err.Error())
			return failure, &ActionError{Action: name, Completed: done, Err: err}
		}
		if res == nil {
			res = Failure(KindActionFailed, fmt.Sprintf("Action %s returned no result", name))
		}

		if res.IsFailure() {
			if action.IsOptional() {
				optionalFailures[name] = res.Error()
				p.logger.WithFields(logrus.Fields{"row": actx.RowNumber, "action": name}).
					Debugf("Optional action failed: %s", res.Error())
				continue
			}
			return requiredFailure(name, res, completed), nil
		}

		completed = append(completed, name)
		if len(res.ContextUpdates) > 0 {
			actx.MergeData(res.ContextUpdates)
		}
		for k, v := range res.MetadataUpdates {
			actx.SetMeta(k, v)
		}
		for k, v := range res.Data {
			final.Data[k] = v
		}
		if res.Message != "" {
			final.Message = res.Message
		}
	}

	final.WithData(KeyCompletedActions, completed)
	if len(optionalFailures) > 0 {
		final.WithData(KeyOptionalFailures, optionalFailures)
	}
	return final, nil
}

func requiredFailure(name string, res *ActionResult, completed []string) *ActionResult {
	kind := res.Kind
	if kind == KindNone {
		kind = KindActionFailed
	}
	out := &ActionResult{
		Success:        false,
		Message:        res.Message,
		Errors:         append([]string(nil), res.Errors...),
		Data:           make(map[string]interface{}, len(res.Data)+3),
		ContextUpdates: make(map[string]interface{}),
		Kind:           kind,
	}
	if out.Message == "" {
		out.Message = fmt.Sprintf("Action %s failed", name)
	}
	if len(out.Errors) == 0 {
		out.Errors = []string{out.Message}
	}
	for k, v := range res.Data {
		out.Data[k] = v
	}
	out.Data[KeyFailedAction] = name
	out.Data[KeyCompletedActions] = append([]string(nil), completed...)
	out.Data[KeyActionError] = res.Error()
	return out
}

// invoke runs one action, turning a panic into an error
func invoke(ctx context.Context, action ImportAction, actx *ActionContext) (res *ActionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			res = nil
			err = &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return action.Execute(ctx, actx)
}

// PanicError wraps a recovered panic
type PanicError struct {
	Value interface{}
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
