package pipeline

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// recorder collects the order in which stages observe a row
type recorder struct {
	mu    sync.Mutex
	steps []string
}

func (r *recorder) add(step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = append(r.steps, step)
}

func (r *recorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.steps...)
}

type stubAction struct {
	name     string
	optional bool
	run      func(ctx context.Context, actx *ActionContext) (*ActionResult, error)
}

func (a *stubAction) Name() string     { return a.name }
func (a *stubAction) IsOptional() bool { return a.optional }
func (a *stubAction) Execute(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
	return a.run(ctx, actx)
}

func recordingAction(rec *recorder, name string) *stubAction {
	return &stubAction{name: name, run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		rec.add(name)
		return Success(name + " done"), nil
	}}
}

func recordingMiddleware(rec *recorder, name string) ImportMiddleware {
	return MiddlewareFunc{Label: name, Fn: func(ctx context.Context, actx *ActionContext, next Next) (*ActionResult, error) {
		rec.add(name + ":before")
		res, err := next(ctx)
		rec.add(name + ":after")
		return res, err
	}}
}

func quietLogger() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newContext(data map[string]interface{}) *ActionContext {
	return NewActionContext("tenant-123", data, nil).WithRow(2)
}

func TestExecute_OrderingMiddlewareThenActions(t *testing.T) {
	rec := &recorder{}
	p := NewActionPipeline(quietLogger()).
		Add(recordingAction(rec, "A")).
		Add(recordingAction(rec, "B")).
		Add(recordingAction(rec, "C")).
		Through(recordingMiddleware(rec, "M1"), recordingMiddleware(rec, "M2"))

	res, err := p.Execute(context.Background(), newContext(nil))

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"M1:before", "M2:before", "A", "B", "C", "M2:after", "M1:after"}, rec.all())
	assert.Equal(t, []string{"A", "B", "C"}, res.Data[KeyCompletedActions])
}

func TestExecute_ContextUpdatesVisibleToLaterActions(t *testing.T) {
	var seenByA, seenByB interface{}
	a := &stubAction{name: "A", run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		seenByA, _ = actx.Get("width")
		return Success("ok").WithContextUpdate("width", "120cm"), nil
	}}
	b := &stubAction{name: "B", run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		seenByB, _ = actx.Get("width")
		return Success("ok"), nil
	}}

	actx := newContext(nil)
	res, err := NewActionPipeline(quietLogger()).Add(a).Add(b).Execute(context.Background(), actx)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Nil(t, seenByA)
	assert.Equal(t, "120cm", seenByB)
	assert.Equal(t, "120cm", actx.GetString("width"))
}

func TestExecute_EmptyPipelineSucceeds(t *testing.T) {
	res, err := NewActionPipeline(quietLogger()).Execute(context.Background(), newContext(nil))

	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestExecute_OptionalFailureDoesNotStopOrMerge(t *testing.T) {
	rec := &recorder{}
	optional := &stubAction{name: "extract", optional: true, run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		return Failure(KindActionFailed, "could not parse").WithContextUpdate("drop", "200cm"), nil
	}}
	actx := newContext(nil)

	res, err := NewActionPipeline(quietLogger()).
		Add(optional).
		Add(recordingAction(rec, "after")).
		Execute(context.Background(), actx)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"after"}, rec.all())
	_, has := actx.Get("drop")
	assert.False(t, has)
	assert.Equal(t, map[string]string{"extract": "could not parse"}, res.Data[KeyOptionalFailures])
}

func TestExecute_OptionalFaultAndPanicAreSwallowed(t *testing.T) {
	rec := &recorder{}
	faulty := &stubAction{name: "faulty", optional: true, run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		return nil, errors.New("extractor exploded")
	}}
	panicky := &stubAction{name: "panicky", optional: true, run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		panic("nil map")
	}}

	res, err := NewActionPipeline(quietLogger()).
		Add(faulty).
		Add(panicky).
		Add(recordingAction(rec, "persist")).
		Execute(context.Background(), newContext(nil))

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"persist"}, rec.all())
	failures := res.Data[KeyOptionalFailures].(map[string]string)
	assert.Contains(t, failures["panicky"], "nil map")
}

func TestExecute_RequiredFailureStopsAndNamesAction(t *testing.T) {
	rec := &recorder{}
	validate := recordingAction(rec, "validate")
	resolve := &stubAction{name: "resolve_product", run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		return Failure(KindActionFailed, "Product name is required"), nil
	}}

	res, err := NewActionPipeline(quietLogger()).
		Add(validate).
		Add(resolve).
		Add(recordingAction(rec, "never")).
		Execute(context.Background(), newContext(nil))

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "resolve_product", res.Data[KeyFailedAction])
	assert.Equal(t, []string{"validate"}, res.Data[KeyCompletedActions])
	assert.Equal(t, "Product name is required", res.Error())
	assert.Equal(t, []string{"validate"}, rec.all())
}

func TestExecute_RequiredFaultWithoutErrorMiddlewareReturnsError(t *testing.T) {
	boom := errors.New("database unavailable")
	action := &stubAction{name: "handle_conflicts", run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		return nil, boom
	}}

	res, err := NewActionPipeline(quietLogger()).Add(action).Execute(context.Background(), newContext(nil))

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	var actionErr *ActionError
	require.True(t, errors.As(err, &actionErr))
	assert.Equal(t, "handle_conflicts", actionErr.Action)
	require.NotNil(t, res)
	assert.Equal(t, KindActionFault, res.Kind)
}

func TestExecute_ErrorMiddlewareConvertsFault(t *testing.T) {
	action := &stubAction{name: "handle_conflicts", run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		return nil, errors.New("database unavailable")
	}}

	res, err := NewActionPipeline(quietLogger()).
		Through(NewErrorHandlingMiddleware(quietLogger(), 0)).
		Add(action).
		Execute(context.Background(), newContext(nil))

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, KindActionFault, res.Kind)
	assert.Equal(t, "handle_conflicts", res.Data[KeyFailedAction])
	assert.Contains(t, res.Message, "database unavailable")
}

func TestErrorHandlingMiddleware_RetriesWithBackoff(t *testing.T) {
	calls := 0
	action := &stubAction{name: "flaky", run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		calls++
		if calls < 3 {
			return nil, errors.New("connection reset")
		}
		return Success("stored"), nil
	}}
	mw := NewErrorHandlingMiddleware(quietLogger(), 2)
	mw.InitialInterval = time.Millisecond
	mw.MaxInterval = 2 * time.Millisecond

	res, err := NewActionPipeline(quietLogger()).Through(mw).Add(action).Execute(context.Background(), newContext(nil))

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 3, calls)
}

func TestErrorHandlingMiddleware_RecoversMiddlewarePanic(t *testing.T) {
	broken := MiddlewareFunc{Label: "broken", Fn: func(ctx context.Context, actx *ActionContext, next Next) (*ActionResult, error) {
		var m map[string]int
		m["x"]++
		return next(ctx)
	}}

	res, err := NewActionPipeline(quietLogger()).
		Through(NewErrorHandlingMiddleware(quietLogger(), 0), broken).
		Add(&stubAction{name: "noop", run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
			return Success("ok"), nil
		}}).
		Execute(context.Background(), newContext(nil))

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, KindInfrastructure, res.Kind)
}

func TestTimingMiddleware_DeadlineCancelsRemainingActions(t *testing.T) {
	rec := &recorder{}
	slow := &stubAction{name: "slow", run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Second):
			return Success("finished"), nil
		}
	}}

	res, err := NewActionPipeline(quietLogger()).
		Through(NewTimingMiddleware(20 * time.Millisecond)).
		Add(slow).
		Add(recordingAction(rec, "after")).
		Execute(context.Background(), newContext(nil))

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, KindTimeout, res.Kind)
	assert.Empty(t, rec.all())
	assert.Contains(t, res.Data, KeyDurationMs)
}

func TestTimingMiddleware_AttachesDuration(t *testing.T) {
	res, err := NewActionPipeline(quietLogger()).
		Through(NewTimingMiddleware(0)).
		Add(&stubAction{name: "noop", run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
			return Success("ok"), nil
		}}).
		Execute(context.Background(), newContext(nil))

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.GreaterOrEqual(t, res.Data[KeyDurationMs].(int64), int64(0))
}

func TestExecute_CancelledContextStopsBeforeFirstAction(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := NewActionPipeline(quietLogger()).Add(recordingAction(rec, "A")).Execute(ctx, newContext(nil))

	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "A", res.Data[KeyFailedAction])
	assert.Empty(t, rec.all())
}

func TestStages_CompiledOutermostFirst(t *testing.T) {
	p := NewActionPipeline(quietLogger()).
		Through(NewTimingMiddleware(time.Second), NewLoggingMiddleware(quietLogger(), true, true, false)).
		Through(NewErrorHandlingMiddleware(quietLogger(), 0))

	stages := p.Stages()

	assert.Equal(t, []Stage{
		{Type: StageAround, Name: "timing"},
		{Type: StageAround, Name: "logging"},
		{Type: StageAround, Name: "error_handling"},
		{Type: StageLeaf, Name: "actions"},
	}, stages)
}

func TestExecute_ConcurrentRowsShareOnePipeline(t *testing.T) {
	action := &stubAction{name: "echo", run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		return Success("ok").WithData("sku", actx.GetString("sku")), nil
	}}
	p := NewActionPipeline(quietLogger()).Through(NewTimingMiddleware(time.Second)).Add(action)

	var wg sync.WaitGroup
	skus := []string{"A-1", "A-2", "A-3", "A-4", "A-5", "A-6"}
	results := make([]string, len(skus))
	for i, sku := range skus {
		wg.Add(1)
		go func(i int, sku string) {
			defer wg.Done()
			res, err := p.Execute(context.Background(), newContext(map[string]interface{}{"sku": sku}))
			if err == nil && res.Success {
				results[i] = res.DataString("sku")
			}
		}(i, sku)
	}
	wg.Wait()

	assert.Equal(t, skus, results)
}

func TestActionContext_MergeDataNilDeletes(t *testing.T) {
	actx := newContext(map[string]interface{}{"barcode": "5012345678900", "sku": "ABC-001"})

	actx.MergeData(map[string]interface{}{"barcode": nil, "sku": "ABC-001-001"})

	_, has := actx.Get("barcode")
	assert.False(t, has)
	assert.Equal(t, "ABC-001-001", actx.GetString("sku"))
}

func TestActionContext_TypedGetters(t *testing.T) {
	actx := newContext(map[string]interface{}{
		"quantity":        "12",
		"price":           49.5,
		"made_to_measure": "Yes",
		"empty":           "   ",
	})

	assert.Equal(t, 12, actx.GetInt("quantity", 0))
	assert.Equal(t, "49.5", actx.GetString("price"))
	assert.True(t, actx.GetBool("made_to_measure"))
	assert.False(t, actx.Has("empty"))
	assert.Equal(t, 7, actx.GetInt("missing", 7))
}

func TestExecute_MetadataUpdatesMergedOnSuccessOnly(t *testing.T) {
	noted := &stubAction{name: "extract", optional: true, run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		return Success("ok").WithMetadata("confidence", 0.9), nil
	}}
	failed := &stubAction{name: "guess", optional: true, run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		return Failure(KindActionFailed, "no match").WithMetadata("guess", "x"), nil
	}}
	var seen interface{}
	reader := &stubAction{name: "reader", run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		seen, _ = actx.Meta("confidence")
		return Success("ok"), nil
	}}
	actx := newContext(map[string]interface{}{"name": "Roller Blind"})

	res, err := NewActionPipeline(quietLogger()).Add(noted).Add(failed).Add(reader).Execute(context.Background(), actx)

	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0.9, seen)
	_, has := actx.Meta("guess")
	assert.False(t, has)
	_, inData := actx.Get("confidence")
	assert.False(t, inData)
}

func TestLoggingMiddleware_Switches(t *testing.T) {
	succeed := &stubAction{name: "ok", run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		return Success("row imported"), nil
	}}
	fail := &stubAction{name: "validate", run: func(ctx context.Context, actx *ActionContext) (*ActionResult, error) {
		return Failure(KindValidation, "price is required"), nil
	}}

	tests := []struct {
		name         string
		action       ImportAction
		logSuccesses bool
		logFailures  bool
		logContext   bool
		want         []string
	}{
		{"success logged", succeed, true, false, false, []string{"Row processing started", "Row processing completed"}},
		{"success muted", succeed, false, true, false, []string{"Row processing started"}},
		{"failure logged", fail, false, true, false, []string{"Row processing started", "Row processing failed"}},
		{"failure muted", fail, true, false, false, []string{"Row processing started"}},
		{"context dumped", succeed, true, true, true, []string{"Row processing started", "Row processing completed"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, hook := test.NewNullLogger()
			logger.SetLevel(logrus.DebugLevel)
			mw := NewLoggingMiddleware(logrus.NewEntry(logger), tt.logSuccesses, tt.logFailures, tt.logContext)

			_, err := NewActionPipeline(quietLogger()).
				Add(tt.action).
				Through(mw).
				Execute(context.Background(), newContext(map[string]interface{}{"sku": "ABC-001"}))
			require.NoError(t, err)

			entries := hook.AllEntries()
			var messages []string
			for _, e := range entries {
				messages = append(messages, e.Message)
				data, has := e.Data["data"]
				assert.Equal(t, tt.logContext, has, e.Message)
				if tt.logContext {
					assert.Equal(t, "ABC-001", data.(map[string]interface{})["sku"])
				}
				assert.Equal(t, 2, e.Data["row"])
			}
			assert.Equal(t, tt.want, messages)

			last := hook.LastEntry()
			require.NotNil(t, last)
			if last.Message == "Row processing failed" {
				assert.Equal(t, logrus.WarnLevel, last.Level)
				assert.Equal(t, KindValidation, last.Data["kind"])
				assert.Contains(t, last.Data, "duration_ms")
			}
		})
	}
}
