package conflicts

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"products-import-service/internal/pipeline"
	"products-import-service/internal/repository"
)

// Resolver decides how to respond to one kind of conflict
type Resolver interface {
	CanResolve(c *Conflict) bool
	Resolve(ctx context.Context, c *Conflict, actx *pipeline.ActionContext) (*ConflictResolution, error)
}

// Hooks provides optional callbacks around resolution. Nil functions are no-ops.
type Hooks struct {
	OnClassified func(c *Conflict)
	OnResolved   func(c *Conflict, res *ConflictResolution)
	OnUnresolved func(c *Conflict, res *ConflictResolution)
}

// Statistics are the running conflict counters of one resolver instance
type Statistics struct {
	ConflictsDetected    int            `json:"conflicts_detected"`
	ConflictsResolved    int            `json:"conflicts_resolved"`
	ConflictsFailed      int            `json:"conflicts_failed"`
	ConflictsByType      map[string]int `json:"conflicts_by_type"`
	ResolutionStrategies map[string]int `json:"resolution_strategies"`
}

// ToMap renders the counters for reports and session storage
func (s Statistics) ToMap() map[string]interface{} {
	byType := make(map[string]interface{}, len(s.ConflictsByType))
	for k, v := range s.ConflictsByType {
		byType[k] = v
	}
	strategies := make(map[string]interface{}, len(s.ResolutionStrategies))
	for k, v := range s.ResolutionStrategies {
		strategies[k] = v
	}
	return map[string]interface{}{
		"conflicts_detected":    s.ConflictsDetected,
		"conflicts_resolved":    s.ConflictsResolved,
		"conflicts_failed":      s.ConflictsFailed,
		"conflicts_by_type":     byType,
		"resolution_strategies": strategies,
	}
}

type resolverOptions struct {
	logger    *logrus.Entry
	hooks     Hooks
	resolvers map[ConflictKind]Resolver
}

// Option configures a ConflictResolver at construction
type Option func(*resolverOptions)

// WithLogger sets the logger
func WithLogger(logger *logrus.Entry) Option {
	return func(o *resolverOptions) { o.logger = logger }
}

// WithHooks sets observability hooks
func WithHooks(hooks Hooks) Option {
	return func(o *resolverOptions) { o.hooks = hooks }
}

// WithResolver registers the resolver for a kind, replacing any earlier one
func WithResolver(kind ConflictKind, r Resolver) Option {
	return func(o *resolverOptions) { o.resolvers[kind] = r }
}

// ConflictResolver classifies failed writes, dispatches them to the resolver
// registered for their kind and keeps statistics. One instance serves one
// import run and is safe for concurrent rows.
type ConflictResolver struct {
	logger    *logrus.Entry
	hooks     Hooks
	resolvers map[ConflictKind]Resolver

	mu    sync.Mutex
	stats Statistics
}

// NewConflictResolver creates a resolver with only the given registrations
func NewConflictResolver(opts ...Option) *ConflictResolver {
	cfg := &resolverOptions{resolvers: make(map[ConflictKind]Resolver)}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logrus.NewEntry(logrus.StandardLogger())
	}
	return &ConflictResolver{
		logger:    cfg.logger.WithField("component", "conflict_resolver"),
		hooks:     cfg.hooks,
		resolvers: cfg.resolvers,
		stats: Statistics{
			ConflictsByType:      make(map[string]int),
			ResolutionStrategies: make(map[string]int),
		},
	}
}

// NewDefaultConflictResolver registers the four standard resolvers.
// Later options override the defaults.
func NewDefaultConflictResolver(store repository.ImportStore, opts ...Option) *ConflictResolver {
	defaults := []Option{
		WithResolver(KindDuplicateSku, NewDuplicateSkuResolver(store)),
		WithResolver(KindDuplicateBarcode, NewDuplicateBarcodeResolver(store)),
		WithResolver(KindVariantConstraint, NewVariantConstraintResolver(store)),
		WithResolver(KindUniqueConstraint, NewUniqueConstraintResolver()),
	}
	return NewConflictResolver(append(defaults, opts...)...)
}

// Resolve classifies err and returns the resolution for it. It never returns nil.
func (r *ConflictResolver) Resolve(ctx context.Context, err error, actx *pipeline.ActionContext) (*Conflict, *ConflictResolution) {
	c := Classify(err)
	if r.hooks.OnClassified != nil {
		r.hooks.OnClassified(c)
	}
	entry := r.logger.WithFields(logrus.Fields{
		"row":           actx.RowNumber,
		"conflict_type": c.Kind.String(),
		"constraint":    c.Constraint,
		"value":         c.Value,
	})
	entry.Debug("Conflict classified")

	res := r.dispatch(ctx, c, actx)
	if !res.Resolved {
		res.Action = ActionFail
	}
	res.WithMetadata("conflict_type", c.Kind.String())
	if c.Constraint != "" {
		res.WithMetadata("constraint", c.Constraint)
	}

	r.record(c, res)
	if res.Resolved {
		entry.WithFields(logrus.Fields{"strategy": res.Strategy, "action": res.Action}).Debug("Conflict resolved")
		if r.hooks.OnResolved != nil {
			r.hooks.OnResolved(c, res)
		}
	} else {
		entry.WithField("reason", res.Reason).Warn("Conflict unresolved")
		if r.hooks.OnUnresolved != nil {
			r.hooks.OnUnresolved(c, res)
		}
	}
	return c, res
}

func (r *ConflictResolver) dispatch(ctx context.Context, c *Conflict, actx *pipeline.ActionContext) (res *ConflictResolution) {
	resolver, ok := r.resolvers[c.Kind]
	if !ok || resolver == nil || !resolver.CanResolve(c) {
		return Unresolved(fmt.Sprintf("no resolver available for %s: %s", c.Kind, c.Message))
	}

	defer func() {
		if p := recover(); p != nil {
			res = Unresolved(fmt.Sprintf("resolver for %s panicked: %v", c.Kind, p))
		}
	}()
	out, err := resolver.Resolve(ctx, c, actx)
	if err != nil {
		return Unresolved(fmt.Sprintf("resolver for %s failed: %v", c.Kind, err))
	}
	if out == nil {
		return Unresolved(fmt.Sprintf("resolver for %s returned no resolution", c.Kind))
	}
	return out
}

func (r *ConflictResolver) record(c *Conflict, res *ConflictResolution) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.ConflictsDetected++
	r.stats.ConflictsByType[c.Kind.String()]++
	if res.Resolved {
		r.stats.ConflictsResolved++
		r.stats.ResolutionStrategies[res.Strategy]++
	} else {
		r.stats.ConflictsFailed++
	}
}

// Statistics returns a copy of the running counters
func (r *ConflictResolver) Statistics() Statistics {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := Statistics{
		ConflictsDetected:    r.stats.ConflictsDetected,
		ConflictsResolved:    r.stats.ConflictsResolved,
		ConflictsFailed:      r.stats.ConflictsFailed,
		ConflictsByType:      make(map[string]int, len(r.stats.ConflictsByType)),
		ResolutionStrategies: make(map[string]int, len(r.stats.ResolutionStrategies)),
	}
	for k, v := range r.stats.ConflictsByType {
		out.ConflictsByType[k] = v
	}
	for k, v := range r.stats.ResolutionStrategies {
		out.ResolutionStrategies[k] = v
	}
	return out
}
