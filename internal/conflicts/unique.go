package conflicts

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"products-import-service/internal/models"
	"products-import-service/internal/pipeline"
)

// Field strategies applied when the row configuration does not name one
var defaultFieldStrategies = map[string]models.FieldStrategy{
	"slug":   models.FieldStrategyGenerateUnique,
	"handle": models.FieldStrategyGenerateUnique,
}

var constraintNoise = map[string]bool{
	"idx": true, "uniq": true, "unique": true, "uk": true, "key": true, "ux": true,
	"tenant": true, "id": true, "products": true, "product": true, "variants": true,
	"product_variants": true,
}

// UniqueConstraintResolver is the fallback for any other unique index
type UniqueConstraintResolver struct {
	now func() time.Time
}

func NewUniqueConstraintResolver() *UniqueConstraintResolver {
	return &UniqueConstraintResolver{now: time.Now}
}

func (r *UniqueConstraintResolver) CanResolve(c *Conflict) bool {
	return c.Kind == KindUniqueConstraint
}

func (r *UniqueConstraintResolver) Resolve(ctx context.Context, c *Conflict, actx *pipeline.ActionContext) (*ConflictResolution, error) {
	field := GuessField(c)
	if field == "" {
		return nil, fmt.Errorf("cannot tell which field violated %q", c.Constraint)
	}

	opts := actx.Options.ConflictResolution.UniqueConstraint
	strategy, ok := opts.FieldStrategies[field]
	if !ok {
		strategy, ok = defaultFieldStrategies[field]
	}
	if !ok {
		strategy = opts.DefaultStrategy
	}

	current := actx.GetString(field)
	if current == "" {
		current = c.Value
	}

	switch strategy {
	case models.FieldStrategySkip:
		return Skip("skip_row", fmt.Sprintf("%s %q already exists", field, current)).
			WithMetadata("field", field), nil
	case models.FieldStrategyGenerateUnique:
		value := r.generate(field, current)
		return Modify("generate_unique", fmt.Sprintf("%s %q already exists, using %q", field, current, value),
			map[string]interface{}{field: value}).
			WithMetadata("field", field), nil
	case models.FieldStrategyAppendSuffix:
		value := fmt.Sprintf("%s-%s", current, randomToken())
		return Modify("append_suffix", fmt.Sprintf("%s %q already exists, using %q", field, current, value),
			map[string]interface{}{field: value}).
			WithMetadata("field", field), nil
	case models.FieldStrategyNullField:
		return Modify("null_field", fmt.Sprintf("%s %q already exists, clearing it", field, current),
			map[string]interface{}{field: nil}).
			WithMetadata("field", field), nil
	case models.FieldStrategyFail, "":
		return Reject("fail", fmt.Sprintf("duplicate value %q for %s", current, field)).
			WithMetadata("field", field), nil
	}
	return nil, fmt.Errorf("unknown field strategy %q", strategy)
}

// GuessField names the row field behind a generic unique violation, preferring
// the reported column and falling back to the words of the constraint name.
func GuessField(c *Conflict) string {
	if col := c.Column(); col != "" && col != "tenant_id" {
		return col
	}
	var words []string
	for _, w := range strings.Split(strings.ToLower(c.Constraint), "_") {
		if w == "" || constraintNoise[w] || w == strings.ToLower(c.Table) {
			continue
		}
		words = append(words, w)
	}
	return strings.Join(words, "_")
}

func (r *UniqueConstraintResolver) generate(field, current string) string {
	now := r.now()
	switch {
	case strings.Contains(field, "slug") || strings.Contains(field, "handle"):
		return fmt.Sprintf("%s-%d", current, now.Unix())
	case strings.Contains(field, "email"):
		at := strings.LastIndex(current, "@")
		if at <= 0 {
			return fmt.Sprintf("%s+%s", current, randomToken())
		}
		return fmt.Sprintf("%s+%s%s", current[:at], randomToken(), current[at:])
	case field == "name" || strings.Contains(field, "title") || strings.Contains(field, "description"):
		return fmt.Sprintf("%s (%s)", current, now.Format("2006-01-02 15:04:05"))
	default:
		return fmt.Sprintf("%s-%s", current, randomToken())
	}
}

func randomToken() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
}
