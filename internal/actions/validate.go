package actions

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"products-import-service/internal/models"
	"products-import-service/internal/pipeline"
)

// Validator tags checked against the raw cell text for each rule type
var typeTags = map[string]string{
	"number":  "numeric",
	"integer": "numeric,excludes=.",
	"bool":    "oneof=1 0 true false yes no y n t f on off",
	"boolean": "oneof=1 0 true false yes no y n t f on off",
	"email":   "email",
	"barcode": "number,len=8|len=12|len=13|len=14",
}

// ValidateRowAction gates a row on the configured validation rules
type ValidateRowAction struct {
	validate *validator.Validate
	patterns sync.Map // pattern string -> *regexp.Regexp
}

func NewValidateRowAction() *ValidateRowAction {
	return &ValidateRowAction{validate: validator.New()}
}

func (a *ValidateRowAction) Name() string {
	return "validate_row"
}

func (a *ValidateRowAction) IsOptional() bool {
	return false
}

func (a *ValidateRowAction) Execute(ctx context.Context, actx *pipeline.ActionContext) (*pipeline.ActionResult, error) {
	rules := actx.Options.ValidationRules
	if rules == nil {
		rules = models.DefaultValidationRules()
	}

	fields := make([]string, 0, len(rules))
	for field := range rules {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	fieldErrors := make(map[string][]string)
	var messages []string
	for _, field := range fields {
		for _, msg := range a.check(field, rules[field], actx) {
			fieldErrors[field] = append(fieldErrors[field], msg)
			messages = append(messages, msg)
		}
	}

	if len(messages) > 0 {
		return pipeline.Failure(pipeline.KindValidation,
			fmt.Sprintf("Row %d failed validation: %s", actx.RowNumber, strings.Join(messages, "; ")),
			messages...).
			WithData("field_errors", fieldErrors), nil
	}
	return pipeline.Success("Row is valid").WithData("validated_fields", fields), nil
}

func (a *ValidateRowAction) check(field string, rule models.ValidationRule, actx *pipeline.ActionContext) []string {
	value := actx.GetString(field)
	if value == "" {
		if rule.Required && a.validate.Var(value, "required") != nil {
			return []string{fmt.Sprintf("%s is required", field)}
		}
		return nil
	}
	var errs []string

	if tag, ok := typeTags[rule.Type]; ok {
		if rule.Type == "bool" || rule.Type == "boolean" {
			value = strings.ToLower(value)
		}
		if err := a.validate.Var(value, tag); err != nil {
			return []string{typeMessage(field, rule.Type, value, err)}
		}
	}
	if (rule.Type == "number" || rule.Type == "integer") && (rule.Min != nil || rule.Max != nil) {
		n, _ := strconv.ParseFloat(value, 64)
		errs = append(errs, a.checkRange(field, n, rule)...)
	}

	if rule.MaxLength > 0 {
		if err := a.validate.Var(value, fmt.Sprintf("max=%d", rule.MaxLength)); err != nil {
			errs = append(errs, fmt.Sprintf("%s must be at most %d characters", field, rule.MaxLength))
		}
	}
	if rule.Pattern != "" {
		re, err := a.pattern(rule.Pattern)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s has an invalid validation pattern: %v", field, err))
		} else if !re.MatchString(value) {
			errs = append(errs, fmt.Sprintf("%s has an invalid format, got %q", field, value))
		}
	}
	return errs
}

func (a *ValidateRowAction) checkRange(field string, n float64, rule models.ValidationRule) []string {
	var tags []string
	if rule.Min != nil {
		tags = append(tags, "gte="+strconv.FormatFloat(*rule.Min, 'f', -1, 64))
	}
	if rule.Max != nil {
		tags = append(tags, "lte="+strconv.FormatFloat(*rule.Max, 'f', -1, 64))
	}
	err := a.validate.Var(n, strings.Join(tags, ","))
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return nil
	}
	out := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "gte":
			out = append(out, fmt.Sprintf("%s must be at least %s", field, fe.Param()))
		case "lte":
			out = append(out, fmt.Sprintf("%s must be at most %s", field, fe.Param()))
		}
	}
	return out
}

func typeMessage(field, typ, value string, err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 && verrs[0].Tag() == "excludes" {
		return fmt.Sprintf("%s must be a whole number, got %q", field, value)
	}
	switch typ {
	case "number", "integer":
		return fmt.Sprintf("%s must be a number, got %q", field, value)
	case "bool", "boolean":
		return fmt.Sprintf("%s must be yes or no, got %q", field, value)
	case "email":
		return fmt.Sprintf("%s must be an email address, got %q", field, value)
	case "barcode":
		return fmt.Sprintf("%s must be 8, 12, 13 or 14 digits, got %q", field, value)
	}
	return fmt.Sprintf("%s is not a valid %s, got %q", field, typ, value)
}

func (a *ValidateRowAction) pattern(expr string) (*regexp.Regexp, error) {
	if cached, ok := a.patterns.Load(expr); ok {
		return cached.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	a.patterns.Store(expr, re)
	return re, nil
}
