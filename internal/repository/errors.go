package repository

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

var (
	ErrNotFound = errors.New("not found")
)

// SQLSTATE codes of the integrity constraint violation class
const (
	SQLStateUniqueViolation     = "23505"
	SQLStateForeignKeyViolation = "23503"
	SQLStateNotNullViolation    = "23502"
	SQLStateCheckViolation      = "23514"
)

// ConstraintViolation is the structured signal a write raises when the store
// rejects it on an integrity constraint. Fields the driver could not supply are
// left empty and recovered from Message by the conflict classifier.
type ConstraintViolation struct {
	Code       string
	Constraint string
	Table      string
	Column     string
	Value      string
	Message    string
	Err        error
}

func (e *ConstraintViolation) Error() string {
	return e.Message
}

func (e *ConstraintViolation) Unwrap() error {
	return e.Err
}

// IsUnique reports whether the violation is a uniqueness violation
func (e *ConstraintViolation) IsUnique() bool {
	return e.Code == SQLStateUniqueViolation
}

// AsConstraintViolation extracts a ConstraintViolation from an error chain
func AsConstraintViolation(err error) (*ConstraintViolation, bool) {
	var cv *ConstraintViolation
	if errors.As(err, &cv) {
		return cv, true
	}
	return nil, false
}

// NewUniqueViolation builds a violation shaped exactly like the one postgres
// reports for a unique index, including the DETAIL line.
func NewUniqueViolation(table, constraint string, columns, values []string) *ConstraintViolation {
	msg := fmt.Sprintf("duplicate key value violates unique constraint %q", constraint)
	detail := fmt.Sprintf("Key (%s)=(%s) already exists.", strings.Join(columns, ", "), strings.Join(values, ", "))
	cv := &ConstraintViolation{
		Code:       SQLStateUniqueViolation,
		Constraint: constraint,
		Table:      table,
		Message:    msg + "\nDETAIL: " + detail,
	}
	if len(columns) > 0 {
		cv.Column = columns[len(columns)-1]
		cv.Value = values[len(values)-1]
	}
	return cv
}

// translateError maps driver errors onto repository errors
func translateError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "23") {
		msg := pgErr.Message
		if pgErr.Detail != "" {
			msg += "\nDETAIL: " + pgErr.Detail
		}
		return &ConstraintViolation{
			Code:       pgErr.Code,
			Constraint: pgErr.ConstraintName,
			Table:      pgErr.TableName,
			Column:     pgErr.ColumnName,
			Message:    msg,
			Err:        err,
		}
	}

	// gorm with TranslateError enabled hides the driver error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return &ConstraintViolation{
			Code:    SQLStateUniqueViolation,
			Message: err.Error(),
			Err:     err,
		}
	}
	return err
}
