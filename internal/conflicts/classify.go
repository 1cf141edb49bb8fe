package conflicts

import (
	"regexp"
	"strings"

	"products-import-service/internal/repository"
)

// ConflictKind is the closed set of conflict categories resolvers are keyed by
type ConflictKind int

const (
	KindUnknown ConflictKind = iota
	KindDuplicateSku
	KindDuplicateBarcode
	KindVariantConstraint
	KindUniqueConstraint
)

func (k ConflictKind) String() string {
	switch k {
	case KindDuplicateSku:
		return "duplicate_sku"
	case KindDuplicateBarcode:
		return "duplicate_barcode"
	case KindVariantConstraint:
		return "variant_constraint"
	case KindUniqueConstraint:
		return "unique_constraint"
	default:
		return "unknown_constraint"
	}
}

// Conflict is the classification of one failed write. It is derived from the
// structured violation where the store supplied one and from the error text otherwise.
type Conflict struct {
	Kind       ConflictKind
	Code       string
	Constraint string
	Table      string
	Columns    []string
	Values     []string
	Value      string
	Message    string
	Err        error
}

// Column returns the last offending column, the one that distinguishes the key
func (c *Conflict) Column() string {
	if len(c.Columns) == 0 {
		return ""
	}
	return c.Columns[len(c.Columns)-1]
}

var (
	pgConstraintRe = regexp.MustCompile(`duplicate key value violates unique constraint "([^"]+)"`)
	pgKeyRe        = regexp.MustCompile(`Key \((.+?)\)=\((.+?)\) already exists`)
	mysqlRe        = regexp.MustCompile(`Duplicate entry '(.+?)' for key '(.+?)'`)
	sqliteRe       = regexp.MustCompile(`UNIQUE constraint failed: (\w+)\.(\w+)`)
)

// Classify turns a write error into a Conflict. Message scraping only fills
// fields the structured violation left empty, so a changed message format
// degrades to KindUnknown rather than misrouting.
func Classify(err error) *Conflict {
	c := &Conflict{Err: err}
	if err == nil {
		return c
	}
	c.Message = err.Error()

	if cv, ok := repository.AsConstraintViolation(err); ok {
		c.Code = cv.Code
		c.Constraint = cv.Constraint
		c.Table = cv.Table
		c.Message = cv.Message
		if cv.Column != "" {
			c.Columns = []string{cv.Column}
			c.Values = []string{cv.Value}
			c.Value = cv.Value
		}
	}

	scrape(c)
	c.Kind = kindOf(c)
	return c
}

func scrape(c *Conflict) {
	msg := c.Message

	if m := pgConstraintRe.FindStringSubmatch(msg); m != nil {
		if c.Constraint == "" {
			c.Constraint = m[1]
		}
		if c.Code == "" {
			c.Code = repository.SQLStateUniqueViolation
		}
	}
	if m := pgKeyRe.FindStringSubmatch(msg); m != nil {
		cols := splitList(m[1], ",", -1)
		// values may contain ", " themselves; the surplus belongs to the last column
		vals := splitList(m[2], ", ", len(cols))
		structured := len(c.Columns) > 0
		if !structured || (len(cols) == len(vals) && cols[len(cols)-1] == c.Column()) {
			c.Columns = cols
			if len(cols) == len(vals) {
				c.Values = vals
			} else {
				c.Values = []string{m[2]}
			}
		}
		if !structured && len(c.Values) > 0 {
			c.Value = c.Values[len(c.Values)-1]
		}
	}
	if m := mysqlRe.FindStringSubmatch(msg); m != nil {
		if c.Value == "" {
			c.Value = m[1]
		}
		if c.Constraint == "" {
			key := m[2]
			if i := strings.LastIndex(key, "."); i >= 0 {
				if c.Table == "" {
					c.Table = key[:i]
				}
				key = key[i+1:]
			}
			c.Constraint = key
		}
	}
	if m := sqliteRe.FindStringSubmatch(msg); m != nil {
		if c.Table == "" {
			c.Table = m[1]
		}
		if len(c.Columns) == 0 {
			c.Columns = []string{m[2]}
		}
	}
}

func splitList(s, sep string, n int) []string {
	parts := strings.SplitN(s, sep, n)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		out = append(out, strings.TrimSpace(p))
	}
	return out
}

func isUnique(c *Conflict) bool {
	if c.Code != "" {
		return c.Code == repository.SQLStateUniqueViolation
	}
	lower := strings.ToLower(c.Message)
	return strings.Contains(lower, "duplicate key") ||
		strings.Contains(lower, "unique constraint") ||
		strings.Contains(lower, "duplicate entry")
}

func kindOf(c *Conflict) ConflictKind {
	if !isUnique(c) {
		return KindUnknown
	}

	name := strings.ToLower(c.Constraint)
	if name == "" {
		// sqlite reports columns, not index names
		name = strings.ToLower(c.Table + "_" + strings.Join(c.Columns, "_"))
	}
	switch {
	case strings.Contains(name, "barcode"):
		return KindDuplicateBarcode
	case strings.Contains(name, "sku"):
		return KindDuplicateSku
	case strings.Contains(name, "color") && strings.Contains(name, "size"):
		return KindVariantConstraint
	default:
		return KindUniqueConstraint
	}
}
