package pipeline

import (
	"fmt"
	"strconv"
	"strings"

	"products-import-service/internal/models"
)

// ActionContext is the state threaded through one row's processing.
// Data is the row's working state, Metadata holds notes that are never persisted.
type ActionContext struct {
	Data      map[string]interface{}
	Metadata  map[string]interface{}
	Options   *models.ImportOptions
	RowNumber int
	TenantID  string
	Session   *models.ImportSession
}

// NewActionContext creates a context for one row. The row map is copied.
func NewActionContext(tenantID string, row map[string]interface{}, opts *models.ImportOptions) *ActionContext {
	data := make(map[string]interface{}, len(row))
	for k, v := range row {
		data[k] = v
	}
	if opts == nil {
		defaults := models.DefaultImportOptions()
		opts = &defaults
	}
	return &ActionContext{
		Data:     data,
		Metadata: make(map[string]interface{}),
		Options:  opts,
		TenantID: tenantID,
	}
}

// WithRow sets the 1-based spreadsheet row number
func (c *ActionContext) WithRow(row int) *ActionContext {
	c.RowNumber = row
	return c
}

// WithSession attaches the parent import session
func (c *ActionContext) WithSession(session *models.ImportSession) *ActionContext {
	c.Session = session
	return c
}

// Get returns a data value
func (c *ActionContext) Get(key string) (interface{}, bool) {
	v, ok := c.Data[key]
	return v, ok
}

// Has reports whether key is present with a non-empty value
func (c *ActionContext) Has(key string) bool {
	v, ok := c.Data[key]
	if !ok || v == nil {
		return false
	}
	if s, isString := v.(string); isString {
		return strings.TrimSpace(s) != ""
	}
	return true
}

// GetString returns a data value rendered as a trimmed string
func (c *ActionContext) GetString(key string) string {
	v, ok := c.Data[key]
	if !ok {
		return ""
	}
	return AsString(v)
}

// GetInt returns a data value parsed as an int, or def
func (c *ActionContext) GetInt(key string, def int) int {
	v, ok := c.Data[key]
	if !ok || v == nil {
		return def
	}
	switch n := v.(type) {
	case int:
		return n
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	s := AsString(v)
	if s == "" {
		return def
	}
	if i, err := strconv.Atoi(s); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int(f)
	}
	return def
}

// GetBool returns a data value parsed as a bool
func (c *ActionContext) GetBool(key string) bool {
	v, ok := c.Data[key]
	if !ok || v == nil {
		return false
	}
	if b, isBool := v.(bool); isBool {
		return b
	}
	return ParseBool(AsString(v))
}

// Set writes a data value
func (c *ActionContext) Set(key string, value interface{}) {
	c.Data[key] = value
}

// Delete removes a data value
func (c *ActionContext) Delete(key string) {
	delete(c.Data, key)
}

// MergeData merges updates into the row data; nil values delete the key
func (c *ActionContext) MergeData(updates map[string]interface{}) {
	for k, v := range updates {
		if v == nil {
			delete(c.Data, k)
			continue
		}
		c.Data[k] = v
	}
}

// SetMeta writes a metadata value
func (c *ActionContext) SetMeta(key string, value interface{}) {
	if c.Metadata == nil {
		c.Metadata = make(map[string]interface{})
	}
	c.Metadata[key] = value
}

// Meta returns a metadata value
func (c *ActionContext) Meta(key string) (interface{}, bool) {
	v, ok := c.Metadata[key]
	return v, ok
}

// Snapshot returns a shallow copy of the row data
func (c *ActionContext) Snapshot() map[string]interface{} {
	out := make(map[string]interface{}, len(c.Data))
	for k, v := range c.Data {
		out[k] = v
	}
	return out
}

// AsString renders scalar row values the way spreadsheets present them
func AsString(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(s)
	case fmt.Stringer:
		return strings.TrimSpace(s.String())
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// ParseBool accepts the spellings spreadsheets use for booleans
func ParseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "y", "t", "on":
		return true
	}
	return false
}
