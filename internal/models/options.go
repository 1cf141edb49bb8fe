package models

// ImportMode governs whether an import creates, updates, or both
type ImportMode string

const (
	ImportModeCreateOnly     ImportMode = "create_only"
	ImportModeUpdateExisting ImportMode = "update_existing"
	ImportModeCreateOrUpdate ImportMode = "create_or_update"
)

// Valid reports whether the mode is one of the known import modes
func (m ImportMode) Valid() bool {
	switch m {
	case ImportModeCreateOnly, ImportModeUpdateExisting, ImportModeCreateOrUpdate:
		return true
	}
	return false
}

// BarcodeStrategy selects how duplicate barcodes are resolved
type BarcodeStrategy string

const (
	BarcodeStrategySkipRow         BarcodeStrategy = "skip_row"
	BarcodeStrategyRemoveBarcode   BarcodeStrategy = "remove_barcode"
	BarcodeStrategyAcceptExisting  BarcodeStrategy = "accept_existing"
	BarcodeStrategyReassignBarcode BarcodeStrategy = "reassign_barcode"
)

// VariantStrategy selects how (product, color, size) collisions are resolved
type VariantStrategy string

const (
	VariantStrategyMerge            VariantStrategy = "merge"
	VariantStrategyModifyAttributes VariantStrategy = "modify_attributes"
	VariantStrategySkip             VariantStrategy = "skip"
)

// FieldStrategy is a generic unique-constraint policy for one field
type FieldStrategy string

const (
	FieldStrategySkip           FieldStrategy = "skip"
	FieldStrategyGenerateUnique FieldStrategy = "generate_unique"
	FieldStrategyAppendSuffix   FieldStrategy = "append_suffix"
	FieldStrategyNullField      FieldStrategy = "null_field"
	FieldStrategyFail           FieldStrategy = "fail"
)

// ValidationRule describes the checks applied to one row field
type ValidationRule struct {
	Required  bool     `json:"required,omitempty" yaml:"required,omitempty"`
	Type      string   `json:"type,omitempty" yaml:"type,omitempty"` // string, number, integer, bool, email, barcode
	Pattern   string   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Min       *float64 `json:"min,omitempty" yaml:"min,omitempty"`
	Max       *float64 `json:"max,omitempty" yaml:"max,omitempty"`
	MaxLength int      `json:"maxLength,omitempty" yaml:"max_length,omitempty"`
}

type SkuConflictOptions struct {
	GenerateUniqueSKU bool `json:"generateUniqueSku" yaml:"generate_unique_sku"`
}

type BarcodeConflictOptions struct {
	Strategy          BarcodeStrategy `json:"strategy" yaml:"strategy"`
	AllowReassignment bool            `json:"allowReassignment" yaml:"allow_reassignment"`
}

type VariantConflictOptions struct {
	Strategy VariantStrategy `json:"strategy" yaml:"strategy"`
}

type UniqueConflictOptions struct {
	FieldStrategies map[string]FieldStrategy `json:"fieldStrategies,omitempty" yaml:"field_strategies,omitempty"`
	DefaultStrategy FieldStrategy            `json:"defaultStrategy" yaml:"default_strategy"`
}

// ConflictResolutionOptions is the per-resolver sub-configuration
type ConflictResolutionOptions struct {
	DuplicateSKU      SkuConflictOptions     `json:"duplicateSku" yaml:"duplicate_sku"`
	DuplicateBarcode  BarcodeConflictOptions `json:"duplicateBarcode" yaml:"duplicate_barcode"`
	VariantConstraint VariantConflictOptions `json:"variantConstraint" yaml:"variant_constraint"`
	UniqueConstraint  UniqueConflictOptions  `json:"uniqueConstraint" yaml:"unique_constraint"`
}

// ImportOptions is the configuration a row pipeline is built from
type ImportOptions struct {
	ImportMode                  ImportMode                `json:"importMode" yaml:"import_mode"`
	UseSKUGrouping              bool                      `json:"useSkuGrouping" yaml:"use_sku_grouping"`
	ExtractMTM                  bool                      `json:"extractMtm" yaml:"extract_mtm"`
	ExtractDimensions           bool                      `json:"extractDimensions" yaml:"extract_dimensions"`
	ValidateRows                bool                      `json:"validateRows" yaml:"validate_rows"`
	ValidationRules             map[string]ValidationRule `json:"validationRules,omitempty" yaml:"validation_rules,omitempty"`
	MaxRetries                  int                       `json:"maxRetries" yaml:"max_retries"`
	HaltOnUnresolvableConflicts bool                      `json:"haltOnUnresolvableConflicts" yaml:"halt_on_unresolvable_conflicts"`
	ConflictResolution          ConflictResolutionOptions `json:"conflictResolution" yaml:"conflict_resolution"`
	TimeoutSeconds              float64                   `json:"timeoutSeconds" yaml:"timeout_seconds"`
	MiddlewareRetries           int                       `json:"middlewareRetries" yaml:"middleware_retries"`
	LogSuccesses                bool                      `json:"logSuccesses" yaml:"log_successes"`
	LogFailures                 bool                      `json:"logFailures" yaml:"log_failures"`
	LogContext                  bool                      `json:"logContext" yaml:"log_context"`
	Currency                    string                    `json:"currency" yaml:"currency"`
	Concurrency                 int                       `json:"concurrency" yaml:"concurrency"`
	BatchSize                   int                       `json:"batchSize" yaml:"batch_size"`
	ValidateOnly                bool                      `json:"validateOnly" yaml:"validate_only"`
}

const (
	DefaultMaxRetries  = 3
	DefaultBatchSize   = 100
	MaxBatchSize       = 500
	DefaultConcurrency = 4
	DefaultCurrency    = "USD"
)

// DefaultImportOptions returns the options used when nothing is configured
func DefaultImportOptions() ImportOptions {
	opts := ImportOptions{
		ImportMode:        ImportModeCreateOrUpdate,
		ExtractMTM:        true,
		ExtractDimensions: true,
		ValidateRows:      true,
		ValidationRules:   DefaultValidationRules(),
		LogFailures:       true,
	}
	opts.Normalize()
	return opts
}

// Normalize fills zero values with defaults and clamps out-of-range numbers
func (o *ImportOptions) Normalize() {
	if !o.ImportMode.Valid() {
		o.ImportMode = ImportModeCreateOrUpdate
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.Currency == "" {
		o.Currency = DefaultCurrency
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	if o.BatchSize > MaxBatchSize {
		o.BatchSize = MaxBatchSize
	}
	if o.Concurrency <= 0 {
		o.Concurrency = DefaultConcurrency
	}
	if o.TimeoutSeconds < 0 {
		o.TimeoutSeconds = 0
	}
	if o.MiddlewareRetries < 0 {
		o.MiddlewareRetries = 0
	}
	if o.ValidateRows && o.ValidationRules == nil {
		o.ValidationRules = DefaultValidationRules()
	}

	cr := &o.ConflictResolution
	if cr.DuplicateBarcode.Strategy == "" {
		cr.DuplicateBarcode.Strategy = BarcodeStrategyRemoveBarcode
	}
	if cr.VariantConstraint.Strategy == "" {
		cr.VariantConstraint.Strategy = VariantStrategyMerge
	}
	if cr.UniqueConstraint.DefaultStrategy == "" {
		cr.UniqueConstraint.DefaultStrategy = FieldStrategyFail
	}
}

// Clone returns a deep copy safe to modify per request
func (o ImportOptions) Clone() ImportOptions {
	out := o
	if o.ValidationRules != nil {
		out.ValidationRules = make(map[string]ValidationRule, len(o.ValidationRules))
		for k, v := range o.ValidationRules {
			out.ValidationRules[k] = v
		}
	}
	if o.ConflictResolution.UniqueConstraint.FieldStrategies != nil {
		fs := make(map[string]FieldStrategy, len(o.ConflictResolution.UniqueConstraint.FieldStrategies))
		for k, v := range o.ConflictResolution.UniqueConstraint.FieldStrategies {
			fs[k] = v
		}
		out.ConflictResolution.UniqueConstraint.FieldStrategies = fs
	}
	return out
}

// ToJSON flattens the options for storage on the import session
func (o ImportOptions) ToJSON() *JSON {
	return &JSON{
		"importMode":                  string(o.ImportMode),
		"useSkuGrouping":              o.UseSKUGrouping,
		"extractMtm":                  o.ExtractMTM,
		"extractDimensions":           o.ExtractDimensions,
		"validateRows":                o.ValidateRows,
		"maxRetries":                  o.MaxRetries,
		"haltOnUnresolvableConflicts": o.HaltOnUnresolvableConflicts,
		"generateUniqueSku":           o.ConflictResolution.DuplicateSKU.GenerateUniqueSKU,
		"barcodeStrategy":             string(o.ConflictResolution.DuplicateBarcode.Strategy),
		"allowBarcodeReassignment":    o.ConflictResolution.DuplicateBarcode.AllowReassignment,
		"variantStrategy":             string(o.ConflictResolution.VariantConstraint.Strategy),
		"timeoutSeconds":              o.TimeoutSeconds,
		"currency":                    o.Currency,
		"validateOnly":                o.ValidateOnly,
	}
}

func floatPtr(f float64) *float64 {
	return &f
}

// DefaultValidationRules returns the rule set for the standard import columns
func DefaultValidationRules() map[string]ValidationRule {
	return map[string]ValidationRule{
		"name":            {Required: true, Type: "string", MaxLength: 255},
		"sku":             {Required: true, Type: "string", MaxLength: 100, Pattern: `^[A-Za-z0-9][A-Za-z0-9._/-]*$`},
		"price":           {Required: true, Type: "number", Min: floatPtr(0)},
		"compare_price":   {Type: "number", Min: floatPtr(0)},
		"cost_price":      {Type: "number", Min: floatPtr(0)},
		"quantity":        {Type: "integer", Min: floatPtr(0)},
		"weight":          {Type: "number", Min: floatPtr(0)},
		"package_length":  {Type: "number", Min: floatPtr(0)},
		"package_width":   {Type: "number", Min: floatPtr(0)},
		"package_height":  {Type: "number", Min: floatPtr(0)},
		"barcode":         {Type: "barcode"},
		"made_to_measure": {Type: "bool"},
		"currency":        {Type: "string", Pattern: `^[A-Za-z]{3}$`},
	}
}
