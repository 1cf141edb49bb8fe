package handlers

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
	"golang.org/x/sync/errgroup"
	"products-import-service/internal/actions"
	"products-import-service/internal/conflicts"
	"products-import-service/internal/events"
	"products-import-service/internal/metrics"
	"products-import-service/internal/models"
	"products-import-service/internal/pipeline"
	"products-import-service/internal/repository"
)

const templateSheet = "Products"

// Store is everything an import run persists through
type Store interface {
	repository.ImportStore
	repository.SessionStore
}

type ImportHandler struct {
	store      Store
	defaults   models.ImportOptions
	events     actions.EventSink
	categories actions.CategoryLookup
	metrics    *metrics.ImportMetrics
	logger     *logrus.Entry
}

func NewImportHandler(store Store, defaults models.ImportOptions, sink actions.EventSink, m *metrics.ImportMetrics, logger *logrus.Logger) *ImportHandler {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ImportHandler{
		store:    store,
		defaults: defaults,
		events:   sink,
		metrics:  m,
		logger:   logger.WithField("component", "import_handler"),
	}
}

// WithCategories lets rows name their category instead of passing its id
func (h *ImportHandler) WithCategories(categories actions.CategoryLookup) *ImportHandler {
	h.categories = categories
	return h
}

func errorResponse(c *gin.Context, status int, code, message string) {
	c.JSON(status, models.ErrorResponse{
		Success: false,
		Error: models.Error{
			Code:    code,
			Message: message,
		},
	})
}

// GetImportTemplate returns the import template definition or file
// GET /api/v1/products/import/template
func (h *ImportHandler) GetImportTemplate(c *gin.Context) {
	template := models.ProductImportTemplate()

	switch c.DefaultQuery("format", "json") {
	case "csv":
		h.generateCSVTemplate(c, template)
	case "xlsx":
		h.generateXLSXTemplate(c, template)
	default:
		c.JSON(http.StatusOK, gin.H{
			"success":  true,
			"template": template,
		})
	}
}

// generateCSVTemplate downloads a CSV template with the header row only
func (h *ImportHandler) generateCSVTemplate(c *gin.Context, template models.ImportTemplate) {
	c.Header("Content-Type", "text/csv")
	c.Header("Content-Disposition", "attachment; filename=products_import_template.csv")

	writer := csv.NewWriter(c.Writer)
	defer writer.Flush()

	headers := make([]string, len(template.Columns))
	for i, col := range template.Columns {
		headers[i] = col.Name
	}
	if err := writer.Write(headers); err != nil {
		h.logger.WithError(err).Warn("Failed to write CSV template")
	}
}

// generateXLSXTemplate downloads an Excel template with an instructions sheet
func (h *ImportHandler) generateXLSXTemplate(c *gin.Context, template models.ImportTemplate) {
	f := excelize.NewFile()
	defer f.Close()

	f.SetSheetName("Sheet1", templateSheet)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})
	requiredStyle, _ := f.NewStyle(&excelize.Style{
		Font:   &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:   excelize.Fill{Type: "pattern", Color: []string{"C65911"}, Pattern: 1},
		Border: []excelize.Border{{Type: "bottom", Color: "000000", Style: 1}},
	})

	for i, col := range template.Columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		headerText := col.Name
		style := headerStyle
		if col.Required {
			headerText = col.Name + " *"
			style = requiredStyle
		}
		f.SetCellValue(templateSheet, cell, headerText)
		f.SetCellStyle(templateSheet, cell, cell, style)

		colName, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(templateSheet, colName, colName, 20)
	}
	for r, sample := range template.SampleData {
		for i, col := range template.Columns {
			cell, _ := excelize.CoordinatesToCellName(i+1, r+2)
			if v := sample[col.Name]; v != "" {
				f.SetCellValue(templateSheet, cell, v)
			}
		}
	}

	const instructions = "Instructions"
	f.NewSheet(instructions)
	lines := []string{
		"Product Import Instructions",
		"",
		"ROWS AND VARIANTS:",
		"- Each row is one variant. Rows with the same name become variants of one product.",
		"- With SKU grouping on, the SKU without its last '-' segment groups variants instead.",
		"- Width, drop and made-to-measure are read from the name when their columns are empty.",
		"",
		"CONFLICTS:",
		"- Duplicate SKUs are skipped, updated or given a new SKU depending on the import mode.",
		"- Duplicate barcodes follow the barcode strategy; reassigning a barcode must be allowed explicitly.",
		"- Every resolution is listed per row in the import result.",
		"",
		"Column Definitions:",
	}
	for i, line := range lines {
		f.SetCellValue(instructions, fmt.Sprintf("A%d", i+1), line)
	}

	head := len(lines) + 1
	for i, title := range []string{"Column", "Description", "Required", "Type", "Example"} {
		cell, _ := excelize.CoordinatesToCellName(i+1, head)
		f.SetCellValue(instructions, cell, title)
	}
	for i, col := range template.Columns {
		row := head + 1 + i
		required := "Optional"
		if col.Required {
			required = "Required"
		}
		f.SetCellValue(instructions, fmt.Sprintf("A%d", row), col.Name)
		f.SetCellValue(instructions, fmt.Sprintf("B%d", row), col.Description)
		f.SetCellValue(instructions, fmt.Sprintf("C%d", row), required)
		f.SetCellValue(instructions, fmt.Sprintf("D%d", row), col.Type)
		f.SetCellValue(instructions, fmt.Sprintf("E%d", row), col.Example)
	}
	f.SetColWidth(instructions, "A", "A", 25)
	f.SetColWidth(instructions, "B", "B", 70)
	f.SetColWidth(instructions, "C", "D", 15)
	f.SetColWidth(instructions, "E", "E", 30)

	sheetIdx, _ := f.GetSheetIndex(templateSheet)
	f.SetActiveSheet(sheetIdx)

	c.Header("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	c.Header("Content-Disposition", "attachment; filename=products_import_template.xlsx")
	if err := f.Write(c.Writer); err != nil {
		h.logger.WithError(err).Warn("Failed to write XLSX template")
	}
}

// ImportProducts imports product variants from a CSV or Excel file
// POST /api/v1/products/import
func (h *ImportHandler) ImportProducts(c *gin.Context) {
	startTime := time.Now()
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		errorResponse(c, http.StatusUnauthorized, "TENANT_REQUIRED", "Tenant context is required")
		return
	}
	userID := c.GetString("user_id")

	file, header, err := c.Request.FormFile("file")
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		errorResponse(c, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
			fmt.Sprintf("Uploads are limited to %d bytes", tooLarge.Limit))
		return
	}
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "FILE_REQUIRED", "Please upload a CSV or Excel file")
		return
	}
	defer file.Close()

	format, err := detectFormat(header.Filename)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_FORMAT", "Only CSV and XLSX files are supported")
		return
	}

	opts, err := requestOptions(c, h.defaults)
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_OPTIONS", err.Error())
		return
	}

	rows, err := parseUpload(format, file)
	if errors.Is(err, ErrNoDataRows) {
		errorResponse(c, http.StatusBadRequest, "EMPTY_FILE", "The file contains no data rows")
		return
	}
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "PARSE_ERROR", err.Error())
		return
	}

	now := time.Now()
	session := &models.ImportSession{
		TenantID:   tenantID,
		FileName:   header.Filename,
		Format:     format,
		Status:     models.ImportStatusProcessing,
		ImportMode: opts.ImportMode,
		TotalRows:  len(rows),
		Options:    opts.ToJSON(),
		StartedAt:  &now,
	}
	if userID != "" {
		session.CreatedBy = &userID
	}
	if err := h.store.CreateImportSession(c.Request.Context(), session); err != nil {
		h.logger.WithError(err).WithField("tenant_id", tenantID).Error("Failed to create import session")
		errorResponse(c, http.StatusInternalServerError, "SESSION_ERROR", "Failed to start import")
		return
	}

	ctx := events.WithActor(c.Request.Context(), events.Actor{
		ID:    userID,
		Email: c.GetString("user_email"),
	})
	result, runErr := h.run(ctx, session, rows, opts)
	result.ProcessingMs = time.Since(startTime).Milliseconds()
	if result.TotalBatches > 0 {
		result.AvgBatchMs = result.ProcessingMs / int64(result.TotalBatches)
	}

	h.finishSession(session, result, runErr)
	if runErr != nil {
		errorResponse(c, http.StatusInternalServerError, "IMPORT_ABORTED", runErr.Error())
		return
	}
	c.JSON(http.StatusOK, result)
}

// run pushes every row through the pipeline in batches. Rows of a batch run
// concurrently up to opts.Concurrency and share one conflict resolver.
func (h *ImportHandler) run(ctx context.Context, session *models.ImportSession, rows []sheetRow, opts models.ImportOptions) (*models.ImportResult, error) {
	resolver := conflicts.NewDefaultConflictResolver(h.store,
		conflicts.WithLogger(h.logger),
		conflicts.WithHooks(h.metrics.ConflictHooks()),
	)
	deps := actions.Dependencies{
		Store:      h.store,
		Resolver:   resolver,
		Events:     h.events,
		Categories: h.categories,
		Logger:     h.logger.WithField("session_id", session.ID),
	}
	var p *pipeline.ActionPipeline
	if opts.ValidateOnly {
		p = actions.NewValidationPipeline(deps, opts)
	} else {
		p = actions.NewImportPipeline(deps, opts)
	}

	totalBatches := (len(rows) + opts.BatchSize - 1) / opts.BatchSize
	result := &models.ImportResult{
		SessionID:    session.ID.String(),
		ValidateOnly: opts.ValidateOnly,
		TotalRows:    len(rows),
		TotalBatches: totalBatches,
		Rows:         make([]models.RowOutcome, 0, len(rows)),
		BatchResults: make([]models.BatchResult, 0, totalBatches),
	}

	for batchNum := 0; batchNum < totalBatches; batchNum++ {
		start := batchNum * opts.BatchSize
		end := start + opts.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch, err := h.runBatch(ctx, p, session, rows[start:end], opts, batchNum+1)
		if err != nil {
			result.ConflictStatistics = resolver.Statistics().ToMap()
			return result, fmt.Errorf("batch %d: %w", batchNum+1, err)
		}

		batchResult := models.BatchResult{
			BatchNumber: batchNum + 1,
			StartRow:    rows[start].Line,
			EndRow:      rows[end-1].Line,
		}
		var took int64
		for _, outcome := range batch {
			result.Tally(outcome)
			result.Rows = append(result.Rows, outcome)
			switch outcome.Action {
			case models.RowActionCreated:
				batchResult.CreatedCount++
			case models.RowActionUpdated:
				batchResult.UpdatedCount++
			case models.RowActionSkipped:
				batchResult.SkippedCount++
			}
			if !outcome.Success {
				batchResult.FailedCount++
			}
			took += outcome.DurationMs
		}
		batchResult.Success = batchResult.FailedCount == 0
		batchResult.DurationMs = took
		result.BatchResults = append(result.BatchResults, batchResult)

		h.logger.WithFields(logrus.Fields{
			"session_id": session.ID,
			"batch":      batchNum + 1,
			"rows":       len(batch),
			"failed":     batchResult.FailedCount,
		}).Debug("Import batch processed")
	}

	result.ConflictStatistics = resolver.Statistics().ToMap()
	result.Success = result.FailedCount == 0 || result.SuccessCount > 0
	return result, nil
}

func (h *ImportHandler) runBatch(ctx context.Context, p *pipeline.ActionPipeline, session *models.ImportSession, rows []sheetRow, opts models.ImportOptions, batchNum int) ([]models.RowOutcome, error) {
	outcomes := make([]models.RowOutcome, len(rows))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.Concurrency)

	for i := range rows {
		i, row := i, rows[i]
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			rowOpts := opts
			actx := pipeline.NewActionContext(session.TenantID, row.Values, &rowOpts).
				WithRow(row.Line).
				WithSession(session)

			started := time.Now()
			res, err := p.Execute(gctx, actx)
			took := time.Since(started)
			if err != nil {
				// only reachable when the pipeline runs without error handling
				res = pipeline.FromError(pipeline.KindInfrastructure, err)
			}
			outcomes[i] = rowOutcome(row.Line, res, opts.ValidateOnly, took)
			h.metrics.ObserveRow(outcomes[i].Action, res.Kind, took)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

// rowOutcome turns a pipeline result into the per-row report entry
func rowOutcome(line int, res *pipeline.ActionResult, validateOnly bool, took time.Duration) models.RowOutcome {
	out := models.RowOutcome{
		Row:        line,
		Success:    res.Success,
		Message:    res.Message,
		DurationMs: took.Milliseconds(),
		ProductID:  res.DataString(actions.KeyProductID),
		VariantID:  res.DataString(actions.KeyVariantID),
	}
	if attempts, ok := res.Data[actions.KeyAttempts].(int); ok {
		out.Attempts = attempts
	}
	if history, ok := res.Data[actions.KeyResolutionsApplied].([]map[string]interface{}); ok && len(history) > 0 {
		out.Resolutions = history
	}

	switch {
	case !res.Success:
		out.Action = models.RowActionFailed
		out.Kind = string(res.Kind)
		out.Errors = res.Errors
	case validateOnly:
		out.Action = models.RowActionValidated
	default:
		out.Action = res.DataString(actions.KeyAction)
		if out.Action == "" {
			out.Action = models.RowActionUpdated
		}
	}
	return out
}

func (h *ImportHandler) finishSession(session *models.ImportSession, result *models.ImportResult, runErr error) {
	completed := time.Now()
	session.ProcessedRows = len(result.Rows)
	session.CreatedCount = result.CreatedCount
	session.UpdatedCount = result.UpdatedCount
	session.SkippedCount = result.SkippedCount
	session.FailedCount = result.FailedCount
	session.CompletedAt = &completed
	if result.ConflictStatistics != nil {
		stats := models.JSON(result.ConflictStatistics)
		session.Statistics = &stats
	}
	session.Status = models.ImportStatusCompleted
	if runErr != nil {
		msg := runErr.Error()
		session.Status = models.ImportStatusFailed
		session.ErrorMessage = &msg
	}

	// the request context may already be gone when a client disconnects
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.store.UpdateImportSession(ctx, session); err != nil {
		h.logger.WithError(err).WithField("session_id", session.ID).Error("Failed to save import session")
	}
	h.metrics.ObserveImport(session.Status)

	h.logger.WithFields(logrus.Fields{
		"session_id": session.ID,
		"tenant_id":  session.TenantID,
		"status":     session.Status,
		"created":    session.CreatedCount,
		"updated":    session.UpdatedCount,
		"skipped":    session.SkippedCount,
		"failed":     session.FailedCount,
	}).Info("Import finished")
}

// GetImportSession returns the status and counters of an import
// GET /api/v1/products/import/sessions/:id
func (h *ImportHandler) GetImportSession(c *gin.Context) {
	tenantID := c.GetString("tenant_id")
	if tenantID == "" {
		errorResponse(c, http.StatusUnauthorized, "TENANT_REQUIRED", "Tenant context is required")
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		errorResponse(c, http.StatusBadRequest, "INVALID_ID", "Invalid import session ID")
		return
	}

	session, err := h.store.GetImportSession(c.Request.Context(), tenantID, id)
	if errors.Is(err, repository.ErrNotFound) {
		errorResponse(c, http.StatusNotFound, "NOT_FOUND", "Import session not found")
		return
	}
	if err != nil {
		h.logger.WithError(err).WithField("session_id", id).Error("Failed to load import session")
		errorResponse(c, http.StatusInternalServerError, "SESSION_ERROR", "Failed to load import session")
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true, "data": session})
}
