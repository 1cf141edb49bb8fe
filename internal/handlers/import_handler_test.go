package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
	"products-import-service/internal/metrics"
	"products-import-service/internal/models"
	memstore "products-import-service/internal/testutil"
)

const tenantID = "tenant-123"

type testEnv struct {
	store   *memstore.MemoryStore
	metrics *metrics.ImportMetrics
	router  *gin.Engine
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// setupTestRouter mounts the import routes behind a stub that sets the auth context
func setupTestRouter(tenant string) *testEnv {
	gin.SetMode(gin.TestMode)
	env := &testEnv{
		store:   memstore.NewMemoryStore(),
		metrics: metrics.NewImportMetrics(prometheus.NewRegistry(), "test"),
	}
	handler := NewImportHandler(env.store, models.DefaultImportOptions(), nil, env.metrics, quietLogger())

	router := gin.New()
	router.Use(func(c *gin.Context) {
		if tenant != "" {
			c.Set("tenant_id", tenant)
			c.Set("user_id", "user-1")
		}
		c.Next()
	})
	router.GET("/api/v1/products/import/template", handler.GetImportTemplate)
	router.POST("/api/v1/products/import", handler.ImportProducts)
	router.GET("/api/v1/products/import/sessions/:id", handler.GetImportSession)
	env.router = router
	return env
}

func uploadRequest(t *testing.T, filename string, content []byte, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	if filename != "" {
		part, err := w.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = part.Write(content)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/products/import", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decodeResult(t *testing.T, w *httptest.ResponseRecorder) models.ImportResult {
	t.Helper()
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var result models.ImportResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	return result
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) models.ErrorResponse {
	t.Helper()
	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestGetImportTemplate_JSON(t *testing.T) {
	env := setupTestRouter(tenantID)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/products/import/template", nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success  bool                  `json:"success"`
		Template models.ImportTemplate `json:"template"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, "products", resp.Template.Entity)
	assert.Equal(t, "name", resp.Template.Columns[0].Name)
}

func TestGetImportTemplate_CSV(t *testing.T) {
	env := setupTestRouter(tenantID)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/products/import/template?format=csv", nil))

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	assert.True(t, strings.HasPrefix(w.Body.String(), "name,sku,price,barcode"))
}

func TestGetImportTemplate_XLSX(t *testing.T) {
	env := setupTestRouter(tenantID)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/products/import/template?format=xlsx", nil))

	require.Equal(t, http.StatusOK, w.Code)
	f, err := excelize.OpenReader(bytes.NewReader(w.Body.Bytes()))
	require.NoError(t, err)
	defer f.Close()
	header, err := f.GetCellValue("Products", "A1")
	require.NoError(t, err)
	assert.Equal(t, "name *", header)
	assert.Contains(t, f.GetSheetList(), "Instructions")
}

func TestImportProducts_CSVCreatesProductsAndVariants(t *testing.T) {
	env := setupTestRouter(tenantID)
	csv := "Name *,SKU *,Price *,Color,Barcode\n" +
		"Roller Blind,RB-1,10,White,5012345678900\n" +
		"Roller Blind,RB-2,12,Grey,\n" +
		"Venetian Blind,VB-1,20,,\n"

	result := decodeResult(t, env.do(uploadRequest(t, "blinds.csv", []byte(csv), map[string]string{
		"concurrency": "1",
	})))

	assert.True(t, result.Success)
	assert.Equal(t, 3, result.TotalRows)
	assert.Equal(t, 3, result.CreatedCount)
	assert.Zero(t, result.FailedCount)
	require.Len(t, result.Rows, 3)
	assert.Equal(t, 2, result.Rows[0].Row)
	assert.Equal(t, models.RowActionCreated, result.Rows[0].Action)
	assert.NotEmpty(t, result.Rows[0].VariantID)
	assert.Equal(t, result.Rows[0].ProductID, result.Rows[1].ProductID)

	assert.Len(t, env.store.Products(tenantID), 2)
	assert.Len(t, env.store.Variants(tenantID), 3)
	owner, ok := env.store.BarcodeOwner(tenantID, "5012345678900")
	require.True(t, ok)
	assert.Equal(t, result.Rows[0].VariantID, owner.String())

	id, err := uuid.Parse(result.SessionID)
	require.NoError(t, err)
	session, err := env.store.GetImportSession(context.Background(), tenantID, id)
	require.NoError(t, err)
	assert.Equal(t, models.ImportStatusCompleted, session.Status)
	assert.Equal(t, 3, session.CreatedCount)
	require.NotNil(t, session.CreatedBy)
	assert.Equal(t, "user-1", *session.CreatedBy)

	assert.Equal(t, 3.0, testutil.ToFloat64(env.metrics.RowsProcessed.WithLabelValues("created")))
	assert.Equal(t, 1.0, testutil.ToFloat64(env.metrics.Imports.WithLabelValues("COMPLETED")))
}

func TestImportProducts_XLSX(t *testing.T) {
	env := setupTestRouter(tenantID)
	f := excelize.NewFile()
	f.SetSheetName("Sheet1", "Products")
	rows := [][]interface{}{
		{"name", "sku", "price", "Made To Measure"},
		{"Roller Blind 120 x 180cm", "RB-120", "49.99", ""},
	}
	for i, row := range rows {
		cell, _ := excelize.CoordinatesToCellName(1, i+1)
		require.NoError(t, f.SetSheetRow("Products", cell, &row))
	}
	buf, err := f.WriteToBuffer()
	require.NoError(t, err)

	result := decodeResult(t, env.do(uploadRequest(t, "blinds.xlsx", buf.Bytes(), nil)))

	require.Len(t, result.Rows, 1)
	assert.True(t, result.Rows[0].Success, result.Rows[0].Message)
	products := env.store.Products(tenantID)
	require.Len(t, products, 1)
	assert.Equal(t, "Roller Blind", products[0].Name)
	variants := env.store.Variants(tenantID)
	require.Len(t, variants, 1)
	require.NotNil(t, variants[0].Width)
	assert.Equal(t, "120cm", *variants[0].Width)
	require.NotNil(t, variants[0].Drop)
	assert.Equal(t, "180cm", *variants[0].Drop)
}

func TestImportProducts_DuplicateSKUSkippedInCreateOnly(t *testing.T) {
	env := setupTestRouter(tenantID)
	product := env.store.SeedProduct(tenantID, "Roller Blind")
	env.store.SeedVariant(models.ProductVariant{TenantID: tenantID, ProductID: product.ID, SKU: "RB-1", Color: "White"})
	csv := "name,sku,price,color\nRoller Blind,RB-1,10,Black\nRoller Blind,RB-3,10,Grey\n"

	result := decodeResult(t, env.do(uploadRequest(t, "blinds.csv", []byte(csv), map[string]string{
		"importMode":  "create_only",
		"concurrency": "1",
	})))

	require.Len(t, result.Rows, 2)
	assert.Equal(t, models.RowActionSkipped, result.Rows[0].Action)
	assert.True(t, result.Rows[0].Success)
	assert.Equal(t, 1, result.Rows[0].Attempts)
	require.Len(t, result.Rows[0].Resolutions, 1)
	assert.Equal(t, "skip_row", result.Rows[0].Resolutions[0]["strategy"])
	assert.Equal(t, models.RowActionCreated, result.Rows[1].Action)
	assert.Equal(t, 1, result.SkippedCount)
	assert.Equal(t, 1, result.CreatedCount)
	assert.EqualValues(t, 1, result.ConflictStatistics["conflicts_detected"])
}

func TestImportProducts_ValidateOnlyWritesNothing(t *testing.T) {
	env := setupTestRouter(tenantID)
	csv := "name,sku,price\nRoller Blind,RB-1,10\nRoller Blind,RB-2,free\n"

	result := decodeResult(t, env.do(uploadRequest(t, "blinds.csv", []byte(csv), map[string]string{
		"validateOnly": "true",
	})))

	assert.True(t, result.ValidateOnly)
	require.Len(t, result.Rows, 2)
	assert.Equal(t, models.RowActionValidated, result.Rows[0].Action)
	assert.Equal(t, models.RowActionFailed, result.Rows[1].Action)
	assert.Equal(t, "validation", result.Rows[1].Kind)
	require.NotEmpty(t, result.Errors)
	assert.Equal(t, 3, result.Errors[0].Row)
	assert.Equal(t, "ROW_VALIDATION", result.Errors[0].Code)
	assert.Empty(t, env.store.Products(tenantID))
	assert.Zero(t, env.store.Calls("CreateProduct"))
}

func TestImportProducts_BatchesRows(t *testing.T) {
	env := setupTestRouter(tenantID)
	var b strings.Builder
	b.WriteString("name,sku,price,size\n")
	for _, size := range []string{"S", "M", "L", "XL", "XXL"} {
		b.WriteString("Roller Blind,RB-" + size + ",10," + size + "\n")
	}

	result := decodeResult(t, env.do(uploadRequest(t, "blinds.csv", []byte(b.String()), map[string]string{
		"batchSize":   "2",
		"concurrency": "2",
	})))

	assert.Equal(t, 3, result.TotalBatches)
	require.Len(t, result.BatchResults, 3)
	assert.Equal(t, 2, result.BatchResults[0].StartRow)
	assert.Equal(t, 3, result.BatchResults[0].EndRow)
	assert.Equal(t, 6, result.BatchResults[2].StartRow)
	assert.Equal(t, 5, result.CreatedCount)
	assert.Len(t, env.store.Products(tenantID), 1)
}

func TestImportProducts_RequestErrors(t *testing.T) {
	tests := []struct {
		name     string
		tenant   string
		filename string
		content  string
		fields   map[string]string
		status   int
		code     string
	}{
		{"missing tenant", "", "a.csv", "name\nx\n", nil, http.StatusUnauthorized, "TENANT_REQUIRED"},
		{"missing file", tenantID, "", "", nil, http.StatusBadRequest, "FILE_REQUIRED"},
		{"unsupported format", tenantID, "a.txt", "name\nx\n", nil, http.StatusBadRequest, "INVALID_FORMAT"},
		{"bad import mode", tenantID, "a.csv", "name\nx\n", map[string]string{"importMode": "upsert"}, http.StatusBadRequest, "INVALID_OPTIONS"},
		{"bad options json", tenantID, "a.csv", "name\nx\n", map[string]string{"options": "{"}, http.StatusBadRequest, "INVALID_OPTIONS"},
		{"bad bool", tenantID, "a.csv", "name\nx\n", map[string]string{"extractMtm": "sometimes"}, http.StatusBadRequest, "INVALID_OPTIONS"},
		{"header only", tenantID, "a.csv", "name,sku\n", nil, http.StatusBadRequest, "EMPTY_FILE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := setupTestRouter(tt.tenant)

			w := env.do(uploadRequest(t, tt.filename, []byte(tt.content), tt.fields))

			assert.Equal(t, tt.status, w.Code)
			resp := decodeError(t, w)
			assert.False(t, resp.Success)
			assert.Equal(t, tt.code, resp.Error.Code)
		})
	}
}

func TestGetImportSession(t *testing.T) {
	env := setupTestRouter(tenantID)
	result := decodeResult(t, env.do(uploadRequest(t, "a.csv", []byte("name,sku,price\nRoller Blind,RB-1,10\n"), nil)))

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/products/import/sessions/"+result.SessionID, nil))

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Success bool                 `json:"success"`
		Data    models.ImportSession `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, models.ImportStatusCompleted, resp.Data.Status)
	assert.Equal(t, "a.csv", resp.Data.FileName)
	require.NotNil(t, resp.Data.Statistics)
}

func TestGetImportSession_NotFound(t *testing.T) {
	env := setupTestRouter(tenantID)

	w := env.do(httptest.NewRequest(http.MethodGet, "/api/v1/products/import/sessions/"+uuid.NewString(), nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = env.do(httptest.NewRequest(http.MethodGet, "/api/v1/products/import/sessions/not-a-uuid", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
