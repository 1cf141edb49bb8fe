package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"products-import-service/internal/events"
)

var ErrCategoryNotFound = errors.New("category not found")

// CategoriesClient resolves import category names against categories-service
type CategoriesClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logrus.Entry

	mu    sync.RWMutex
	cache map[string]string
}

// Category represents a category from categories-service
type Category struct {
	ID       string  `json:"id"`
	TenantID string  `json:"tenantId"`
	Name     string  `json:"name"`
	Slug     string  `json:"slug"`
	ParentID *string `json:"parentId,omitempty"`
	Status   string  `json:"status"`
	IsActive bool    `json:"isActive"`
}

// CreateCategoryRequest for creating a new category
type CreateCategoryRequest struct {
	Name   string `json:"name"`
	Status string `json:"status,omitempty"`
}

// CategoryResponse from categories-service
type CategoryResponse struct {
	Success bool      `json:"success"`
	Data    *Category `json:"data,omitempty"`
}

// CategoryListResponse from categories-service
type CategoryListResponse struct {
	Success bool       `json:"success"`
	Data    []Category `json:"data,omitempty"`
}

func NewCategoriesClient(baseURL string, logger *logrus.Logger) *CategoriesClient {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &CategoriesClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger: logger.WithField("component", "categories_client"),
		cache:  make(map[string]string),
	}
}

func cacheKey(tenantID, name string) string {
	return tenantID + "\x00" + strings.ToLower(strings.TrimSpace(name))
}

// EnsureCategory returns the id of the tenant's category called name,
// creating it when missing. Ids are cached for the client's lifetime, so a
// file with thousands of rows in one category costs one lookup.
func (c *CategoriesClient) EnsureCategory(ctx context.Context, tenantID, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("category name is required")
	}
	key := cacheKey(tenantID, name)

	c.mu.RLock()
	id, ok := c.cache[key]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	category, err := c.findByName(ctx, tenantID, name)
	if errors.Is(err, ErrCategoryNotFound) {
		category, err = c.create(ctx, tenantID, name)
		if err != nil {
			// a concurrent import may have created it between lookup and create
			c.logger.WithError(err).WithField("category", name).Debug("Category create failed, retrying lookup")
			category, err = c.findWithRetry(ctx, tenantID, name)
		}
	}
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	c.cache[key] = category.ID
	c.mu.Unlock()
	return category.ID, nil
}

func (c *CategoriesClient) findWithRetry(ctx context.Context, tenantID, name string) (*Category, error) {
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(50*time.Millisecond), 3), ctx)
	var category *Category
	err := backoff.Retry(func() error {
		var err error
		category, err = c.findByName(ctx, tenantID, name)
		return err
	}, policy)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve category %q: %w", name, err)
	}
	return category, nil
}

func (c *CategoriesClient) newRequest(ctx context.Context, method, path, tenantID string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Tenant-ID", tenantID)
	req.Header.Set("Content-Type", "application/json")

	// categories-service checks RBAC against the importing user
	actor := events.ActorFrom(ctx)
	if actor.ID != "" {
		req.Header.Set("X-User-ID", actor.ID)
	}
	if actor.Email != "" {
		req.Header.Set("X-User-Email", actor.Email)
	}
	return req, nil
}

// findByName searches the tenant's categories case-insensitively
func (c *CategoriesClient) findByName(ctx context.Context, tenantID, name string) (*Category, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/v1/categories?search="+url.QueryEscape(name), tenantID, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to list categories: %d - %s", resp.StatusCode, string(body))
	}

	var result CategoryListResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode categories: %w", err)
	}

	for i := range result.Data {
		if strings.EqualFold(result.Data[i].Name, name) {
			return &result.Data[i], nil
		}
	}
	return nil, ErrCategoryNotFound
}

func (c *CategoriesClient) create(ctx context.Context, tenantID, name string) (*Category, error) {
	body, err := json.Marshal(CreateCategoryRequest{Name: name, Status: "approved"})
	if err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/categories", tenantID, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create category: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("failed to create category: %d - %s", resp.StatusCode, string(respBody))
	}

	var result CategoryResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode category: %w", err)
	}
	if result.Data == nil || result.Data.ID == "" {
		return nil, fmt.Errorf("categories-service returned no category id")
	}

	c.logger.WithFields(logrus.Fields{
		"tenant_id":   tenantID,
		"category":    name,
		"category_id": result.Data.ID,
	}).Info("Created category during import")
	return result.Data, nil
}
