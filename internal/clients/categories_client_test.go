package clients

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"products-import-service/internal/events"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeCategories is a minimal categories-service keeping categories per tenant
type fakeCategories struct {
	mu         sync.Mutex
	categories map[string][]Category
	lists      int32
	creates    int32
	failCreate bool
	lastUser   string
}

func newFakeCategories() *fakeCategories {
	return &fakeCategories{categories: map[string][]Category{}}
}

func (f *fakeCategories) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tenant := r.Header.Get("X-Tenant-ID")
	f.lastUser = r.Header.Get("X-User-ID")

	switch r.Method {
	case http.MethodGet:
		atomic.AddInt32(&f.lists, 1)
		_ = json.NewEncoder(w).Encode(CategoryListResponse{Success: true, Data: f.categories[tenant]})
	case http.MethodPost:
		atomic.AddInt32(&f.creates, 1)
		var req CreateCategoryRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if f.failCreate {
			// another importer won the race
			f.categories[tenant] = append(f.categories[tenant], Category{ID: "cat-raced", TenantID: tenant, Name: req.Name})
			w.WriteHeader(http.StatusConflict)
			_, _ = w.Write([]byte(`{"success":false,"message":"category already exists"}`))
			return
		}
		cat := Category{ID: "cat-" + strings.ToLower(req.Name), TenantID: tenant, Name: req.Name, Status: req.Status}
		f.categories[tenant] = append(f.categories[tenant], cat)
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(CategoryResponse{Success: true, Data: &cat})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func TestEnsureCategory_FindsExistingCaseInsensitive(t *testing.T) {
	fake := newFakeCategories()
	fake.categories["tenant-1"] = []Category{{ID: "cat-1", Name: "Roller Blinds"}}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := NewCategoriesClient(srv.URL+"/", quietLogger())

	id, err := client.EnsureCategory(context.Background(), "tenant-1", " roller blinds ")

	require.NoError(t, err)
	assert.Equal(t, "cat-1", id)
	assert.Zero(t, atomic.LoadInt32(&fake.creates))
}

func TestEnsureCategory_CreatesAndCaches(t *testing.T) {
	fake := newFakeCategories()
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := NewCategoriesClient(srv.URL, quietLogger())
	ctx := events.WithActor(context.Background(), events.Actor{ID: "user-9"})

	id, err := client.EnsureCategory(ctx, "tenant-1", "Shutters")
	require.NoError(t, err)
	assert.Equal(t, "cat-shutters", id)

	again, err := client.EnsureCategory(ctx, "tenant-1", "SHUTTERS")
	require.NoError(t, err)
	assert.Equal(t, id, again)

	assert.EqualValues(t, 1, atomic.LoadInt32(&fake.lists))
	assert.EqualValues(t, 1, atomic.LoadInt32(&fake.creates))
	assert.Equal(t, "user-9", fake.lastUser)
}

func TestEnsureCategory_CacheIsPerTenant(t *testing.T) {
	fake := newFakeCategories()
	fake.categories["tenant-1"] = []Category{{ID: "cat-1", Name: "Blinds"}}
	fake.categories["tenant-2"] = []Category{{ID: "cat-2", Name: "Blinds"}}
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := NewCategoriesClient(srv.URL, quietLogger())

	first, err := client.EnsureCategory(context.Background(), "tenant-1", "Blinds")
	require.NoError(t, err)
	second, err := client.EnsureCategory(context.Background(), "tenant-2", "Blinds")
	require.NoError(t, err)

	assert.Equal(t, "cat-1", first)
	assert.Equal(t, "cat-2", second)
}

func TestEnsureCategory_CreateRaceFallsBackToLookup(t *testing.T) {
	fake := newFakeCategories()
	fake.failCreate = true
	srv := httptest.NewServer(fake)
	defer srv.Close()
	client := NewCategoriesClient(srv.URL, quietLogger())

	id, err := client.EnsureCategory(context.Background(), "tenant-1", "Awnings")

	require.NoError(t, err)
	assert.Equal(t, "cat-raced", id)
}

func TestEnsureCategory_ServiceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()
	client := NewCategoriesClient(srv.URL, quietLogger())

	_, err := client.EnsureCategory(context.Background(), "tenant-1", "Blinds")
	assert.Error(t, err)

	_, err = client.EnsureCategory(context.Background(), "tenant-1", "  ")
	assert.Error(t, err)
}
