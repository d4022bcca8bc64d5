package rca

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/insightloop/insight-client/internal/credentials"
	"github.com/insightloop/insight-client/internal/db"
)

// fakeKV is an in-memory credential table for tests.
type fakeKV struct {
	mu sync.Mutex
	m  map[string]string
}

func (s *fakeKV) GetCredential(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.m[key]
	if !ok {
		return "", db.ErrNotFound
	}
	return v, nil
}

func (s *fakeKV) SetCredential(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[string]string)
	}
	s.m[key] = value
	return nil
}

func (s *fakeKV) DeleteCredential(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
	return nil
}

func testCreds(t *testing.T) *credentials.Store {
	t.Helper()
	store := credentials.NewStore(&fakeKV{})
	require.NoError(t, store.Save(context.Background(), credentials.TokenPair{AccessToken: "api-token"}))
	return store
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(ClientConfig{BaseURL: srv.URL, Timeout: 5 * time.Second}, testCreds(t), zap.NewNop())
}

func TestCreateRequest(t *testing.T) {
	var gotAuth, gotPath string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path

		var in RequestInput
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			t.Errorf("decode request body: %v", err)
		}
		assert.Equal(t, "disk usage spiked overnight", in.ProblemDescription)
		assert.Equal(t, PriorityMedium, in.Priority, "priority defaults to medium")

		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"request": map[string]interface{}{
				"id":     "R1",
				"status": "pending",
			},
		})
	})

	req, err := client.CreateRequest(context.Background(), RequestInput{
		ProblemDescription: "disk usage spiked overnight",
	})
	require.NoError(t, err)
	assert.Equal(t, "R1", req.ID)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "Bearer api-token", gotAuth)
	assert.Equal(t, "/rca/requests/", gotPath)
}

func TestCreateRequestBackendErrorIsVerbatim(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": false,
			"error":   "data source 'warehouse' is not configured",
		})
	})

	_, err := client.CreateRequest(context.Background(), RequestInput{ProblemDescription: "x"})
	require.Error(t, err)
	assert.EqualError(t, err, "data source 'warehouse' is not configured")
}

func TestCreateRequestMissingIDIsError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"request": map[string]interface{}{"status": "pending"},
		})
	})

	_, err := client.CreateRequest(context.Background(), RequestInput{ProblemDescription: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing id")
}

func TestCreateRequestRejectsEmptyDescription(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not reach the backend")
	})

	_, err := client.CreateRequest(context.Background(), RequestInput{})
	require.Error(t, err)
}

func TestStartInvestigation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/rca/requests/R1/start/", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    map[string]interface{}{"id": "R1", "status": "in_progress"},
		})
	})

	req, err := client.StartInvestigation(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, req.Status)
}

func TestGetResult(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rca/requests/R1/result/", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"id":         "res-1",
				"request":    "R1",
				"root_cause": "disk full",
				"confidence": 0.87,
			},
		})
	})

	result, err := client.GetResult(context.Background(), "R1")
	require.NoError(t, err)
	assert.Equal(t, "disk full", result.RootCause)
	assert.InDelta(t, 0.87, result.Confidence, 1e-9)
}

func TestUnknownStatusIsParseError(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data":    map[string]interface{}{"id": "R1", "status": "exploded"},
		})
	})

	_, err := client.GetRequest(context.Background(), "R1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown status")
}

func TestListRequests(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2", r.URL.Query().Get("page"))
		assert.Equal(t, "completed", r.URL.Query().Get("status"))
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"success": true,
			"data": map[string]interface{}{
				"requests": []map[string]interface{}{
					{"id": "R1", "status": "completed"},
					{"id": "R2", "status": "completed"},
				},
				"pagination": map[string]interface{}{
					"page": 2, "page_size": 20, "total_pages": 3, "total_count": 42,
				},
			},
		})
	})

	page, err := client.ListRequests(context.Background(), ListFilter{Page: 2, Status: StatusCompleted})
	require.NoError(t, err)
	assert.Len(t, page.Requests, 2)
	assert.Equal(t, 42, page.Pagination.TotalCount)
}

func TestHTTPErrorWithoutEnvelope(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
	})

	_, err := client.GetRequest(context.Background(), "R1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "504")
}
