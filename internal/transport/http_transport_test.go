package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/medsync/engine/internal/models"
)

func TestHTTPTransport_Push(t *testing.T) {
	var gotKey string
	var gotBody pushRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/sync/push", r.URL.Path)
		gotKey = r.Header.Get("X-API-Key")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		json.NewEncoder(w).Encode(models.PushResult{
			Accepted:      []string{"med-1"},
			Rejected:      []string{"med-2"},
			ServerVersion: 12,
		})
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL, "secret-key", 5*time.Second)
	records := []*models.ChangeRecord{
		{ID: "c1", EntityID: "med-1", EntityType: "medication", Version: 3, Payload: json.RawMessage(`{"name":"Metformin"}`)},
		{ID: "c2", EntityID: "med-2", EntityType: "medication", Version: 1, Payload: json.RawMessage(`{"name":"Lisinopril"}`)},
	}

	result, err := tr.Push(context.Background(), records)
	require.NoError(t, err)
	assert.Equal(t, []string{"med-1"}, result.Accepted)
	assert.Equal(t, []string{"med-2"}, result.Rejected)
	assert.Equal(t, int64(12), result.ServerVersion)
	assert.Equal(t, "secret-key", gotKey)
	require.Len(t, gotBody.Records, 2)
	assert.Equal(t, "med-1", gotBody.Records[0].EntityID)
}

func TestHTTPTransport_Pull(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sync/pull", r.URL.Path)
		assert.Equal(t, "medication", r.URL.Query().Get("entityType"))
		assert.Equal(t, "7", r.URL.Query().Get("since"))
		assert.Equal(t, "50", r.URL.Query().Get("limit"))

		json.NewEncoder(w).Encode(pullResponse{
			Records: []*models.RemoteRecord{
				{EntityID: "med-1", EntityType: "medication", Version: 8, Payload: json.RawMessage(`{"name":"Metformin"}`)},
			},
			ServerVersion: 9,
		})
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL, "", 5*time.Second)
	records, serverVersion, err := tr.Pull(context.Background(), "medication", 7, 50)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, "med-1", records[0].EntityID)
	assert.Equal(t, int64(8), records[0].Version)
	assert.Equal(t, int64(9), serverVersion)
}

func TestHTTPTransport_Fetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/sync/entities/med-1", r.URL.Path)
		json.NewEncoder(w).Encode(models.RemoteRecord{
			EntityID: "med-1", EntityType: "medication", Version: 4,
			Checksum: "abcdef0123456789",
			Payload:  json.RawMessage(`{"name":"Metformin"}`),
		})
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL, "", 5*time.Second)
	record, err := tr.Fetch(context.Background(), "med-1")
	require.NoError(t, err)
	assert.Equal(t, "med-1", record.EntityID)
	assert.Equal(t, int64(4), record.Version)
	assert.Equal(t, "abcdef0123456789", record.Checksum)
}

func TestHTTPTransport_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		statusCode int
		wantClass  string
	}{
		{"server error is transient", http.StatusInternalServerError, models.ErrorClassTransient},
		{"bad gateway is transient", http.StatusBadGateway, models.ErrorClassTransient},
		{"rate limiting is transient", http.StatusTooManyRequests, models.ErrorClassTransient},
		{"unauthorized is fatal", http.StatusUnauthorized, models.ErrorClassFatal},
		{"bad request is fatal", http.StatusBadRequest, models.ErrorClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.statusCode)
			}))
			defer server.Close()

			tr := NewHTTPTransport(server.URL, "", 5*time.Second)
			_, err := tr.Fetch(context.Background(), "med-1")
			require.Error(t, err)
			assert.Equal(t, tt.wantClass, Classify(err))

			var te *Error
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.statusCode, te.StatusCode)
		})
	}

	t.Run("connection refused is transient", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
		server.Close()

		tr := NewHTTPTransport(server.URL, "", time.Second)
		_, err := tr.Fetch(context.Background(), "med-1")
		require.Error(t, err)
		assert.Equal(t, models.ErrorClassTransient, Classify(err))
	})

	t.Run("timeout is transient", func(t *testing.T) {
		block := make(chan struct{})
		server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
			<-block
		}))
		defer func() {
			close(block)
			server.Close()
		}()

		tr := NewHTTPTransport(server.URL, "", 50*time.Millisecond)
		_, err := tr.Fetch(context.Background(), "med-1")
		require.Error(t, err)
		assert.Equal(t, models.ErrorClassTransient, Classify(err))
	})

	t.Run("malformed body is fatal", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, "not json")
		}))
		defer server.Close()

		tr := NewHTTPTransport(server.URL, "", 5*time.Second)
		_, err := tr.Fetch(context.Background(), "med-1")
		require.Error(t, err)
		assert.Equal(t, models.ErrorClassFatal, Classify(err))
	})

	t.Run("plain errors default to transient", func(t *testing.T) {
		assert.Equal(t, models.ErrorClassTransient, Classify(errors.New("dial tcp: no route to host")))
	})
}
