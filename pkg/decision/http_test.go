package decision

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPOracleDecide(t *testing.T) {
	var got Input
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"strategy":     "extend_table",
			"target_table": "customers",
			"has_header":   true,
		})
	}))
	defer srv.Close()

	oracle := NewHTTPOracle(srv.URL)
	d, err := oracle.Decide(context.Background(), Input{
		Fingerprint: "fp-1",
		Columns:     []string{"name", "email"},
		FileName:    "customers.csv",
		PriorError:  "previous attempt failed",
	})
	require.NoError(t, err)
	assert.Equal(t, StrategyExtendTable, d.Strategy)
	assert.Equal(t, "customers", d.TargetTable)

	assert.Equal(t, "fp-1", got.Fingerprint)
	assert.Equal(t, []string{"name", "email"}, got.Columns)
	assert.Equal(t, "customers.csv", got.FileName)
	assert.Equal(t, "previous attempt failed", got.PriorError)
}

func TestHTTPOracleNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "no mapping available", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	_, err := NewHTTPOracle(srv.URL).Decide(context.Background(), Input{Fingerprint: "fp-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 422")
	assert.Contains(t, err.Error(), "no mapping available")
}

func TestHTTPOracleMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not json"))
	}))
	defer srv.Close()

	_, err := NewHTTPOracle(srv.URL).Decide(context.Background(), Input{Fingerprint: "fp-1"})
	assert.Error(t, err)
}

func TestHTTPOracleInvalidDecision(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"strategy": "drop_everything", "target_table": "t"})
	}))
	defer srv.Close()

	_, err := NewHTTPOracle(srv.URL).Decide(context.Background(), Input{Fingerprint: "fp-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "drop_everything")
}

func TestHTTPOracleContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := NewHTTPOracle(srv.URL).Decide(ctx, Input{Fingerprint: "fp-1"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestWithHTTPClient(t *testing.T) {
	custom := &http.Client{}
	oracle := NewHTTPOracle("http://example.invalid", WithHTTPClient(custom))
	assert.Same(t, custom, oracle.client)
}
