package metrics

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vectorJSON(samples ...string) string {
	return `{"status":"success","data":{"resultType":"vector","result":[` + strings.Join(samples, ",") + `]}}`
}

func sample(labels, value string) string {
	return `{"metric":{` + labels + `},"value":[1700000000,"` + value + `"]}`
}

func TestUsage(t *testing.T) {
	var (
		mu      sync.Mutex
		queries []string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		q := r.Form.Get("query")
		mu.Lock()
		queries = append(queries, q)
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.Contains(q, "reforge_llm_tokens_total"):
			_, _ = w.Write([]byte(vectorJSON(
				sample(`"model":"sonnet","type":"input"`, "1200"),
				sample(`"model":"sonnet","type":"output"`, "300"),
				sample(`"model":"llama","type":"input"`, "50"),
			)))
		case strings.Contains(q, "reforge_llm_requests_total"):
			_, _ = w.Write([]byte(vectorJSON(
				sample(`"model":"sonnet","status":"success"`, "4"),
				sample(`"model":"sonnet","status":"error"`, "1"),
			)))
		case strings.Contains(q, "reforge_tool_calls_total"):
			_, _ = w.Write([]byte(vectorJSON(
				sample(`"tool":"read_file","outcome":"success"`, "3"),
				sample(`"tool":"shell","outcome":"denied"`, "2"),
			)))
		default:
			_, _ = w.Write([]byte(vectorJSON(sample(``, "1"))))
		}
	}))
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)

	u, err := q.Usage(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	require.Len(t, u.Models, 2)
	assert.Equal(t, "llama", u.Models[0].Model)
	assert.Equal(t, int64(50), u.Models[0].InputTokens)
	assert.Equal(t, ModelUsage{Model: "sonnet", InputTokens: 1200, OutputTokens: 300, Requests: 5, Failures: 1}, u.Models[1])

	require.Len(t, u.Tools, 2)
	assert.Equal(t, "read_file", u.Tools[0].Tool)
	assert.Equal(t, int64(2), u.Tools[1].Outcomes["denied"])
	assert.Equal(t, int64(1), u.Compactions)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, queries, 4)
	assert.Contains(t, queries[0], "[1d]")
}

func TestUsageServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"status":"error","errorType":"bad_data","error":"parse error"}`))
	}))
	defer srv.Close()

	q, err := NewQueryService(srv.URL)
	require.NoError(t, err)
	_, err = q.Usage(context.Background(), time.Hour)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to query tokens")
}
