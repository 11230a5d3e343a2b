package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"biolog/config"
	core "biolog/ingestion/service/core"
	"biolog/internal/metrics"
	"biolog/internal/models"
)

type recordingProducer struct {
	mu   sync.Mutex
	msgs []*models.RecordMessage
}

func (p *recordingProducer) Publish(ctx context.Context, msg *models.RecordMessage) error {
	return p.PublishBatch(ctx, []*models.RecordMessage{msg})
}

func (p *recordingProducer) PublishBatch(_ context.Context, msgs []*models.RecordMessage) error {
	p.mu.Lock()
	p.msgs = append(p.msgs, msgs...)
	p.mu.Unlock()
	return nil
}

func (p *recordingProducer) Close() error { return nil }

func (p *recordingProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

func newTestServer(t *testing.T, maxBody int64) (*httptest.Server, *recordingProducer) {
	t.Helper()
	p := &recordingProducer{}
	svc := core.NewService(p, zaptest.NewLogger(t), metrics.NewCollector("test"), config.BatchProcessorConfig{
		BatchSize: 10, BatchTimeout: 5 * time.Millisecond, MaxBufferSize: 100, FlushChannelBuffer: 2, PublishTimeout: time.Second,
	})
	mux := http.NewServeMux()
	NewRecordHandler(svc, zaptest.NewLogger(t), maxBody).Register(mux, "/health")
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		svc.Close()
	})
	return srv, p
}

func post(t *testing.T, srv *httptest.Server, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/v1/records", "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestSubmitSingleRecord(t *testing.T) {
	srv, p := newTestServer(t, 0)

	resp, out := post(t, srv, `{"source_system":"ELN","raw_payload":"event=Download user=jdoe","timestamp":"2026-01-02T03:04:05Z"}`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "ACCEPTED", out["status"])
	assert.NotEmpty(t, out["request_id"])

	require.Eventually(t, func() bool { return p.count() == 1 }, time.Second, 5*time.Millisecond)
}

func TestSubmitUnknownSourceIsBadRequest(t *testing.T) {
	srv, p := newTestServer(t, 0)

	resp, out := post(t, srv, `{"source_system":"SAP","raw_payload":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, out["error"], "unknown source system")
	assert.Equal(t, 0, p.count())
}

func TestSubmitBatchReportsPerItem(t *testing.T) {
	srv, p := newTestServer(t, 0)

	resp, out := post(t, srv, `[
		{"source_system":"CTMS","raw_payload":"subject ssn=123-45-6789"},
		{"source_system":"CTMS"},
		{"source_system":"nope","raw_payload":"x"},
		{"source_system":"pv","raw_payload":"case=PV-9"}
	]`)
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, 2.0, out["accepted"])
	assert.Equal(t, 2.0, out["rejected"])

	results := out["results"].([]interface{})
	require.Len(t, results, 4)
	assert.Equal(t, "ACCEPTED", results[0].(map[string]interface{})["status"])
	assert.Equal(t, "REJECTED", results[1].(map[string]interface{})["status"])
	assert.Contains(t, results[2].(map[string]interface{})["error"], "unknown source system")

	require.Eventually(t, func() bool { return p.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestSubmitRejectsMalformedRequests(t *testing.T) {
	srv, _ := newTestServer(t, 64)

	resp, _ := post(t, srv, `{not json`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv, `[]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv, `"just a string"`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = post(t, srv, `{"source_system":"ELN","raw_payload":"`+strings.Repeat("a", 128)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, resp.StatusCode)

	r, err := http.Post(srv.URL+"/v1/records", "text/plain", strings.NewReader("{}"))
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusBadRequest, r.StatusCode)

	r, err = http.Get(srv.URL + "/v1/records")
	require.NoError(t, err)
	r.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, r.StatusCode)
}

func TestHealthCheck(t *testing.T) {
	srv, _ := newTestServer(t, 0)
	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
