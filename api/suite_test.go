package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oslab-infra/multiverse-gateway/api"
	"github.com/oslab-infra/multiverse-gateway/api/handler"
	"github.com/oslab-infra/multiverse-gateway/config"
	"github.com/oslab-infra/multiverse-gateway/metrics"
	"github.com/oslab-infra/multiverse-gateway/probe"
	"github.com/oslab-infra/multiverse-gateway/proxy"
	"github.com/oslab-infra/multiverse-gateway/selector"
	"github.com/oslab-infra/multiverse-gateway/store"
)

func TestAPI(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "API Suite")
}

const testAdminKey = "abcdefghijklmnop"

// newTestRouter builds a full router against a fresh in-memory store, mirroring
// production wiring in main.go minus the health monitor (specs drive health
// status directly through the store to stay deterministic).
func newTestRouter() (http.Handler, *store.Store) {
	st, err := store.Open(":memory:")
	Expect(err).NotTo(HaveOccurred())

	cfg := config.Config{
		AdminAPIKey:        testAdminKey,
		MaxRetryAttempts:   2,
		RequestTimeout:     5 * time.Second,
		StreamIdleTimeout:  time.Second,
		MaxRequestBodySize: 1 << 20,
		ServiceVersion:     "test",
	}

	prober := probe.New()
	sel := selector.New(st)
	engine := proxy.New(cfg.RequestTimeout, nil)
	m := metrics.New()

	adminH := handler.NewAdminHandler(st, prober, time.Second, nil)
	infH := handler.NewInferenceHandler(st, sel, engine, cfg, m)

	return api.NewRouter(cfg, st, adminH, infH, m), st
}

func doRequest(r http.Handler, method, path string, body interface{}, headers ...map[string]string) *httptest.ResponseRecorder {
	var reqBody io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		reqBody = bytes.NewReader(b)
	}
	req, _ := http.NewRequest(method, path, reqBody)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for _, h := range headers {
		for k, v := range h {
			req.Header.Set(k, v)
		}
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func doPost(r http.Handler, path string, body interface{}, headers ...map[string]string) *httptest.ResponseRecorder {
	return doRequest(r, http.MethodPost, path, body, headers...)
}

func doGet(r http.Handler, path string, headers ...map[string]string) *httptest.ResponseRecorder {
	return doRequest(r, http.MethodGet, path, nil, headers...)
}

func doPut(r http.Handler, path string, body interface{}, headers ...map[string]string) *httptest.ResponseRecorder {
	return doRequest(r, http.MethodPut, path, body, headers...)
}

func doDelete(r http.Handler, path string, headers ...map[string]string) *httptest.ResponseRecorder {
	return doRequest(r, http.MethodDelete, path, nil, headers...)
}

func adminHeader() map[string]string {
	return map[string]string{"X-API-Key": testAdminKey}
}

func decodeJSON(w *httptest.ResponseRecorder, out interface{}) error {
	return json.Unmarshal(w.Body.Bytes(), out)
}
