package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oslab-infra/multiverse-gateway/model"
	"github.com/oslab-infra/multiverse-gateway/store"
)

// registerBackend inserts an active record straight into the store with the
// given health status. httptest backends listen on 127.0.0.1, which the admin
// surface's endpoint validation rejects, so they cannot go through
// POST /admin/register.
func registerBackend(st *store.Store, modelName, endpoint string, status model.HealthStatus) string {
	id, err := model.NewRegistrationID()
	Expect(err).NotTo(HaveOccurred())
	now := time.Now().UTC()
	Expect(st.Insert(context.Background(), &model.ServerRecord{
		RegistrationID: id,
		ModelName:      modelName,
		EndpointURL:    endpoint,
		HealthStatus:   status,
		IsActive:       true,
		RegisteredAt:   now,
		UpdatedAt:      now,
	})).To(Succeed())
	return id
}

var _ = Describe("Inference request surface", func() {
	var (
		r  http.Handler
		st *store.Store
	)

	BeforeEach(func() {
		r, st = newTestRouter()
	})

	It("returns ModelNotFound for a model with no registered server", func() {
		w := doPost(r, "/v1/chat/completions", map[string]interface{}{
			"model":    "nonexistent-model",
			"messages": []map[string]string{{"role": "user", "content": "hi"}},
		})
		Expect(w.Code).To(Equal(http.StatusNotFound))

		var resp map[string]interface{}
		Expect(decodeJSON(w, &resp)).To(Succeed())
		Expect(resp["error"]).NotTo(BeNil())
	})

	It("fails over to a second backend when the first is unreachable, and demotes the first", func() {
		good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"ok"}`))
		}))
		defer good.Close()

		// Registered Healthy, then shut down before the chat request arrives,
		// so the failover is exercised via a genuine PreResponseFailure.
		dying := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":[]}`))
		}))
		registerBackend(st, "m1", dying.URL, model.Healthy)
		dying.Close()

		goodID := registerBackend(st, "m1", good.URL, model.Healthy)

		w := doPost(r, "/v1/chat/completions", map[string]interface{}{
			"model":    "m1",
			"messages": []map[string]string{{"role": "user", "content": "hi"}},
		})

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("X-Gateway-Server-ID")).To(Equal(goodID))

		w = doGet(r, "/admin/servers?model=m1", adminHeader())
		var servers []map[string]interface{}
		Expect(decodeJSON(w, &servers)).To(Succeed())

		var sawUnhealthyBad bool
		for _, s := range servers {
			if s["registration_id"] != goodID {
				sawUnhealthyBad = s["health_status"] == "unhealthy"
				Expect(s["consecutive_failures"]).To(BeNumerically(">=", 1))
			}
		}
		Expect(sawUnhealthyBad).To(BeTrue())
	})

	It("distributes requests round-robin across all healthy servers for a model", func() {
		var servers []*httptest.Server
		ids := make(map[string]bool)
		for i := 0; i < 3; i++ {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				_, _ = w.Write([]byte(`{"id":"ok"}`))
			}))
			servers = append(servers, srv)
			defer srv.Close()
			ids[registerBackend(st, "m1", srv.URL, model.Healthy)] = false
		}

		counts := make(map[string]int)
		for i := 0; i < 6; i++ {
			w := doPost(r, "/v1/chat/completions", map[string]interface{}{
				"model":    "m1",
				"messages": []map[string]string{{"role": "user", "content": "hi"}},
			})
			Expect(w.Code).To(Equal(http.StatusOK))
			counts[w.Header().Get("X-Gateway-Server-ID")]++
		}

		Expect(counts).To(HaveLen(3))
		for _, c := range counts {
			Expect(c).To(Equal(2))
		}
	})

	It("streams a failover: the first backend fails pre-response, the second streams via SSE", func() {
		sse := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.WriteHeader(http.StatusOK)
			flusher := w.(http.Flusher)
			_, _ = w.Write([]byte("data: chunk\n\n"))
			flusher.Flush()
			_, _ = w.Write([]byte("data: [DONE]\n\n"))
			flusher.Flush()
		}))
		defer sse.Close()

		dying := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":[]}`))
		}))
		registerBackend(st, "m1", dying.URL, model.Healthy)
		dying.Close()

		goodID := registerBackend(st, "m1", sse.URL, model.Healthy)

		w := doPost(r, "/v1/chat/completions", map[string]interface{}{
			"model":    "m1",
			"messages": []map[string]string{{"role": "user", "content": "hi"}},
			"stream":   true,
		})

		Expect(w.Code).To(Equal(http.StatusOK))
		Expect(w.Header().Get("X-Gateway-Server-ID")).To(Equal(goodID))
		Expect(w.Body.String()).To(Equal("data: chunk\n\ndata: [DONE]\n\n"))
	})

	It("lists models with available_servers counting only healthy backends", func() {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"ok"}`))
		}))
		defer srv.Close()
		registerBackend(st, "m1", srv.URL, model.Healthy)
		registerBackend(st, "m1", "http://127.0.0.1:1", model.Unhealthy)

		w := doGet(r, "/v1/models")
		Expect(w.Code).To(Equal(http.StatusOK))

		var resp struct {
			Data []struct {
				ID               string `json:"id"`
				AvailableServers int    `json:"available_servers"`
			} `json:"data"`
		}
		Expect(decodeJSON(w, &resp)).To(Succeed())
		Expect(resp.Data).To(HaveLen(1))
		Expect(resp.Data[0].ID).To(Equal("m1"))
		Expect(resp.Data[0].AvailableServers).To(Equal(1))
	})
})
