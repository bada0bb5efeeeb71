package healthmonitor_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/oslab-infra/multiverse-gateway/config"
	"github.com/oslab-infra/multiverse-gateway/healthmonitor"
	"github.com/oslab-infra/multiverse-gateway/model"
	"github.com/oslab-infra/multiverse-gateway/probe"
	"github.com/oslab-infra/multiverse-gateway/store"
)

func TestHealthMonitor(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Health Monitor Suite")
}

func newTestConfig() config.Config {
	return config.Config{
		HealthCheckInterval:         20 * time.Millisecond,
		HealthCheckTimeout:          200 * time.Millisecond,
		MaxConsecutiveFailures:      3,
		AutoDeregisterAfterFailures: true,
	}
}

var _ = Describe("Monitor", func() {
	var (
		ctx    context.Context
		cancel context.CancelFunc
		st     *store.Store
		prober *probe.Prober
	)

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		var err error
		st, err = store.Open(":memory:")
		Expect(err).NotTo(HaveOccurred())
		prober = probe.New()
	})

	AfterEach(func() {
		cancel()
		Expect(st.Close()).To(Succeed())
	})

	It("auto-deregisters a server after MaxConsecutiveFailures consecutive probe failures", func() {
		now := time.Now().UTC()
		rec := &model.ServerRecord{
			RegistrationID: "srv_0000000000000001",
			ModelName:      "m1",
			EndpointURL:    "http://127.0.0.1:1", // nothing listens here
			HealthStatus:   model.Unknown,
			IsActive:       true,
			RegisteredAt:   now,
			UpdatedAt:      now,
		}
		Expect(st.Insert(ctx, rec)).To(Succeed())

		cfg := newTestConfig()
		m := healthmonitor.New(st, prober, cfg, nil)
		m.Start(ctx)
		defer m.Stop()

		Eventually(func() bool {
			known, err := st.KnowsModel(ctx, "m1")
			return err == nil && !known
		}, 2*time.Second, 20*time.Millisecond).Should(BeTrue())

		got, err := st.Get(ctx, rec.RegistrationID)
		Expect(err).NotTo(HaveOccurred())
		Expect(got.IsActive).To(BeFalse())
		Expect(got.ConsecutiveFailures).To(BeNumerically(">=", cfg.MaxConsecutiveFailures))
	})

	It("marks a server Healthy again after a successful probe following failures", func() {
		var mu sync.Mutex
		healthy := false

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			ok := healthy
			mu.Unlock()
			if !ok {
				http.Error(w, "down", http.StatusServiceUnavailable)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"data":[]}`))
		}))
		defer srv.Close()

		now := time.Now().UTC()
		rec := &model.ServerRecord{
			RegistrationID: "srv_0000000000000002",
			ModelName:      "m1",
			EndpointURL:    srv.URL,
			HealthStatus:   model.Unknown,
			IsActive:       true,
			RegisteredAt:   now,
			UpdatedAt:      now,
		}
		Expect(st.Insert(ctx, rec)).To(Succeed())

		cfg := newTestConfig()
		cfg.MaxConsecutiveFailures = 100 // never trip auto-deregistration in this test
		m := healthmonitor.New(st, prober, cfg, nil)
		m.Start(ctx)
		defer m.Stop()

		Eventually(func() model.HealthStatus {
			got, err := st.Get(ctx, rec.RegistrationID)
			if err != nil {
				return model.Unknown
			}
			return got.HealthStatus
		}, time.Second, 10*time.Millisecond).Should(Equal(model.Unhealthy))

		mu.Lock()
		healthy = true
		mu.Unlock()

		Eventually(func() model.HealthStatus {
			got, err := st.Get(ctx, rec.RegistrationID)
			if err != nil {
				return model.Unknown
			}
			return got.HealthStatus
		}, time.Second, 10*time.Millisecond).Should(Equal(model.Healthy))
	})

	It("ignores a second Start call", func() {
		cfg := newTestConfig()
		m := healthmonitor.New(st, prober, cfg, nil)
		m.Start(ctx)
		m.Start(ctx) // must not panic or spawn a second loop
		m.Stop()
	})
})
