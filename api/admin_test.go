package api_test

import (
	"net/http"
	"regexp"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var registrationIDRe = regexp.MustCompile(`^srv_[0-9a-f]{16}$`)

var _ = Describe("Admin registration surface", func() {
	var r http.Handler

	BeforeEach(func() {
		r, _ = newTestRouter()
	})

	It("rejects admin requests without a valid API key", func() {
		w := doGet(r, "/admin/servers")
		Expect(w.Code).To(Equal(http.StatusUnauthorized))

		w = doGet(r, "/admin/servers", map[string]string{"X-API-Key": "wrong-key-value"})
		Expect(w.Code).To(Equal(http.StatusUnauthorized))
	})

	It("registers a backend and returns a well-formed registration id", func() {
		w := doPost(r, "/admin/register", map[string]interface{}{
			"model_name":   "gpt-test",
			"endpoint_url": "https://backend-a.example.com",
		}, adminHeader())

		Expect(w.Code).To(Equal(http.StatusCreated))

		var resp map[string]interface{}
		Expect(decodeJSON(w, &resp)).To(Succeed())
		Expect(registrationIDRe.MatchString(resp["registration_id"].(string))).To(BeTrue())
		Expect(resp["status"]).To(Equal("registered"))
	})

	It("blocks registration of a private-network endpoint as an SSRF attempt", func() {
		w := doPost(r, "/admin/register", map[string]interface{}{
			"model_name":   "gpt-test",
			"endpoint_url": "http://127.0.0.1:9999",
		}, adminHeader())

		Expect(w.Code).To(Equal(http.StatusBadRequest))

		var resp map[string]interface{}
		Expect(decodeJSON(w, &resp)).To(Succeed())
		Expect(resp["error"]).NotTo(BeNil())
	})

	It("rejects a malformed model_name", func() {
		w := doPost(r, "/admin/register", map[string]interface{}{
			"model_name":   "bad name with spaces",
			"endpoint_url": "https://backend-a.example.com",
		}, adminHeader())
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("rejects an invalid owner email", func() {
		w := doPost(r, "/admin/register", map[string]interface{}{
			"model_name":   "gpt-test",
			"endpoint_url": "https://backend-a.example.com",
			"owner":        map[string]string{"email": "not-an-email"},
		}, adminHeader())
		Expect(w.Code).To(Equal(http.StatusBadRequest))
	})

	It("lists only active servers by default and includes inactive ones when active=false", func() {
		w := doPost(r, "/admin/register", map[string]interface{}{
			"model_name":   "gpt-test",
			"endpoint_url": "https://backend-a.example.com",
		}, adminHeader())
		Expect(w.Code).To(Equal(http.StatusCreated))
		var created map[string]interface{}
		Expect(decodeJSON(w, &created)).To(Succeed())
		id := created["registration_id"].(string)

		w = doDelete(r, "/admin/register/"+id, adminHeader())
		Expect(w.Code).To(Equal(http.StatusNoContent))

		w = doGet(r, "/admin/servers", adminHeader())
		Expect(w.Code).To(Equal(http.StatusOK))
		var active []map[string]interface{}
		Expect(decodeJSON(w, &active)).To(Succeed())
		Expect(active).To(BeEmpty())

		w = doGet(r, "/admin/servers?active=false", adminHeader())
		Expect(w.Code).To(Equal(http.StatusOK))
		var all []map[string]interface{}
		Expect(decodeJSON(w, &all)).To(Succeed())
		Expect(all).To(HaveLen(1))
	})

	It("returns 404 deregistering an unknown id", func() {
		w := doDelete(r, "/admin/register/srv_0000000000000099", adminHeader())
		Expect(w.Code).To(Equal(http.StatusNotFound))
	})

	It("partially updates a registration via PUT", func() {
		w := doPost(r, "/admin/register", map[string]interface{}{
			"model_name":   "gpt-test",
			"endpoint_url": "https://backend-a.example.com",
		}, adminHeader())
		var created map[string]interface{}
		Expect(decodeJSON(w, &created)).To(Succeed())
		id := created["registration_id"].(string)

		w = doPut(r, "/admin/register/"+id, map[string]interface{}{
			"model_name": "gpt-test-renamed",
		}, adminHeader())
		Expect(w.Code).To(Equal(http.StatusOK))

		var updated map[string]interface{}
		Expect(decodeJSON(w, &updated)).To(Succeed())
		Expect(updated["model_name"]).To(Equal("gpt-test-renamed"))
	})

	It("reports aggregate stats", func() {
		w := doPost(r, "/admin/register", map[string]interface{}{
			"model_name":   "gpt-test",
			"endpoint_url": "https://backend-a.example.com",
		}, adminHeader())
		Expect(w.Code).To(Equal(http.StatusCreated))

		w = doGet(r, "/admin/stats", adminHeader())
		Expect(w.Code).To(Equal(http.StatusOK))

		var stats map[string]interface{}
		Expect(decodeJSON(w, &stats)).To(Succeed())
		Expect(stats["total_servers"]).To(Equal(float64(1)))
	})
})
