package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"procodus.dev/smartmeter/internal/meter"
)

var _ = Describe("REST API E2E", func() {
	var (
		client *http.Client
		owner  *meter.User
	)

	BeforeEach(func() {
		client = &http.Client{Timeout: 10 * time.Second}
		owner = newUser("api")
	})

	do := func(method, path, key string, body any) (*http.Response, []byte) {
		var reader io.Reader
		if body != nil {
			data, err := json.Marshal(body)
			Expect(err).NotTo(HaveOccurred())
			reader = bytes.NewReader(data)
		}
		req, err := http.NewRequest(method, baseURL+path, reader)
		Expect(err).NotTo(HaveOccurred())
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "GPXCONN/2.1.0")
		if key != "" {
			req.Header.Set("Authorization", "Token "+key)
		}

		resp, err := client.Do(req)
		Expect(err).NotTo(HaveOccurred())
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		Expect(err).NotTo(HaveOccurred())
		return resp, data
	}

	It("should report healthy", func() {
		resp, _ := do(http.MethodGet, "/health", "", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("should expose Prometheus metrics", func() {
		resp, data := do(http.MethodGet, "/metrics", "", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(string(data)).To(ContainSubstring("go_goroutines"))
	})

	It("should accept a measurement and list the new meter", func() {
		reading := powerReading("E-API-1", time.Now(), "12.5")
		resp, data := do(http.MethodPost, "/api/meters/measurement/", owner.APIKey, reading)
		Expect(resp.StatusCode).To(Equal(http.StatusCreated), string(data))

		resp, data = do(http.MethodGet, fmt.Sprintf("/api/users/%d/meters/", owner.ID), owner.APIKey, nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))

		var meters []map[string]any
		Expect(json.Unmarshal(data, &meters)).To(Succeed())
		Expect(meters).To(HaveLen(1))
		Expect(meters[0]).To(HaveKeyWithValue("gpx_version", "2.1.0"))
	})

	It("should reject requests without a token", func() {
		resp, _ := do(http.MethodPost, "/api/meters/measurement/", "", powerReading("E-API-2", time.Now(), "1"))
		Expect(resp.StatusCode).To(Equal(http.StatusUnauthorized))
		Expect(resp.Header.Get("WWW-Authenticate")).To(Equal("Token"))
	})

	It("should reject an invalid reading with field errors", func() {
		resp, data := do(http.MethodPost, "/api/meters/measurement/", owner.APIKey, map[string]any{
			"power": map[string]any{"sn": "", "timestamp": "now"},
		})
		Expect(resp.StatusCode).To(Equal(http.StatusBadRequest))
		Expect(string(data)).To(ContainSubstring("power.sn"))
	})

	It("should guard live data with the live token", func() {
		resp, _ := do(http.MethodGet, "/api/meters/groups/live-data/?token=wrong&groups=1", "", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusForbidden))

		resp, _ = do(http.MethodGet, "/api/meters/groups/live-data/?token="+liveToken+"&groups=1", "", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
	})

	It("should count users and meters", func() {
		resp, data := do(http.MethodGet, "/api/stats/", "", nil)
		Expect(resp.StatusCode).To(Equal(http.StatusOK))
		Expect(string(data)).To(ContainSubstring("users"))
	})
})
