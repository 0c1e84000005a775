package ready

import (
	"context"
	"net/http"
)

// HTTP checks readiness with a GET request. A status inside
// [SuccessMin, SuccessMax] is healthy; zero bounds mean 200 and 399.
type HTTP struct {
	URL        string
	SuccessMin int
	SuccessMax int
	Client     *http.Client
}

func (h *HTTP) Check(ctx context.Context) Result {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return failed(err)
	}

	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return failed(err)
	}
	resp.Body.Close()

	lo, hi := h.SuccessMin, h.SuccessMax
	if lo == 0 {
		lo = 200
	}
	if hi == 0 {
		hi = 399
	}
	if resp.StatusCode < lo || resp.StatusCode > hi {
		return unhealthy("HTTP %d", resp.StatusCode)
	}
	return healthy()
}
