package clock

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// HTTPDateSource reads the domain clock from the Date header of a HEAD
// request against the automated system. Second resolution is enough for
// cooldown comparisons.
type HTTPDateSource struct {
	URL    string
	Client *http.Client
}

func (h HTTPDateSource) Now(ctx context.Context) (time.Time, error) {
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, h.URL, nil)
	if err != nil {
		return time.Time{}, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return time.Time{}, err
	}
	defer resp.Body.Close()

	raw := resp.Header.Get("Date")
	if raw == "" {
		return time.Time{}, fmt.Errorf("domain clock: %s returned no Date header", h.URL)
	}
	t, err := http.ParseTime(raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("domain clock: parse Date %q: %w", raw, err)
	}
	return t, nil
}
