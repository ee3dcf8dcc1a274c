package campaign

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPVoiceDispatcher posts calls to an external voice service.
type HTTPVoiceDispatcher struct {
	endpoint   string
	httpClient *http.Client
}

func NewHTTPVoiceDispatcher(endpoint string) *HTTPVoiceDispatcher {
	return &HTTPVoiceDispatcher{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (d *HTTPVoiceDispatcher) Dispatch(ctx context.Context, call VoiceCall) error {
	body, err := json.Marshal(call)
	if err != nil {
		return fmt.Errorf("encode voice call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build voice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("voice dispatch: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("voice service returned status %d", resp.StatusCode)
	}
	return nil
}
