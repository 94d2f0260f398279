package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tomaslejdung/liveclass/pkg/session"
)

// lifecycleClient drives session transitions through the REST surface;
// the duplex protocol has no message for them
type lifecycleClient struct {
	baseURL string
	http    *http.Client
}

func newLifecycleClient(baseURL string) *lifecycleClient {
	return &lifecycleClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Transition applies ev and returns the new status
func (l *lifecycleClient) Transition(ctx context.Context, sessionID string, ev session.Event) (session.Status, error) {
	body, err := json.Marshal(map[string]string{"event": string(ev)})
	if err != nil {
		return "", err
	}
	url := fmt.Sprintf("%s/api/v1/sessions/%s/status", l.baseURL, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, url, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var out struct {
		Status session.Status `json:"status"`
		Error  string         `json:"error"`
		Code   string         `json:"code"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%s: %w", resp.Status, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%s: %s", out.Code, out.Error)
	}
	return out.Status, nil
}
