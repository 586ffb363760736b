package hubclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/koltyakov/relayhub/internal/domain"
)

// MachinesPath lists the caller's machines.
const MachinesPath = "/v1/machines"

var httpClient = &http.Client{Timeout: 15 * time.Second}

// ListMachines fetches the machines of the token's namespace together with
// their live presence.
func ListMachines(ctx context.Context, hubURL, token string) ([]domain.MachineView, error) {
	endpoint, err := apiURL(hubURL, MachinesPath)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, fmt.Errorf("list machines: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := strings.TrimSpace(string(body))
		if decoded, ok := decodeErrorBody(body); ok {
			msg = decoded
		}
		return nil, &DialError{Status: resp.StatusCode, Message: msg}
	}
	var out []domain.MachineView
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("decode machines: %w", err)
	}
	return out, nil
}

func apiURL(hubURL, path string) (string, error) {
	raw := strings.TrimSpace(hubURL)
	if raw == "" {
		return "", errors.New("hub URL required")
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse hub URL: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	case "http", "https":
	default:
		return "", fmt.Errorf("unsupported hub URL scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = ""
	return u.String(), nil
}

func decodeErrorBody(body []byte) (string, bool) {
	var e domain.ErrorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return "", false
	}
	if e.ErrorCode != "" {
		return e.Error + " (" + e.ErrorCode + ")", true
	}
	return e.Error, true
}
