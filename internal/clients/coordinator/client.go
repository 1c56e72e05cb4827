// Package coordinator provides the HTTP client agents use against the
// coordinator's allocation API.
package coordinator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
)

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

// New builds a client for baseURL. token may be empty when the server runs
// without auth.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Handle is the granted allocation as returned by the API.
type Handle struct {
	Key         models.ResourceKey `json:"key"`
	RequesterID string             `json:"requesterId"`
	Exclusive   bool               `json:"exclusive"`
	GrantedAt   time.Time          `json:"grantedAt"`
}

type allocatePayload struct {
	RequesterID   string                `json:"requesterId"`
	Preferences   models.PreferenceList `json:"preferences"`
	SpawnFallback bool                  `json:"spawnFallback"`
}

type busyPayload struct {
	Error       string                 `json:"error"`
	Key         models.ResourceKey     `json:"key"`
	OwnerID     string                 `json:"ownerId"`
	State       models.AllocationState `json:"state"`
	Suggestions []models.ResourceKey   `json:"suggestions"`
}

// Allocate requests a resource. A 409 is translated back into a
// *models.BusyError so callers can branch on it exactly as in-process
// callers do.
func (c *Client) Allocate(ctx context.Context, requesterID string, prefs models.PreferenceList, spawnFallback bool) (Handle, error) {
	payload := allocatePayload{RequesterID: requesterID, Preferences: prefs, SpawnFallback: spawnFallback}
	resp, err := c.post(ctx, "/resources/allocate", payload)
	if err != nil {
		return Handle{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusCreated:
		var handle Handle
		if err := json.NewDecoder(resp.Body).Decode(&handle); err != nil {
			return Handle{}, fmt.Errorf("decode handle: %w", err)
		}
		return handle, nil
	case http.StatusConflict:
		var busy busyPayload
		if err := json.NewDecoder(resp.Body).Decode(&busy); err != nil {
			return Handle{}, fmt.Errorf("decode busy response: %w", err)
		}
		return Handle{}, &models.BusyError{
			Key:         busy.Key,
			OwnerID:     busy.OwnerID,
			State:       busy.State,
			Suggestions: busy.Suggestions,
		}
	case http.StatusServiceUnavailable:
		return Handle{}, models.ErrResourceExhausted
	default:
		return Handle{}, fmt.Errorf("coordinator returned %s", resp.Status)
	}
}

type releasePayload struct {
	RequesterID string             `json:"requesterId"`
	Key         models.ResourceKey `json:"key"`
}

// Release gives back a resource; idempotent on the server side.
func (c *Client) Release(ctx context.Context, requesterID string, key models.ResourceKey) error {
	resp, err := c.post(ctx, "/resources/release", releasePayload{RequesterID: requesterID, Key: key})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator returned %s", resp.Status)
	}
	return nil
}

// Touch refreshes the activity timestamp on a held resource.
func (c *Client) Touch(ctx context.Context, requesterID string, key models.ResourceKey) error {
	resp, err := c.post(ctx, "/resources/touch", releasePayload{RequesterID: requesterID, Key: key})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coordinator returned %s", resp.Status)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload interface{}) (*http.Response, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}
