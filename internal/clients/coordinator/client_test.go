package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Foundup/Foundups-Agent-sub000/internal/models"
)

var studioKey = models.ResourceKey{Kind: "browser", Profile: "studio", Port: 9222}

func prefs() models.PreferenceList {
	return models.PreferenceList{{Key: studioKey, Exclusive: true}}
}

func TestAllocateDecodesHandle(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/resources/allocate", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")

		var body allocatePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "agent-1", body.RequesterID)
		assert.True(t, body.SpawnFallback)

		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(Handle{Key: studioKey, RequesterID: "agent-1", Exclusive: true})
	}))
	defer ts.Close()

	c := New(ts.URL, "tok-123")
	handle, err := c.Allocate(context.Background(), "agent-1", prefs(), true)
	require.NoError(t, err)
	assert.Equal(t, studioKey, handle.Key)
	assert.True(t, handle.Exclusive)
	assert.Equal(t, "Bearer tok-123", gotAuth)
}

func TestAllocateConflictBecomesBusyError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(busyPayload{
			Error:       "resource busy",
			Key:         studioKey,
			OwnerID:     "agent-9",
			State:       models.StateBusy,
			Suggestions: []models.ResourceKey{{Kind: "browser", Profile: "scraper", Port: 9223}},
		})
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	_, err := c.Allocate(context.Background(), "agent-1", prefs(), false)
	var busy *models.BusyError
	require.ErrorAs(t, err, &busy)
	assert.Equal(t, "agent-9", busy.OwnerID)
	assert.Equal(t, studioKey, busy.Key)
	require.Len(t, busy.Suggestions, 1)
	assert.Equal(t, "scraper", busy.Suggestions[0].Profile)
}

func TestAllocateExhaustedBecomesSentinel(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	_, err := c.Allocate(context.Background(), "agent-1", prefs(), true)
	assert.True(t, errors.Is(err, models.ErrResourceExhausted))
}

func TestAllocateUnexpectedStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	_, err := c.Allocate(context.Background(), "agent-1", prefs(), false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestReleaseAndTouch(t *testing.T) {
	var paths []string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		var body releasePayload
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "agent-1", body.RequesterID)
		assert.Equal(t, studioKey, body.Key)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	require.NoError(t, c.Release(context.Background(), "agent-1", studioKey))
	require.NoError(t, c.Touch(context.Background(), "agent-1", studioKey))
	assert.Equal(t, []string{"/resources/release", "/resources/touch"}, paths)
}

func TestTouchNotFoundSurfacesError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer ts.Close()

	c := New(ts.URL, "")
	err := c.Touch(context.Background(), "agent-1", studioKey)
	require.Error(t, err)
}

func TestContextCancellationAborts(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	c := New(ts.URL, "")
	_, err := c.Allocate(ctx, "agent-1", prefs(), false)
	require.Error(t, err)
}
