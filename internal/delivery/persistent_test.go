package delivery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aicostmanager/aicm-go/internal/config"
	"github.com/aicostmanager/aicm-go/internal/limits"
	"github.com/aicostmanager/aicm-go/internal/model"
	"github.com/aicostmanager/aicm-go/internal/transport"
)

func TestStaleInflightReclaimAge_FloorsAtSixtySeconds(t *testing.T) {
	require.Equal(t, 60*time.Second, staleInflightReclaimAge(5*time.Second))
	require.Equal(t, 60*time.Second, staleInflightReclaimAge(0))
}

func TestStaleInflightReclaimAge_ScalesWithTimeout(t *testing.T) {
	require.Equal(t, 200*time.Second, staleInflightReclaimAge(100*time.Second))
}

func persistentSettings(t *testing.T, apiBase string) config.Settings {
	t.Helper()
	return config.Settings{
		APIKey:           "k",
		APIBase:          apiBase,
		APIURL:           "/api/v1",
		Timeout:          2 * time.Second,
		MaxAttempts:      1,
		MaxRetries:       2,
		MaxBatchSize:     10,
		PollInterval:     10 * time.Millisecond,
		ShutdownDeadline: 2 * time.Second,
		DBPath:           filepath.Join(t.TempDir(), "queue.db"),
	}
}

func TestPersistent_DeliversAndNotifiesCache(t *testing.T) {
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		received.Add(1)
		json.NewEncoder(w).Encode(map[string]any{
			"results":          []map[string]string{{"response_id": "r1", "status": "queued"}},
			"triggered_limits": []map[string]any{{"limit_id": "L1", "threshold_type": "LIMIT", "api_key_id": "K"}},
		})
	}))
	defer srv.Close()

	settings := persistentSettings(t, srv.URL)
	client := transport.New(settings, nil)
	cache := limits.New(nil, nil)
	strategy, err := NewPersistent(client, cache, settings, nil)
	require.NoError(t, err)
	defer strategy.Close(t.Context())

	outcome, err := strategy.Deliver(t.Context(), []model.Record{oneRecord()})
	require.NoError(t, err)
	require.Equal(t, StatusQueued, outcome.Results[0].Status)

	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return cache.Check("K", "openai::gpt-4o-mini", "") != nil }, time.Second, 5*time.Millisecond)
}

func TestPersistent_SurvivesRestart(t *testing.T) {
	var handlerDown atomic.Bool
	handlerDown.Store(true)
	var received atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handlerDown.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		received.Add(1)
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]string{{"response_id": "r1", "status": "queued"}}})
	}))
	defer srv.Close()

	settings := persistentSettings(t, srv.URL)
	client := transport.New(settings, nil)

	first, err := NewPersistent(client, nil, settings, nil)
	require.NoError(t, err)

	_, err = first.Deliver(t.Context(), []model.Record{oneRecord()})
	require.NoError(t, err)

	// Let the first attempt fail and be rescheduled, then stop the
	// strategy while the row is still undelivered and reopen against the
	// same DB_PATH, simulating a process restart.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, first.Close(t.Context()))

	handlerDown.Store(false)

	second, err := NewPersistent(client, nil, settings, nil)
	require.NoError(t, err)
	defer second.Close(t.Context())

	require.Eventually(t, func() bool { return received.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestPersistent_PermanentFailureQuarantinesAfterMaxRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	settings := persistentSettings(t, srv.URL)
	settings.MaxRetries = 1
	settings.PollInterval = 5 * time.Millisecond
	client := transport.New(settings, nil)

	strategy, err := NewPersistent(client, nil, settings, nil)
	require.NoError(t, err)
	defer strategy.Close(t.Context())

	_, err = strategy.Deliver(t.Context(), []model.Record{oneRecord()})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		counts, err := strategy.db.StatusCounts()
		require.NoError(t, err)
		return counts["FAILED"] == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPersistent_Close_ReclaimsInflightAndClosesDB(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"results": []map[string]string{}})
	}))
	defer srv.Close()

	settings := persistentSettings(t, srv.URL)
	client := transport.New(settings, nil)
	strategy, err := NewPersistent(client, nil, settings, nil)
	require.NoError(t, err)

	require.NoError(t, strategy.Close(t.Context()))
}
