package delivery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/aicostmanager/aicm-go/internal/config"
	"github.com/aicostmanager/aicm-go/internal/model"
	"github.com/aicostmanager/aicm-go/internal/transport"
)

func oneRecord() model.Record {
	return model.Record{ServiceKey: "openai::gpt-4o-mini", ResponseID: "r1", Timestamp: time.Now(), Usage: model.Usage{"input_tokens": 1}}
}

func TestImmediate_Deliver_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]string{{"response_id": "r1", "status": "queued", "cost_event_id": "ce1"}},
		})
	}))
	defer srv.Close()

	settings := config.Settings{APIKey: "k", APIBase: srv.URL, APIURL: "/api/v1", Timeout: 2 * time.Second, MaxAttempts: 1}
	client := transport.New(settings, nil)
	strategy := NewImmediate(client, settings, nil)

	outcome, err := strategy.Deliver(t.Context(), []model.Record{oneRecord()})
	require.NoError(t, err)
	require.Len(t, outcome.Results, 1)
	require.Equal(t, StatusQueued, outcome.Results[0].Status)
	require.Equal(t, "ce1", outcome.Results[0].CostEventID)
}

func TestImmediate_Deliver_FailureWithoutRaise(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	settings := config.Settings{APIKey: "k", APIBase: srv.URL, APIURL: "/api/v1", Timeout: 2 * time.Second, MaxAttempts: 1, RaiseOnError: false}
	client := transport.New(settings, nil)
	strategy := NewImmediate(client, settings, nil)

	outcome, err := strategy.Deliver(t.Context(), []model.Record{oneRecord()})
	require.NoError(t, err)
	require.Len(t, outcome.Results, 1)
	require.Equal(t, StatusFailed, outcome.Results[0].Status)
	require.Error(t, outcome.Results[0].Err)
}

func TestImmediate_Deliver_FailureWithRaise(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	settings := config.Settings{APIKey: "k", APIBase: srv.URL, APIURL: "/api/v1", Timeout: 2 * time.Second, MaxAttempts: 1, RaiseOnError: true}
	client := transport.New(settings, nil)
	strategy := NewImmediate(client, settings, nil)

	_, err := strategy.Deliver(t.Context(), []model.Record{oneRecord()})
	require.Error(t, err)
}

func TestImmediate_Close_IsNoop(t *testing.T) {
	strategy := NewImmediate(nil, config.Settings{}, nil)
	require.NoError(t, strategy.Close(t.Context()))
}
