package limits

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/aicostmanager/aicm-go/internal/config"
	"github.com/aicostmanager/aicm-go/internal/model"
)

func serviceKeyPtr(s string) *string { return &s }

func TestCache_CheckFindsMatchingLimit(t *testing.T) {
	c := New(nil, nil)
	sk := "openai::gpt-4o-mini"
	c.ReplaceAll([]model.TriggeredLimit{
		{LimitID: "L1", ThresholdType: model.ThresholdLimit, APIKeyID: "K", ServiceKey: &sk},
	})

	got := c.Check("K", sk, "")
	require.NotNil(t, got)
	require.Equal(t, "L1", got.LimitID)
}

func TestCache_CheckIgnoresWarningThreshold(t *testing.T) {
	c := New(nil, nil)
	sk := "openai::gpt-4o-mini"
	c.ReplaceAll([]model.TriggeredLimit{
		{LimitID: "W1", ThresholdType: model.ThresholdWarning, APIKeyID: "K", ServiceKey: &sk},
	})

	require.Nil(t, c.Check("K", sk, ""))
}

func TestCache_CheckNoMatchForDifferentAPIKey(t *testing.T) {
	c := New(nil, nil)
	c.ReplaceAll([]model.TriggeredLimit{
		{LimitID: "L1", ThresholdType: model.ThresholdLimit, APIKeyID: "K1"},
	})
	require.Nil(t, c.Check("K2", "svc", ""))
}

func TestCache_NotifyReplacesEntireSet(t *testing.T) {
	c := New(nil, nil)
	c.ReplaceAll([]model.TriggeredLimit{{LimitID: "L1", ThresholdType: model.ThresholdLimit, APIKeyID: "K"}})
	require.Equal(t, 1, c.Len())

	c.Notify([]model.TriggeredLimit{
		{LimitID: "L2", ThresholdType: model.ThresholdLimit, APIKeyID: "K"},
		{LimitID: "L3", ThresholdType: model.ThresholdLimit, APIKeyID: "K2"},
	})
	require.Equal(t, 2, c.Len())
	got := c.Check("K", "anything", "anything2")
	require.NotNil(t, got)
	require.Equal(t, "L2", got.LimitID) // L1 is gone; the wildcard L2 is what matches K now
}

func TestCache_PersistsToStoreAndReloads(t *testing.T) {
	dir := t.TempDir()
	store, err := config.Open(dir+"/AICM.INI", nil)
	require.NoError(t, err)

	c := New(store, nil)
	sk := "openai::gpt-4o-mini"
	c.ReplaceAll([]model.TriggeredLimit{
		{LimitID: "L1", ThresholdType: model.ThresholdLimit, APIKeyID: "K", ServiceKey: &sk},
	})

	// A fresh cache over the same store should recover the persisted state.
	c2 := New(store, nil)
	require.NoError(t, c2.LoadFromStoreIfEmpty())
	got := c2.Check("K", sk, "")
	require.NotNil(t, got)
	require.Equal(t, "L1", got.LimitID)
}

func TestCache_LoadFromStoreIfEmpty_ChecksumMismatchIgnored(t *testing.T) {
	dir := t.TempDir()
	store, err := config.Open(dir+"/AICM.INI", nil)
	require.NoError(t, err)

	require.NoError(t, store.ReplaceSection("triggered_limits", map[string]string{
		"payload":  "7b226c696d697473223a5b5d7d", // hex({"limits":[]})
		"checksum": "deadbeef",
	}))

	c := New(store, nil)
	require.NoError(t, c.LoadFromStoreIfEmpty())
	require.Equal(t, 0, c.Len())
}

func TestCache_LoadFromStoreIfEmpty_SkipsWhenAlreadyPopulated(t *testing.T) {
	c := New(nil, nil)
	c.ReplaceAll([]model.TriggeredLimit{{LimitID: "L1", ThresholdType: model.ThresholdLimit, APIKeyID: "K"}})
	require.NoError(t, c.LoadFromStoreIfEmpty())
	require.Equal(t, 1, c.Len())
}
