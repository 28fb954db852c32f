// Package limits maintains the in-memory set of currently active
// triggered limits and matches incoming records against it.
package limits

import (
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/aicostmanager/aicm-go/internal/config"
	"github.com/aicostmanager/aicm-go/internal/model"
)

// Cache holds the current set of TriggeredLimit entries, indexed by
// api_key_id for fast lookup, and mirrors them into the configuration
// store's [triggered_limits] section so a restart doesn't start blind.
type Cache struct {
	mu       sync.RWMutex
	byAPIKey map[string][]model.TriggeredLimit

	store *config.Store
	log   *slog.Logger
}

// New returns a Cache backed by store. store may be nil, in which case
// the cache is purely in-memory (useful in tests).
func New(store *config.Store, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		byAPIKey: make(map[string][]model.TriggeredLimit),
		store:    store,
		log:      logger.With("component", "limits.Cache"),
	}
}

// persistedLimits is the JSON shape stored (hex-encoded) in the
// [triggered_limits] section's payload field.
type persistedLimits struct {
	Limits []persistedLimit `json:"limits"`
}

type persistedLimit struct {
	LimitID       string   `json:"limit_id"`
	ThresholdType string   `json:"threshold_type"`
	Amount        float64  `json:"amount"`
	Period        string   `json:"period"`
	APIKeyID      string   `json:"api_key_id"`
	ServiceKey    *string  `json:"service_key"`
	CustomerKey   *string  `json:"customer_key"`
	ConfigIDList  []string `json:"config_id_list"`
	Hostname      string   `json:"hostname"`
	ExpiresAt     *string  `json:"expires_at"`
}

func toPersisted(l model.TriggeredLimit) persistedLimit {
	p := persistedLimit{
		LimitID:       l.LimitID,
		ThresholdType: string(l.ThresholdType),
		Amount:        l.Amount,
		Period:        l.Period,
		APIKeyID:      l.APIKeyID,
		ServiceKey:    l.ServiceKey,
		CustomerKey:   l.CustomerKey,
		ConfigIDList:  l.ConfigIDList,
		Hostname:      l.Hostname,
	}
	if l.ExpiresAt != nil {
		s := l.ExpiresAt.Format("2006-01-02T15:04:05.999999999Z07:00")
		p.ExpiresAt = &s
	}
	return p
}

func fromPersisted(p persistedLimit) model.TriggeredLimit {
	l := model.TriggeredLimit{
		LimitID:       p.LimitID,
		ThresholdType: model.ThresholdType(p.ThresholdType),
		Amount:        p.Amount,
		Period:        p.Period,
		APIKeyID:      p.APIKeyID,
		ServiceKey:    p.ServiceKey,
		CustomerKey:   p.CustomerKey,
		ConfigIDList:  p.ConfigIDList,
		Hostname:      p.Hostname,
	}
	if p.ExpiresAt != nil {
		if t, err := time.Parse(time.RFC3339Nano, *p.ExpiresAt); err == nil {
			l.ExpiresAt = &t
		}
	}
	return l
}

// LoadFromStoreIfEmpty populates the cache from the store's
// [triggered_limits] section if the in-memory set is currently empty.
// A checksum mismatch is treated as "no usable cached state" rather
// than an error: the cache stays empty and callers are expected to
// schedule a fresh FetchLimits call.
func (c *Cache) LoadFromStoreIfEmpty() error {
	c.mu.RLock()
	empty := len(c.byAPIKey) == 0
	c.mu.RUnlock()
	if !empty || c.store == nil {
		return nil
	}

	section := c.store.GetSection("triggered_limits")
	payloadHex, ok := section["payload"]
	if !ok {
		return nil
	}
	checksum := section["checksum"]

	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		c.log.Warn("triggered_limits payload is not valid hex, ignoring", "error", err)
		return nil
	}
	if !config.VerifyChecksum(payload, checksum) {
		c.log.Warn("triggered_limits checksum mismatch, ignoring cached state")
		return nil
	}

	var parsed persistedLimits
	if err := json.Unmarshal(payload, &parsed); err != nil {
		c.log.Warn("triggered_limits payload did not parse, ignoring", "error", err)
		return nil
	}

	limits := make([]model.TriggeredLimit, 0, len(parsed.Limits))
	for _, p := range parsed.Limits {
		limits = append(limits, fromPersisted(p))
	}

	c.mu.Lock()
	c.index(limits)
	c.mu.Unlock()
	return nil
}

func (c *Cache) index(limits []model.TriggeredLimit) {
	byAPIKey := make(map[string][]model.TriggeredLimit, len(limits))
	for _, l := range limits {
		byAPIKey[l.APIKeyID] = append(byAPIKey[l.APIKeyID], l)
	}
	c.byAPIKey = byAPIKey
}

// ReplaceAll atomically swaps the entire limit set and persists it to the
// configuration store, if one is attached.
func (c *Cache) ReplaceAll(limitsList []model.TriggeredLimit) {
	c.mu.Lock()
	c.index(limitsList)
	c.mu.Unlock()

	if c.store == nil {
		return
	}

	persisted := persistedLimits{Limits: make([]persistedLimit, 0, len(limitsList))}
	for _, l := range limitsList {
		persisted.Limits = append(persisted.Limits, toPersisted(l))
	}
	payload, err := json.Marshal(persisted)
	if err != nil {
		c.log.Warn("failed to marshal triggered limits for persistence", "error", err)
		return
	}
	kv := map[string]string{
		"payload":  hex.EncodeToString(payload),
		"checksum": config.ChecksumHex(payload),
	}
	if err := c.store.ReplaceSection("triggered_limits", kv); err != nil {
		c.log.Warn("failed to persist triggered limits", "error", err)
	}
}

// Notify is called by the queued delivery workers and the Tracker with the
// authoritative limits list from a server response; it simply forwards to
// ReplaceAll.
func (c *Cache) Notify(limitsList []model.TriggeredLimit) {
	c.ReplaceAll(limitsList)
}

// Check returns the first LIMIT-type entry matching the given scope, or
// nil if none match. Matching follows the invariant in model.TriggeredLimit.Matches.
func (c *Cache) Check(apiKeyID, serviceKey, customerKey string) *model.TriggeredLimit {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, l := range c.byAPIKey[apiKeyID] {
		if l.ThresholdType == model.ThresholdLimit && l.Matches(apiKeyID, serviceKey, customerKey) {
			cp := l
			return &cp
		}
	}
	return nil
}

// Len reports how many limits are currently cached, for diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n := 0
	for _, l := range c.byAPIKey {
		n += len(l)
	}
	return n
}
