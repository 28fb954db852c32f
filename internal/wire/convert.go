package wire

import (
	"time"

	"github.com/aicostmanager/aicm-go/internal/model"
)

// FromRecord converts a model.Record into its wire representation,
// reducing any vendor-specific objects nested in Usage to plain JSON
// values.
func FromRecord(r model.Record) RecordWire {
	return RecordWire{
		ServiceKey:  r.ServiceKey,
		ResponseID:  r.ResponseID,
		Timestamp:   r.Timestamp.UTC().Format(time.RFC3339Nano),
		CustomerKey: r.CustomerKey,
		Context:     r.Context,
		Usage:       ReduceUsage(r.Usage),
	}
}

// ToLimit converts a wire triggered-limit entry into its domain form.
func ToLimit(w TriggeredLimitWire) model.TriggeredLimit {
	l := model.TriggeredLimit{
		LimitID:       w.LimitID,
		ThresholdType: model.ThresholdType(w.ThresholdType),
		Amount:        w.Amount,
		Period:        w.Period,
		APIKeyID:      w.APIKeyID,
		ServiceKey:    w.ServiceKey,
		CustomerKey:   w.CustomerKey,
		ConfigIDList:  w.ConfigIDList,
		Hostname:      w.Hostname,
	}
	if w.ExpiresAt != nil {
		if t, err := time.Parse(time.RFC3339Nano, *w.ExpiresAt); err == nil {
			l.ExpiresAt = &t
		}
	}
	return l
}

// FromLimit converts a domain limit into its wire representation.
func FromLimit(l model.TriggeredLimit) TriggeredLimitWire {
	w := TriggeredLimitWire{
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
		s := l.ExpiresAt.UTC().Format(time.RFC3339Nano)
		w.ExpiresAt = &s
	}
	return w
}
