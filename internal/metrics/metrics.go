package metrics

import (
	"sync/atomic"
)

// Metrics tracks operational metrics.
type Metrics struct {
	SyncPasses        uint64 `json:"sync_passes"`
	SyncItemErrors    uint64 `json:"sync_item_errors"`
	WebhooksReceived  uint64 `json:"webhooks_received"`
	WebhooksProcessed uint64 `json:"webhooks_processed"`
	WebhooksRejected  uint64 `json:"webhooks_rejected"`
	RemoteRetries     uint64 `json:"remote_retries"`
	RemoteFailures    uint64 `json:"remote_failures"`
}

var global = &Metrics{}

// SyncPass increments the count of completed reconciliation passes.
func SyncPass() { atomic.AddUint64(&global.SyncPasses, 1) }

// SyncItemErrors adds n per-item failures from a reconciliation pass.
func SyncItemErrors(n int) {
	if n > 0 {
		atomic.AddUint64(&global.SyncItemErrors, uint64(n))
	}
}

// WebhookReceived increments the count of webhooks received.
func WebhookReceived() { atomic.AddUint64(&global.WebhooksReceived, 1) }

// WebhookProcessed increments the count of webhooks applied or ignored.
func WebhookProcessed() { atomic.AddUint64(&global.WebhooksProcessed, 1) }

// WebhookRejected increments the count of webhooks dropped (bad signature or payload).
func WebhookRejected() { atomic.AddUint64(&global.WebhooksRejected, 1) }

// RemoteRetry increments the count of retried remote calls.
func RemoteRetry() { atomic.AddUint64(&global.RemoteRetries, 1) }

// RemoteFailure increments the count of remote calls that failed for good.
func RemoteFailure() { atomic.AddUint64(&global.RemoteFailures, 1) }

// Get returns a snapshot of the current metrics.
func Get() Metrics {
	return Metrics{
		SyncPasses:        atomic.LoadUint64(&global.SyncPasses),
		SyncItemErrors:    atomic.LoadUint64(&global.SyncItemErrors),
		WebhooksReceived:  atomic.LoadUint64(&global.WebhooksReceived),
		WebhooksProcessed: atomic.LoadUint64(&global.WebhooksProcessed),
		WebhooksRejected:  atomic.LoadUint64(&global.WebhooksRejected),
		RemoteRetries:     atomic.LoadUint64(&global.RemoteRetries),
		RemoteFailures:    atomic.LoadUint64(&global.RemoteFailures),
	}
}

// Reset resets all metrics to zero (useful for testing).
func Reset() {
	atomic.StoreUint64(&global.SyncPasses, 0)
	atomic.StoreUint64(&global.SyncItemErrors, 0)
	atomic.StoreUint64(&global.WebhooksReceived, 0)
	atomic.StoreUint64(&global.WebhooksProcessed, 0)
	atomic.StoreUint64(&global.WebhooksRejected, 0)
	atomic.StoreUint64(&global.RemoteRetries, 0)
	atomic.StoreUint64(&global.RemoteFailures, 0)
}
