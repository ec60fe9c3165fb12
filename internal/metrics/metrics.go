package metrics

import "sync"

// Event counter names. Drops are counted under the reason they were dropped
// for so silent no-ops on the wire stay visible to operators.
const (
	Connections         = "connections"
	Disconnections      = "disconnections"
	Registrations       = "registrations"
	TargetNotFound      = "target_not_found"
	MissingRegistration = "missing_registration"
	BadMessage          = "bad_message"
	RateLimited         = "rate_limited"
	MessageTooLarge     = "message_too_large"
	SendQueueFull       = "send_queue_full"
	OriginRejected      = "origin_rejected"
	HandlerPanic        = "handler_panic"

	SignalRelayed     = "signal_relayed"
	CallUnexpected    = "call_unexpected"
	CallRingExpired   = "call_ring_expired"
	CallIdleExpired   = "call_idle_expired"
	LocationMalformed = "location_malformed"

	HireRequested = "hire_requested"
	HireAccepted  = "hire_accepted"
	HireRejected  = "hire_rejected"
	HireConflict  = "hire_conflict"
	HireExpired   = "hire_expired"

	ServiceCancelled = "service_cancelled"
	ServiceEnded     = "service_ended"

	JobEnqueued   = "job_enqueued"
	JobCreated    = "job_created"
	JobRetried    = "job_retried"
	JobFailed     = "job_failed"
	JobEnqueueErr = "job_enqueue_error"
)

// Metrics is a concurrency-safe counter registry. The zero value is usable.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, n uint64) {
	if m == nil {
		return
	}
	m.mu.Lock()
	if m.m == nil {
		m.m = make(map[string]uint64)
	}
	m.m[name] += n
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
