package orchestrator

import (
	"sort"
	"time"

	"github.com/systmms/credsentry/pkg/credential"
	"github.com/systmms/credsentry/pkg/verifier"
)

// Metrics is a snapshot of the engine counters.
type Metrics struct {
	ScansCompleted      int64         `json:"scans_completed"`
	CredentialsVerified int64         `json:"credentials_verified"`
	Successes           int64         `json:"successes"`
	Failures            int64         `json:"failures"`
	AverageDuration     time.Duration `json:"average_duration"`
	Uptime              time.Duration `json:"uptime"`
	SuccessRate         float64       `json:"success_rate"`
}

// Status is the live view served on /status.
type Status struct {
	Running             bool      `json:"running"`
	StartedAt           time.Time `json:"started_at,omitempty"`
	LastScanAt          time.Time `json:"last_scan_at,omitempty"`
	ActiveVerifications []string  `json:"active_verifications"`
	Metrics             Metrics   `json:"metrics"`
}

// Metrics returns the current counters.
func (o *Orchestrator) Metrics() Metrics {
	o.mu.Lock()
	startedAt := o.startedAt
	o.mu.Unlock()

	o.metricsMu.Lock()
	c := o.counters
	o.metricsMu.Unlock()

	m := Metrics{
		ScansCompleted:      c.scans,
		CredentialsVerified: c.verified,
		Successes:           c.successes,
		Failures:            c.failures,
		AverageDuration:     c.avgDuration,
	}
	if !startedAt.IsZero() {
		m.Uptime = o.now().Sub(startedAt)
	}
	if c.verified > 0 {
		m.SuccessRate = float64(c.successes) * 100 / float64(c.verified)
	}
	return m
}

// Status returns the running state, active verifications and counters.
func (o *Orchestrator) Status() Status {
	o.mu.Lock()
	running, startedAt := o.running, o.startedAt
	o.mu.Unlock()

	o.metricsMu.Lock()
	last := o.counters.lastScanAt
	o.metricsMu.Unlock()

	return Status{
		Running:             running,
		StartedAt:           startedAt,
		LastScanAt:          last,
		ActiveVerifications: o.activeIDs(),
		Metrics:             o.Metrics(),
	}
}

func (o *Orchestrator) observe(typ credential.Type, r verifier.Result) {
	o.metricsMu.Lock()
	o.counters.verified++
	if r.Success {
		o.counters.successes++
	} else {
		o.counters.failures++
	}
	// incremental mean
	o.counters.avgDuration += (r.Duration - o.counters.avgDuration) / time.Duration(o.counters.verified)
	o.metricsMu.Unlock()

	o.recorder.VerificationFinished(typ, r)
}

func (o *Orchestrator) track(id string) {
	o.activeMu.Lock()
	o.active[id] = o.now()
	o.activeMu.Unlock()
}

func (o *Orchestrator) untrack(id string) {
	o.activeMu.Lock()
	delete(o.active, id)
	o.activeMu.Unlock()
}

func (o *Orchestrator) activeIDs() []string {
	o.activeMu.Lock()
	defer o.activeMu.Unlock()
	ids := make([]string, 0, len(o.active))
	for id := range o.active {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
