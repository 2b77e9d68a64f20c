package provision

import (
	"log"
	"sync"

	"atlas/internal/shell"
)

// Subscriber is notified after every step transition of a run.
type Subscriber func(satelliteID string, step Step)

// Engine executes provisioning runs. It holds no global lock: independent
// devices provision fully concurrently, each run owning only the one
// connection it opened. There is no mid-run cancellation; a run proceeds
// to completion or first failure.
type Engine struct {
	connector shell.Connector
	key       *TrustKey

	mu   sync.Mutex
	subs []Subscriber
}

// NewEngine creates an engine using the given connector and fleet trust
// key. The key may be nil for shared-only fleets.
func NewEngine(connector shell.Connector, key *TrustKey) *Engine {
	return &Engine{connector: connector, key: key}
}

// Subscribe registers a progress callback, fired after every step
// transition (running, done, failed, skipped).
func (e *Engine) Subscribe(fn Subscriber) {
	e.mu.Lock()
	e.subs = append(e.subs, fn)
	e.mu.Unlock()
}

// Run executes the step sequence for cfg.Mode strictly in order. On the
// first failure the failing step is marked failed and every remaining step
// is marked skipped; later steps are irreversible and must never run on
// top of a broken sequence.
func (e *Engine) Run(cfg Config) *Result {
	defs := stepsFor(cfg.Mode)

	result := &Result{Steps: make([]Step, len(defs))}
	for i, def := range defs {
		result.Steps[i] = Step{Name: def.name, Status: StepPending}
	}

	st := &runState{}
	defer func() {
		if st.sess != nil {
			st.sess.Close()
		}
	}()

	failed := false
	for i, def := range defs {
		step := &result.Steps[i]

		if failed {
			step.Status = StepSkipped
			e.notify(cfg.SatelliteID, *step)
			continue
		}

		step.Status = StepRunning
		e.notify(cfg.SatelliteID, *step)

		detail, err := def.run(e, st, &cfg)
		if err != nil {
			step.Status = StepFailed
			step.Detail = err.Error()
			result.Error = def.name + ": " + err.Error()
			failed = true
			log.Printf("[PROVISION] %s: step %s failed: %v", cfg.SatelliteID, def.name, err)
		} else {
			step.Status = StepDone
			step.Detail = detail
		}
		e.notify(cfg.SatelliteID, *step)
	}

	result.Success = !failed
	return result
}

func (e *Engine) notify(satelliteID string, step Step) {
	e.mu.Lock()
	subs := make([]Subscriber, len(e.subs))
	copy(subs, e.subs)
	e.mu.Unlock()

	for _, fn := range subs {
		fn(satelliteID, step)
	}
}
