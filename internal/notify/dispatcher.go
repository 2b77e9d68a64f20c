package notify

import (
	"database/sql"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"

	"atlas/internal/events"
)

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// cooldown between repeat notifications of the same event type to the
// same service.
const dispatchCooldown = 5 * time.Minute

// Dispatcher subscribes to the event bus, filters by per-service minimum
// severity, enforces cooldowns and dispatches via Shoutrrr.
type Dispatcher struct {
	db     *sql.DB
	bus    *events.Bus
	sender Sender

	mu        sync.Mutex
	cooldowns map[string]time.Time // (service_id, event_type) -> last dispatch

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher wired to the given bus and database.
func NewDispatcher(db *sql.DB, bus *events.Bus, sender Sender) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	return &Dispatcher{
		db:        db,
		bus:       bus,
		sender:    sender,
		cooldowns: make(map[string]time.Time),
		stopCh:    make(chan struct{}),
	}
}

// Start subscribes to all events and begins dispatching.
func (d *Dispatcher) Start() {
	ch := make(chan events.Event, 256)

	d.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			log.Printf("notify: event queue full, dropping %s event", e.Type)
		}
	})

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-ch:
				d.handle(e)
			case <-d.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-ch:
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop signals the dispatcher goroutine to finish and waits for it.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// handle processes a single event against all enabled services.
func (d *Dispatcher) handle(e events.Event) {
	services, err := ListEnabledServices(d.db)
	if err != nil {
		log.Printf("notify: list services: %v", err)
		return
	}

	for _, svc := range services {
		if int(e.Severity) < svc.MinSeverity {
			continue
		}
		if d.inCooldown(svc.ID, e.Type) {
			continue
		}
		d.dispatch(svc, e)
	}
}

func (d *Dispatcher) inCooldown(serviceID int64, eventType events.EventType) bool {
	key := fmt.Sprintf("%d:%s", serviceID, eventType)

	d.mu.Lock()
	defer d.mu.Unlock()
	if last, ok := d.cooldowns[key]; ok && time.Since(last) < dispatchCooldown {
		return true
	}
	d.cooldowns[key] = time.Now()
	return false
}

func (d *Dispatcher) dispatch(svc Service, e events.Event) {
	message := fmt.Sprintf("[%s] %s", e.Severity, e.Message)
	if e.SatelliteID != "" {
		message = fmt.Sprintf("[%s] %s (satellite %s)", e.Severity, e.Message, e.SatelliteID)
	}

	if err := d.sender.Send(svc.ShoutrrrURL, message); err != nil {
		log.Printf("notify: dispatch to %q failed: %v", svc.Name, err)
		return
	}
	log.Printf("notify: dispatched %s to %q", e.Type, svc.Name)
}
