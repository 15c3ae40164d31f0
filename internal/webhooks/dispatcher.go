package webhooks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Delivery is the JSON body POSTed to a subscriber.
type Delivery struct {
	ID        string                 `json:"id"`
	Event     EventType              `json:"event"`
	TenantID  string                 `json:"tenant_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

type deliveryJob struct {
	sub      *Subscription
	delivery *Delivery
	attempt  int
}

// Dispatcher fans alert events out to subscribers through a bounded queue
// and a fixed worker pool. Deliveries are best-effort: a full queue drops
// the event rather than blocking the containment path.
type Dispatcher struct {
	registry   *Registry
	httpClient *http.Client
	queue      chan *deliveryJob
	logger     *log.Logger
	wg         sync.WaitGroup
	workers    int
	maxRetries int

	mu        sync.Mutex
	delivered int64
	failed    int64
	dropped   int64
}

// NewDispatcher creates a dispatcher around a registry.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	return &Dispatcher{
		registry:   registry,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		queue:      make(chan *deliveryJob, 1000),
		logger:     log.New(log.Writer(), "[DISPATCH] ", log.LstdFlags),
		workers:    workers,
		maxRetries: 3,
	}
}

// Start launches the worker pool.
func (d *Dispatcher) Start() {
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(i)
	}
	d.logger.Printf("🚀 webhook dispatcher started with %d workers", d.workers)
}

// Shutdown stops accepting events and waits for in-flight deliveries.
func (d *Dispatcher) Shutdown() {
	close(d.queue)
	d.wg.Wait()
	d.logger.Printf("📦 webhook dispatcher stopped")
}

// Emit queues one event for every interested subscriber. Non-blocking.
func (d *Dispatcher) Emit(event EventType, tenantID string, data map[string]interface{}) {
	subs := d.registry.Subscribers(event)
	if len(subs) == 0 {
		return
	}
	delivery := &Delivery{
		ID:        "dlv-" + uuid.NewString(),
		Event:     event,
		TenantID:  tenantID,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
	for _, sub := range subs {
		if sub.TenantID != "" && sub.TenantID != tenantID {
			continue
		}
		select {
		case d.queue <- &deliveryJob{sub: sub, delivery: delivery, attempt: 1}:
		default:
			d.mu.Lock()
			d.dropped++
			d.mu.Unlock()
			d.logger.Printf("⚠️ delivery queue full, dropping %s for %s", event, sub.URL)
		}
	}
}

func (d *Dispatcher) worker(id int) {
	defer d.wg.Done()
	for job := range d.queue {
		if err := d.deliver(job); err != nil {
			if job.attempt < d.maxRetries {
				job.attempt++
				time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
				select {
				case d.queue <- job:
				default:
					d.markFailed(job, err)
				}
				continue
			}
			d.markFailed(job, err)
			continue
		}
		d.mu.Lock()
		d.delivered++
		d.mu.Unlock()
	}
}

func (d *Dispatcher) markFailed(job *deliveryJob, err error) {
	d.mu.Lock()
	d.failed++
	d.mu.Unlock()
	d.registry.MarkFailed(job.sub.ID)
	d.logger.Printf("❌ delivery %s to %s failed after %d attempts: %v",
		job.delivery.ID, job.sub.URL, job.attempt, err)
}

func (d *Dispatcher) deliver(job *deliveryJob) error {
	payload, err := json.Marshal(job.delivery)
	if err != nil {
		return err
	}

	req, err := http.NewRequest(http.MethodPost, job.sub.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-AgentGate-Event", string(job.delivery.Event))
	req.Header.Set("X-AgentGate-Delivery", job.delivery.ID)
	req.Header.Set("X-AgentGate-Attempt", fmt.Sprintf("%d", job.attempt))
	if job.sub.Secret != "" {
		req.Header.Set("X-AgentGate-Signature", "sha256="+SignPayload(payload, job.sub.Secret))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Stats reports dispatcher counters for the monitoring surface.
func (d *Dispatcher) Stats() map[string]interface{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]interface{}{
		"workers":   d.workers,
		"queued":    len(d.queue),
		"delivered": d.delivered,
		"failed":    d.failed,
		"dropped":   d.dropped,
	}
}
