package webhooks

import (
	"bytes"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/payfabric/backend/internal/events"
)

type deliveryJob struct {
	sub     *Subscription
	event   *events.CloudEvent
	payload []byte
	attempt int
}

// Dispatcher pushes bus events to subscribed endpoints through a worker
// pool. Failed deliveries retry with quadratic backoff up to three
// attempts.
type Dispatcher struct {
	registry *Registry
	client   *http.Client
	queue    chan *deliveryJob
	logger   *log.Logger
	wg         sync.WaitGroup
	stopOnce   sync.Once
	unsub      func()
	bridgeDone chan struct{}
}

// NewDispatcher starts the worker pool.
func NewDispatcher(registry *Registry, workers int) *Dispatcher {
	if workers <= 0 {
		workers = 4
	}
	d := &Dispatcher{
		registry: registry,
		client:   &http.Client{Timeout: 10 * time.Second},
		queue:    make(chan *deliveryJob, 1000),
		logger:   log.New(log.Writer(), "[Dispatch] ", log.LstdFlags),
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
	return d
}

// Attach subscribes the dispatcher to a bus. Every event fans out to the
// matching webhooks.
func (d *Dispatcher) Attach(bus *events.Bus) {
	ch, unsub := bus.Subscribe(256)
	d.unsub = unsub
	d.bridgeDone = make(chan struct{})
	go func() {
		defer close(d.bridgeDone)
		for ev := range ch {
			d.dispatch(ev)
		}
	}()
}

func (d *Dispatcher) dispatch(ev *events.CloudEvent) {
	subs := d.registry.subscribers(ev.Type)
	if len(subs) == 0 {
		return
	}
	payload, err := ev.JSON()
	if err != nil {
		return
	}
	for _, sub := range subs {
		select {
		case d.queue <- &deliveryJob{sub: sub, event: ev, payload: payload, attempt: 1}:
		default:
			d.logger.Printf("queue full, dropping event %s for webhook %s", ev.ID, sub.ID)
		}
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()
	for job := range d.queue {
		d.deliver(job)
	}
}

func (d *Dispatcher) deliver(job *deliveryJob) {
	req, err := http.NewRequest(http.MethodPost, job.sub.URL, bytes.NewReader(job.payload))
	if err != nil {
		d.logger.Printf("bad webhook request for %s: %v", job.sub.ID, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Fabric-Event-Type", job.event.Type)
	req.Header.Set("X-Fabric-Event-Id", job.event.ID)
	req.Header.Set("X-Fabric-Delivery-Attempt", strconv.Itoa(job.attempt))
	if job.sub.Secret != "" {
		req.Header.Set("X-Fabric-Signature", "sha256="+SignPayload(job.payload, job.sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err == nil {
		resp.Body.Close()
	}
	if err != nil || resp.StatusCode >= 400 {
		d.registry.markFailed(job.sub.ID)
		if job.attempt < 3 {
			time.Sleep(time.Duration(job.attempt*job.attempt) * time.Second)
			job.attempt++
			select {
			case d.queue <- job:
			default:
			}
		}
		return
	}
	d.registry.markDelivered(job.sub.ID)
}

// Shutdown drains the queue and stops the workers.
func (d *Dispatcher) Shutdown() {
	d.stopOnce.Do(func() {
		if d.unsub != nil {
			d.unsub()
			<-d.bridgeDone
		}
		close(d.queue)
		d.wg.Wait()
	})
}
