// Package fulfillment simulates the delivery company: it admits delivery
// requests, walks each delivery through its stages on a task of its own and
// publishes every status change.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/imrishuroy/go-fulfillment-saga/internal/contracts"
	"github.com/imrishuroy/go-fulfillment-saga/internal/metrics"
	"github.com/imrishuroy/go-fulfillment-saga/internal/transport"
	"github.com/imrishuroy/go-fulfillment-saga/internal/validation"
)

const (
	publishAttempts    = 3
	publishBackoff     = 50 * time.Millisecond
	announceBackoffMax = 5 * time.Second
	casAttempts        = 5
	leaseSlack         = 30 * time.Second

	alertForcedLost = "DeliveryForcedLost"
)

// Random supplies the loss rolls. Tests swap in a scripted source.
type Random interface {
	Float64() float64
}

type globalRandom struct{}

func (globalRandom) Float64() float64 { return rand.Float64() }

// Alerter raises an operational alert.
type Alerter interface {
	Alert(ctx context.Context, name, orderID string) error
}

type Options struct {
	LossProbability float64
	StageDelay      time.Duration
	// LeaseTTL is how long a delivery stays with this engine without progress
	// before another engine may resume it. Defaults to two stage delays plus
	// 30s.
	LeaseTTL time.Duration
	// Owner identifies this engine in delivery leases. Defaults to a UUID.
	Owner   string
	Random  Random
	Alerts  Alerter
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type Engine struct {
	store    Store
	pub      transport.Publisher
	opts     Options
	log      *slog.Logger
	validate *validatorv10.Validate

	nowFunc     func() time.Time
	newTracking func() string

	mu       sync.Mutex
	tasks    map[string]context.CancelFunc
	wg       sync.WaitGroup
	watchers sync.WaitGroup
	base     context.Context
	stop     context.CancelFunc
}

func NewEngine(store Store, pub transport.Publisher, opts Options) *Engine {
	if opts.Random == nil {
		opts.Random = globalRandom{}
	}
	if opts.Owner == "" {
		opts.Owner = uuid.NewString()
	}
	if opts.LeaseTTL <= 0 {
		opts.LeaseTTL = 2*opts.StageDelay + leaseSlack
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Engine{
		store:       store,
		pub:         pub,
		opts:        opts,
		log:         log,
		validate:    validation.New(),
		nowFunc:     time.Now,
		newTracking: TrackingID,
		tasks:       map[string]context.CancelFunc{},
		base:        base,
		stop:        stop,
	}
}

// TrackingID returns "TRK_" followed by 8 upper-case hex characters.
func TrackingID() string {
	return "TRK_" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:8])
}

// HandleRequest consumes delivery.request.
func (e *Engine) HandleRequest(ctx context.Context, msg transport.Message) error {
	var req contracts.DeliveryRequest
	if err := msg.Decode(&req); err != nil {
		return err
	}
	if err := e.validate.Struct(req); err != nil {
		return transport.Permanent(fmt.Errorf("invalid delivery request for order %q: %w", req.OrderID, err))
	}
	_, err := e.Accept(ctx, req)
	return err
}

// Accept records the delivery, announces RECEIVED and detaches its progression
// task. A repeated request for the same order is a no-op once the first one
// has been announced or while another engine holds the delivery.
func (e *Engine) Accept(ctx context.Context, req contracts.DeliveryRequest) (*Delivery, error) {
	now := e.nowFunc().UTC()
	until := e.leaseUntil()
	d := Delivery{
		OrderID:         req.OrderID,
		DeliveryID:      uuid.NewString(),
		TrackingID:      e.newTracking(),
		Status:          StatusReceived,
		DeliveryAddress: req.DeliveryAddress,
		CustomerEmail:   req.CustomerEmail,
		CustomerName:    req.CustomerName,
		ItemName:        req.ItemName,
		Quantity:        req.Quantity,
		CreatedAt:       now,
		UpdatedAt:       now,
		LeaseOwner:      e.opts.Owner,
		LeaseUntil:      until.UnixMilli(),
	}

	created, err := e.store.Create(ctx, d)
	if err != nil {
		return nil, err
	}
	if !created {
		existing, err := e.store.Get(ctx, req.OrderID)
		if err != nil {
			return nil, err
		}
		if existing.Status != StatusReceived || !existing.Unannounced() || e.running(req.OrderID) {
			e.log.Info("duplicate delivery request ignored", "order_id", req.OrderID, "status", existing.Status)
			return existing, nil
		}
		// a previous attempt stored the record but never announced it
		if !e.claimable(*existing) {
			e.log.Info("delivery held by another engine", "order_id", req.OrderID, "owner", existing.LeaseOwner)
			return existing, nil
		}
		claimed, err := e.store.Claim(ctx, *existing, e.opts.Owner, until)
		if err != nil {
			return nil, err
		}
		if !claimed {
			return existing, nil
		}
		d = *existing
	}

	if err := e.pub.Publish(ctx, contracts.DeliveryStatusKey, e.event(d, StatusReceived, stageMessages[StatusReceived])); err != nil {
		return nil, fmt.Errorf("announce received for order %s: %w", d.OrderID, err)
	}
	e.markAnnounced(ctx, d.OrderID, StatusReceived)
	e.countTransition(StatusReceived)
	e.log.Info("delivery received", "order_id", d.OrderID, "tracking_id", d.TrackingID, "item", d.ItemName, "quantity", d.Quantity)

	e.start(d.OrderID)
	return &d, nil
}

// Cancel marks the delivery CANCELLED, announces it and stops its task. The
// task notices at its next stage boundary; a stage already underway completes.
// Cancelling an already cancelled delivery announces it again.
func (e *Engine) Cancel(ctx context.Context, orderID string) (*Delivery, error) {
	var d *Delivery
	for attempt := 0; ; attempt++ {
		cur, err := e.store.Get(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if cur.Status == StatusCancelled {
			d = cur
			break
		}
		if cur.Status.Terminal() {
			return cur, fmt.Errorf("order %s is %s: %w", orderID, cur.Status, ErrDeliveryTerminal)
		}
		err = e.store.Transition(ctx, orderID, cur.Status, StatusCancelled)
		if err == nil {
			cur.Status = StatusCancelled
			d = cur
			e.countTransition(StatusCancelled)
			break
		}
		if !errors.Is(err, ErrStatusMismatch) || attempt >= casAttempts {
			return nil, err
		}
	}

	e.cancelTask(orderID)
	if err := e.publish(ctx, contracts.DeliveryStatusKey, e.event(*d, StatusCancelled, stageMessages[StatusCancelled])); err != nil {
		return d, fmt.Errorf("announce cancellation for order %s: %w", orderID, err)
	}
	e.markAnnounced(ctx, orderID, StatusCancelled)
	e.log.Warn("delivery cancelled", "order_id", orderID, "tracking_id", d.TrackingID)
	return d, nil
}

// Resume takes over every delivery that is unfinished or whose latest status
// was never announced, unless another engine holds an unexpired lease on it.
// A restart or a failed publish therefore never strands a delivery.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	all, err := e.store.List(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, d := range all {
		if d.Status.Terminal() && !d.Unannounced() {
			continue
		}
		if e.running(d.OrderID) || !e.claimable(d) {
			continue
		}
		claimed, err := e.store.Claim(ctx, d, e.opts.Owner, e.leaseUntil())
		if err != nil {
			return n, err
		}
		if claimed && e.start(d.OrderID) {
			n++
		}
	}
	if n > 0 {
		e.log.Info("deliveries taken over", "count", n, "owner", e.opts.Owner)
	}
	return n, nil
}

// Watch runs Resume every interval until Shutdown.
func (e *Engine) Watch(interval time.Duration) {
	if interval <= 0 {
		return
	}
	e.watchers.Add(1)
	go func() {
		defer e.watchers.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-e.base.Done():
				return
			case <-t.C:
				if _, err := e.Resume(e.base); err != nil {
					e.log.Error("resume deliveries", "error", err)
				}
			}
		}
	}()
}

func (e *Engine) Get(ctx context.Context, orderID string) (*Delivery, error) {
	return e.store.Get(ctx, orderID)
}

func (e *Engine) GetByTracking(ctx context.Context, trackingID string) (*Delivery, error) {
	return e.store.GetByTracking(ctx, trackingID)
}

func (e *Engine) List(ctx context.Context) ([]Delivery, error) {
	return e.store.List(ctx)
}

// Wait blocks until every progression task has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Shutdown stops all tasks at their next stage boundary and waits for them.
// Unfinished deliveries are picked up again by Resume.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.stop()
	done := make(chan struct{})
	go func() {
		e.watchers.Wait()
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// claimable reports whether d is unleased, leased to this engine or leased to
// one that let the lease run out.
func (e *Engine) claimable(d Delivery) bool {
	return d.LeaseOwner == "" || d.LeaseOwner == e.opts.Owner || d.LeaseUntil <= e.nowFunc().UnixMilli()
}

func (e *Engine) leaseUntil() time.Time {
	return e.nowFunc().Add(e.opts.LeaseTTL)
}

func (e *Engine) running(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.tasks[orderID]
	return ok
}

func (e *Engine) start(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.tasks[orderID]; ok {
		return false
	}
	if e.base.Err() != nil {
		return false
	}
	ctx, cancel := context.WithCancel(e.base)
	e.tasks[orderID] = cancel
	e.wg.Add(1)
	if e.opts.Metrics != nil {
		e.opts.Metrics.ActiveDeliveries.Inc()
	}
	go e.run(ctx, orderID)
	return true
}

func (e *Engine) cancelTask(orderID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cancel, ok := e.tasks[orderID]; ok {
		cancel()
	}
}

func (e *Engine) run(ctx context.Context, orderID string) {
	defer func() {
		e.mu.Lock()
		if cancel, ok := e.tasks[orderID]; ok {
			cancel()
			delete(e.tasks, orderID)
		}
		e.mu.Unlock()
		if e.opts.Metrics != nil {
			e.opts.Metrics.ActiveDeliveries.Dec()
		}
		e.wg.Done()
	}()
	defer func() {
		if r := recover(); r != nil {
			e.forceLost(ctx, orderID, fmt.Errorf("panic: %v", r))
		}
	}()

	if err := e.progress(ctx, orderID); err != nil {
		e.forceLost(ctx, orderID, err)
	}
}

// progress drives the delivery until its terminal status is announced. The
// record is re-read at every boundary, so a cancellation or a lease taken over
// by another engine stops the task there. ctx is only observed while waiting,
// so a stage in flight always completes.
func (e *Engine) progress(ctx context.Context, orderID string) error {
	work := context.WithoutCancel(ctx)
	for {
		d, err := e.store.Get(work, orderID)
		if err != nil {
			return err
		}
		if d.LeaseOwner != e.opts.Owner {
			e.log.Info("delivery taken over", "order_id", orderID, "owner", d.LeaseOwner)
			return nil
		}
		if d.Unannounced() && !e.announceDurably(ctx, *d, stageMessages[d.Status]) {
			return nil
		}
		if d.Status.Terminal() {
			e.log.Info("delivery progression stopped", "order_id", orderID, "status", d.Status)
			return nil
		}

		if !e.sleep(ctx) {
			return nil
		}
		d, err = e.store.Get(work, orderID)
		if err != nil {
			return err
		}
		if d.Status.Terminal() {
			continue
		}

		target, _ := d.Status.Next()
		if e.opts.Random.Float64() < e.opts.LossProbability {
			target = StatusLost
		}
		if err := e.store.Advance(work, orderID, e.opts.Owner, d.Status, target, e.leaseUntil()); err != nil {
			if errors.Is(err, ErrStatusMismatch) {
				continue
			}
			return err
		}
		e.countTransition(target)
		if target == StatusLost {
			e.log.Warn("package lost", "order_id", orderID, "tracking_id", d.TrackingID)
		} else {
			e.log.Info("delivery advanced", "order_id", orderID, "tracking_id", d.TrackingID, "status", target)
		}
	}
}

func (e *Engine) sleep(ctx context.Context) bool {
	return e.pause(ctx, e.opts.StageDelay)
}

func (e *Engine) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// forceLost ends a delivery whose task failed unexpectedly, so downstream
// always sees a terminal event.
func (e *Engine) forceLost(ctx context.Context, orderID string, cause error) {
	work := context.WithoutCancel(ctx)
	e.log.Error("delivery progression failed, marking lost", "order_id", orderID, "error", cause)

	d := &Delivery{OrderID: orderID}
	persisted := false
	for attempt := 0; attempt < casAttempts; attempt++ {
		cur, err := e.store.Get(work, orderID)
		if err != nil {
			e.log.Error("read delivery while forcing lost", "order_id", orderID, "error", err)
			break
		}
		if cur.LeaseOwner != e.opts.Owner {
			e.log.Info("delivery taken over", "order_id", orderID, "owner", cur.LeaseOwner)
			return
		}
		if cur.Status.Terminal() {
			if cur.Unannounced() {
				e.announceDurably(ctx, *cur, stageMessages[cur.Status])
			}
			return
		}
		d = cur
		err = e.store.Advance(work, orderID, e.opts.Owner, cur.Status, StatusLost, e.leaseUntil())
		if err == nil {
			persisted = true
			e.countTransition(StatusLost)
			break
		}
		if !errors.Is(err, ErrStatusMismatch) {
			e.log.Error("persist forced lost", "order_id", orderID, "error", err)
			break
		}
	}
	d.Status = StatusLost

	message := stageMessages[StatusLost] + " process"
	if persisted {
		e.announceDurably(ctx, *d, message)
	} else if err := e.announce(work, *d, StatusLost, message); err != nil {
		e.log.Error("announce forced lost", "order_id", orderID, "error", err)
	}
	if e.opts.Alerts != nil {
		if err := e.opts.Alerts.Alert(work, alertForcedLost, orderID); err != nil {
			e.log.Error("raise alert", "alert", alertForcedLost, "order_id", orderID, "error", err)
		}
	}
}

// announceDurably announces d.Status, backing off between rounds until the
// event goes out or ctx ends, then records it as announced. It reports false
// when ctx ended first; the status then stays unannounced for Resume.
func (e *Engine) announceDurably(ctx context.Context, d Delivery, message string) bool {
	work := context.WithoutCancel(ctx)
	backoff := publishBackoff
	for {
		err := e.announce(work, d, d.Status, message)
		if err == nil {
			break
		}
		e.log.Error("status not announced", "order_id", d.OrderID, "status", d.Status, "retry_in", backoff, "error", err)
		if !e.pause(ctx, backoff) {
			return false
		}
		backoff = min(2*backoff, announceBackoffMax)
	}
	e.markAnnounced(work, d.OrderID, d.Status)
	return true
}

func (e *Engine) markAnnounced(ctx context.Context, orderID string, s Status) {
	if err := e.store.MarkAnnounced(ctx, orderID, s); err != nil {
		e.log.Error("record announcement", "order_id", orderID, "status", s, "error", err)
	}
}

// announce publishes the status event and, for customer-facing milestones, the
// notification. A lost notification is tolerated; a lost status event is not.
func (e *Engine) announce(ctx context.Context, d Delivery, s Status, message string) error {
	if err := e.publish(ctx, contracts.DeliveryStatusKey, e.event(d, s, message)); err != nil {
		return fmt.Errorf("announce %s for order %s: %w", s, d.OrderID, err)
	}

	n, ok, err := Notification(d, s)
	if err != nil {
		e.log.Error("render notification", "order_id", d.OrderID, "status", s, "error", err)
		return nil
	}
	if !ok {
		return nil
	}
	if err := e.publish(ctx, contracts.EmailRequestKey, n); err != nil {
		e.log.Error("notification not sent", "order_id", d.OrderID, "status", s, "error", err)
	}
	return nil
}

func (e *Engine) publish(ctx context.Context, key string, payload any) error {
	var err error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if err = e.pub.Publish(ctx, key, payload); err == nil {
			return nil
		}
		e.log.Warn("publish failed", "routing_key", key, "attempt", attempt, "error", err)
		if attempt < publishAttempts {
			time.Sleep(time.Duration(attempt) * publishBackoff)
		}
	}
	return err
}

func (e *Engine) event(d Delivery, s Status, message string) contracts.DeliveryStatusEvent {
	return contracts.DeliveryStatusEvent{
		OrderID:    d.OrderID,
		Status:     s.Wire(),
		Message:    message,
		Timestamp:  contracts.Millis(e.nowFunc()),
		TrackingID: d.TrackingID,
	}
}

func (e *Engine) countTransition(s Status) {
	if e.opts.Metrics != nil {
		e.opts.Metrics.DeliveryTransitions.WithLabelValues(string(s)).Inc()
	}
}
