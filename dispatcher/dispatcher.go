package dispatcher

import (
	"errors"

	"bitbucket.org/yellowmessenger/callcontrol/configmanager"
	"bitbucket.org/yellowmessenger/callcontrol/contracts"
	"bitbucket.org/yellowmessenger/callcontrol/metrics"
	"bitbucket.org/yellowmessenger/callcontrol/ymlogger"
)

// globalScope is the registry scope that receives every published event.
// Subscribing with an empty channel ID lands here.
const globalScope = ""

// Dispatcher routes events from the transport's read loop to registered
// listeners. Events sharing a dispatch scope are submitted to that scope's
// listeners in publish order; the callbacks themselves run concurrently on a
// bounded worker pool so one slow subscriber cannot stall the others or the
// transport.
type Dispatcher struct {
	reg    *registry
	sem    chan struct{}
	hangup func(channelID string)
}

// New builds a dispatcher with the given worker pool size. A non-positive
// size falls back to the configured dispatcher_workers.
func New(workers int) *Dispatcher {
	if workers <= 0 {
		workers = configmanager.ConfStore.DispatcherWorkers
	}
	if workers <= 0 {
		workers = 1
	}
	return &Dispatcher{
		reg: newRegistry(),
		sem: make(chan struct{}, workers),
	}
}

// SetPanicHangup installs the hook used to force-hang-up a channel whose
// application callback panicked, so a buggy subscriber cannot leave a call
// stuck inside the application.
func (d *Dispatcher) SetPanicHangup(hangup func(channelID string)) {
	d.hangup = hangup
}

// Subscribe registers a persistent listener for one event type. An empty
// channelID registers a global listener that sees the type on every channel.
func (d *Dispatcher) Subscribe(eventType string, channelID string, cb Callback) *Handle {
	return d.subscribe(eventType, channelID, cb, false)
}

// SubscribeOnce registers a listener that fires at most once and then
// unregisters itself, even under concurrent delivery of matching events.
func (d *Dispatcher) SubscribeOnce(eventType string, channelID string, cb Callback) *Handle {
	return d.subscribe(eventType, channelID, cb, true)
}

func (d *Dispatcher) subscribe(eventType string, scope string, cb Callback, once bool) *Handle {
	l := &listener{
		eventType: eventType,
		scope:     scope,
		cb:        cb,
		once:      once,
	}
	l.alive.Store(true)
	s := d.reg.getOrCreate(scope)
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
	return &Handle{l: l}
}

// Unsubscribe removes a registration. After it returns the listener will not
// fire again, including for events already queued for delivery.
func (d *Dispatcher) Unsubscribe(h *Handle) {
	if h == nil || h.l == nil {
		return
	}
	if !h.l.alive.CompareAndSwap(true, false) {
		return
	}
	d.reg.remove(h.l)
}

// Publish hands one event to the registry. It is called by the transport
// layer and never blocks on subscriber callbacks.
func (d *Dispatcher) Publish(e *contracts.Event) {
	if e == nil || e.Type == "" {
		return
	}
	metrics.EventsPublished.WithLabelValues(e.Type).Inc()
	key, err := e.DispatchKey()
	switch {
	case err == nil && key != "":
		d.enqueue(key, e)
	case errors.Is(err, contracts.ErrBadTargetURI):
		// The target URI shape is a server compatibility risk; deliver to
		// global listeners only rather than guessing a channel.
		ymlogger.LogErrorf("", "Could not derive dispatch key for event [%s]: %v", e.Type, err)
	}
	d.enqueue(globalScope, e)
}

// enqueue appends the event to the scope's FIFO queue and kicks off a drain
// if one is not already running.
func (d *Dispatcher) enqueue(scope string, e *contracts.Event) {
	s := d.reg.getOrCreate(scope)
	s.mu.Lock()
	s.pending = append(s.pending, e)
	if !s.draining {
		s.draining = true
		go d.drain(scope, s)
	}
	s.mu.Unlock()
}

// drain delivers queued events for one scope in FIFO order. Each matching
// listener's callback is submitted to the worker pool; submission order
// follows registration order, completion order is unspecified.
func (d *Dispatcher) drain(scope string, s *scopeState) {
	for {
		s.mu.Lock()
		if len(s.pending) == 0 {
			s.draining = false
			s.mu.Unlock()
			d.reg.dropIfEmpty(scope, s)
			return
		}
		e := s.pending[0]
		s.pending = s.pending[1:]
		snapshot := make([]*listener, len(s.listeners))
		copy(snapshot, s.listeners)
		s.mu.Unlock()

		for _, l := range snapshot {
			d.submit(l, e)
		}
	}
}

// submit appends the event to the listener's private queue. Each listener
// consumes its queue sequentially, so one subscriber sees a channel's events
// in publish order while different subscribers run independently.
func (d *Dispatcher) submit(l *listener, e *contracts.Event) {
	// Filtering up front keeps dead or mismatched work off the queue; the
	// same checks run again at delivery time since both can change in flight.
	if l.eventType != e.Type || !l.alive.Load() {
		return
	}
	l.mu.Lock()
	l.queue = append(l.queue, e)
	if !l.busy {
		l.busy = true
		go d.drainListener(l)
	}
	l.mu.Unlock()
}

func (d *Dispatcher) drainListener(l *listener) {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.busy = false
			l.mu.Unlock()
			return
		}
		e := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		d.invoke(l, e)
	}
}

func (d *Dispatcher) invoke(l *listener, e *contracts.Event) {
	channelID, _ := e.DispatchKey()
	d.sem <- struct{}{}
	defer func() { <-d.sem }()

	// Type filtering happens here, not in the registry: a queued event of a
	// different type than the listener wants is a silent no-op.
	if l.eventType != e.Type {
		return
	}
	if !l.alive.Load() {
		metrics.ListenerCallbacks.WithLabelValues("skipped").Inc()
		return
	}
	if l.once && !l.fired.CompareAndSwap(false, true) {
		metrics.ListenerCallbacks.WithLabelValues("skipped").Inc()
		return
	}

	defer func() {
		if r := recover(); r != nil {
			metrics.ListenerCallbacks.WithLabelValues("panic").Inc()
			ymlogger.LogCriticalf(channelID, "Listener for [%s] panicked: [%#v]", e.Type, r)
			if d.hangup != nil && channelID != "" {
				d.hangup(channelID)
			}
		}
	}()
	if l.once {
		defer func() {
			if l.alive.CompareAndSwap(true, false) {
				d.reg.remove(l)
			}
		}()
	}
	l.cb(e)
	metrics.ListenerCallbacks.WithLabelValues("ok").Inc()
}
