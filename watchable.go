package rethink

import (
	"sync"

	"github.com/oklog/ulid/v2"

	"golang.org/x/exp/maps"
)

// Watchable is a latest-value broadcaster with single-error semantics.
// A new observer synchronously receives the cached value (or the recorded
// terminal error) before it is enrolled for future updates. Delivery to
// enrolled observers is conflated: each observer only ever sees the latest
// value, so a slow observer never blocks the producer.
//
// Once an error is recorded it is terminal. All current observers receive it,
// every future observer receives it instead of data, and later Set calls are
// ignored.
type Watchable[T any] struct {
	mutex sync.Mutex

	observers map[ulid.ULID]*watchObserver[T]

	latest    T
	hasLatest bool
	err       error
	closed    bool

	// registry transition hooks, 0->1 and 1->0
	onFirst func()
	onLast  func()
}

func NewWatchable[T any]() *Watchable[T] {
	return &Watchable[T]{
		observers: map[ulid.ULID]*watchObserver[T]{},
	}
}

func NewWatchableValue[T any](initial T) *Watchable[T] {
	watchable := NewWatchable[T]()
	watchable.latest = initial
	watchable.hasLatest = true
	return watchable
}

func (self *Watchable[T]) setHooks(onFirst func(), onLast func()) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.onFirst = onFirst
	self.onLast = onLast
}

// Subscribe enrolls an observer and returns its unsubscribe function.
// Unsubscribing one observer does not affect the others.
func (self *Watchable[T]) Subscribe(callback func(T, error)) func() {
	self.mutex.Lock()

	if self.closed {
		self.mutex.Unlock()
		return func() {}
	}
	if self.err != nil {
		err := self.err
		self.mutex.Unlock()
		var empty T
		callback(empty, err)
		return func() {}
	}

	if self.hasLatest {
		callback(self.latest, nil)
	}

	observerId := ulid.Make()
	observer := newWatchObserver[T](callback)
	self.observers[observerId] = observer
	first := len(self.observers) == 1
	onFirst := self.onFirst
	self.mutex.Unlock()

	if first && onFirst != nil {
		onFirst()
	}

	unsubscribed := false
	return func() {
		self.mutex.Lock()
		if unsubscribed {
			self.mutex.Unlock()
			return
		}
		unsubscribed = true
		if _, ok := self.observers[observerId]; !ok {
			self.mutex.Unlock()
			return
		}
		delete(self.observers, observerId)
		last := len(self.observers) == 0
		onLast := self.onLast
		self.mutex.Unlock()

		observer.stop()
		if last && onLast != nil {
			onLast()
		}
	}
}

func (self *Watchable[T]) Set(value T) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed || self.err != nil {
		return
	}
	self.latest = value
	self.hasLatest = true
	for _, observer := range self.observers {
		observer.offer(value, nil)
	}
}

func (self *Watchable[T]) Fail(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if self.closed || self.err != nil {
		return
	}
	self.err = err
	var empty T
	for _, observer := range self.observers {
		observer.offer(empty, err)
	}
}

func (self *Watchable[T]) Latest() (T, error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.latest, self.err
}

func (self *Watchable[T]) Err() error {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.err
}

func (self *Watchable[T]) ObserverCount() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.observers)
}

// Close stops all observer deliveries. Closed watchables accept no further
// observers, values, or errors.
func (self *Watchable[T]) Close() {
	self.mutex.Lock()
	observers := maps.Values(self.observers)
	self.observers = map[ulid.ULID]*watchObserver[T]{}
	self.closed = true
	self.mutex.Unlock()

	for _, observer := range observers {
		observer.stop()
	}
}

// one pending slot per observer. `offer` overwrites the slot, the delivery
// goroutine drains it, so intermediate values are superseded rather than
// buffered.
type watchObserver[T any] struct {
	callback func(T, error)

	mutex   sync.Mutex
	pending *pendingValue[T]
	notify  chan struct{}
	done    chan struct{}
}

type pendingValue[T any] struct {
	value T
	err   error
}

func newWatchObserver[T any](callback func(T, error)) *watchObserver[T] {
	observer := &watchObserver[T]{
		callback: callback,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	go observer.run()
	return observer
}

func (self *watchObserver[T]) run() {
	for {
		select {
		case <-self.done:
			return
		case <-self.notify:
		}

		self.mutex.Lock()
		pending := self.pending
		self.pending = nil
		self.mutex.Unlock()

		if pending != nil {
			self.callback(pending.value, pending.err)
		}
	}
}

func (self *watchObserver[T]) offer(value T, err error) {
	self.mutex.Lock()
	self.pending = &pendingValue[T]{
		value: value,
		err:   err,
	}
	self.mutex.Unlock()

	select {
	case self.notify <- struct{}{}:
	default:
	}
}

func (self *watchObserver[T]) stop() {
	close(self.done)
}
