// Package amap maps an operation over a (possibly infinite) input sequence while keeping at most
// a fixed number of invocations in flight.
//
// Results are delivered in completion order, not input order. A Mapper is single use: it can be
// consumed once, either as a lazy stream (All) or collected as a whole (Collect).
//
// If the consumer stops early (breaks out of the stream, hits a failure or the parent context is
// cancelled) no further invocation is started, the context handed to running invocations is
// cancelled and whatever they return afterwards is discarded.
//
// The input is pulled on its own goroutine, so an input that blocks never holds up the scheduler.
// A value pulled after cancellation is dropped without invoking the operation. An input that
// blocks indefinitely should return once its context is done; MapChan reads a channel that way.
package amap

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// DefaultConcurrency is used when a non-positive concurrency limit is given
const DefaultConcurrency = 16

// ErrConsumed is yielded when a mapper is consumed a second time
var ErrConsumed = errors.New("amap: mapper has already been consumed")

// Result is the envelope produced once per finished invocation
type Result[T any] struct {
	Value T
	Err   error
}

// State is the lifecycle of a mapper: idle until consumed, scheduling while the input lasts,
// draining once it is exhausted and finally one of the terminal states
type State int32

const (
	StateIdle State = iota
	StateScheduling
	StateDraining
	StateDone
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduling:
		return "scheduling"
	case StateDraining:
		return "draining"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Terminal reports whether no further transition can happen
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed || s == StateStopped
}

type invocation[T any] func(ctx context.Context) (T, error)

type source[T any] func(ctx context.Context) (next func() (invocation[T], bool), stop func())

type Mapper[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	limit  int
	source source[T]

	results     chan Result[T]
	abandoned   chan struct{}
	done        chan struct{}
	abandonOnce sync.Once

	consumed atomic.Bool
	state    atomic.Int32
	inFlight atomic.Int64

	// written by the scheduling loop before results is closed
	loopErr error

	mu  sync.Mutex
	err error
}

// Map applies fn to every element of input with at most concurrency invocations running at once.
//
// Nothing is scheduled until the mapper is consumed.
func Map[In, T any](ctx context.Context, fn func(ctx context.Context, in In) (T, error), input iter.Seq[In], concurrency int) *Mapper[T] {
	return newMapper(ctx, concurrency, func(context.Context) (func() (invocation[T], bool), func()) {
		next, stop := iter.Pull(input)

		return func() (invocation[T], bool) {
			in, ok := next()

			if !ok {
				return nil, false
			}

			return func(ctx context.Context) (T, error) {
				return fn(ctx, in)
			}, true
		}, stop
	})
}

// Map2 is Map for positionally correlated pairs, usually built with Zip
func Map2[A, B, T any](ctx context.Context, fn func(ctx context.Context, a A, b B) (T, error), input iter.Seq2[A, B], concurrency int) *Mapper[T] {
	return newMapper(ctx, concurrency, func(context.Context) (func() (invocation[T], bool), func()) {
		next, stop := iter.Pull2(input)

		return func() (invocation[T], bool) {
			a, b, ok := next()

			if !ok {
				return nil, false
			}

			return func(ctx context.Context) (T, error) {
				return fn(ctx, a, b)
			}, true
		}, stop
	})
}

// MapChan is Map over the values received from ch until it is closed. The channel is read with
// the mapper's own context, so stopping the mapper also stops reading ch
func MapChan[In, T any](ctx context.Context, fn func(ctx context.Context, in In) (T, error), ch <-chan In, concurrency int) *Mapper[T] {
	return newMapper(ctx, concurrency, func(ctx context.Context) (func() (invocation[T], bool), func()) {
		next, stop := iter.Pull(FromChan(ctx, ch))

		return func() (invocation[T], bool) {
			in, ok := next()

			if !ok {
				return nil, false
			}

			return func(ctx context.Context) (T, error) {
				return fn(ctx, in)
			}, true
		}, stop
	})
}

func newMapper[T any](ctx context.Context, concurrency int, src source[T]) *Mapper[T] {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}

	ctx, cancel := context.WithCancel(ctx)

	return &Mapper[T]{
		ctx:       ctx,
		cancel:    cancel,
		limit:     concurrency,
		source:    src,
		results:   make(chan Result[T], concurrency),
		abandoned: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

// State returns the current lifecycle state of the mapper
func (m *Mapper[T]) State() State {
	return State(m.state.Load())
}

// InFlight returns the number of invocations currently running
func (m *Mapper[T]) InFlight() int {
	return int(m.inFlight.Load())
}

// Err returns the failure surfaced to the consumer, if any
func (m *Mapper[T]) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// All returns the results as a lazy stream in completion order.
//
// The first failure is yielded once with a zero value and ends the stream. The stream may only
// be ranged over once, later attempts yield ErrConsumed.
func (m *Mapper[T]) All() iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T

		if !m.consumed.CompareAndSwap(false, true) {
			yield(zero, ErrConsumed)
			return
		}

		go m.run()

		defer m.stop()

		for r := range m.results {
			if r.Err != nil {
				m.finish(StateFailed, r.Err)
				yield(zero, r.Err)
				return
			}

			if !yield(r.Value, nil) {
				m.finish(StateStopped, nil)
				return
			}
		}

		if m.loopErr != nil {
			m.finish(StateStopped, m.loopErr)
			yield(zero, m.loopErr)
			return
		}

		m.finish(StateDone, nil)
	}
}

// Collect drains the mapper and returns every value in completion order.
//
// On failure the values collected so far are discarded and only the error is returned.
func (m *Mapper[T]) Collect() ([]T, error) {
	values := make([]T, 0)

	for v, err := range m.All() {
		if err != nil {
			return nil, err
		}

		values = append(values, v)
	}

	return values, nil
}

// run is the scheduling loop, one per mapper
func (m *Mapper[T]) run() {
	defer close(m.done)

	want := make(chan struct{})
	pulled := make(chan invocation[T])

	go m.pull(want, pulled)

	sem := semaphore.NewWeighted(int64(m.limit))

	var wg sync.WaitGroup

	m.state.CompareAndSwap(int32(StateIdle), int32(StateScheduling))

	for {
		// Acquire returns as soon as a running invocation releases its slot
		if err := sem.Acquire(m.ctx, 1); err != nil {
			m.loopErr = err
			break
		}

		inv, err := m.next(want, pulled)

		if err != nil {
			sem.Release(1)
			m.loopErr = err
			break
		}

		if inv == nil {
			sem.Release(1)
			break
		}

		m.inFlight.Add(1)
		wg.Add(1)

		go func() {
			defer wg.Done()
			defer sem.Release(1)

			v, err := m.invoke(inv)

			m.inFlight.Add(-1)

			select {
			case m.results <- Result[T]{Value: v, Err: err}:
			case <-m.abandoned:
			}
		}()
	}

	close(want)

	m.state.CompareAndSwap(int32(StateScheduling), int32(StateDraining))

	wg.Wait()

	close(m.results)
}

// next asks the puller for one invocation. A nil invocation means the input is exhausted. Once the
// mapper is cancelled nothing is returned, even when a value was already pulled
func (m *Mapper[T]) next(want chan<- struct{}, pulled <-chan invocation[T]) (invocation[T], error) {
	if err := m.ctx.Err(); err != nil {
		return nil, err
	}

	select {
	case want <- struct{}{}:
	case <-m.ctx.Done():
		return nil, m.ctx.Err()
	}

	var inv invocation[T]
	var ok bool

	select {
	case inv, ok = <-pulled:
	case <-m.ctx.Done():
		return nil, m.ctx.Err()
	}

	if err := m.ctx.Err(); err != nil {
		return nil, err
	}

	if !ok {
		return nil, nil
	}

	return inv, nil
}

// pull owns the input. It pulls one value per request and gives up as soon as the mapper is
// cancelled, dropping a value that arrives afterwards
func (m *Mapper[T]) pull(want <-chan struct{}, pulled chan<- invocation[T]) {
	defer close(pulled)

	next, stop := m.source(m.ctx)
	defer stop()

	for {
		select {
		case _, ok := <-want:
			if !ok {
				return
			}
		case <-m.ctx.Done():
			return
		}

		inv, ok := next()

		if !ok {
			return
		}

		select {
		case pulled <- inv:
		case <-m.ctx.Done():
			return
		}
	}
}

func (m *Mapper[T]) invoke(inv invocation[T]) (v T, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("amap: operation panicked: %v", rec)
		}
	}()

	return inv(m.ctx)
}

func (m *Mapper[T]) finish(s State, err error) {
	for {
		cur := State(m.state.Load())

		if cur.Terminal() {
			return
		}

		if m.state.CompareAndSwap(int32(cur), int32(s)) {
			break
		}
	}

	if err != nil {
		m.mu.Lock()
		m.err = err
		m.mu.Unlock()
	}
}

// stop prevents new invocations and unblocks any invocation waiting to deliver its result
func (m *Mapper[T]) stop() {
	m.cancel()
	m.abandonOnce.Do(func() {
		close(m.abandoned)
	})
}
