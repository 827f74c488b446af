package stomp

import (
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// waiting is the pending state of a single in-flight operation. It
// completes exactly once, with a value or with an error.
type waiting struct {
	once  sync.Once
	done  chan struct{}
	value interface{}
	err   error
}

func newWaiting() *waiting {
	return &waiting{done: make(chan struct{})}
}

func (w *waiting) complete(value interface{}, err error) {
	w.once.Do(func() {
		w.value = value
		w.err = err
		close(w.done)
	})
}

func (w *waiting) completed() bool {
	select {
	case <-w.done:
		return true
	default:
		return false
	}
}

func (w *waiting) result() (interface{}, error) {
	<-w.done
	return w.value, w.err
}

// wait blocks until the operation completes or timeout elapses, in
// which case the operation is rejected with fail. A zero timeout
// fails immediately unless the operation already completed; a
// negative timeout waits indefinitely. Expiring a wait does not undo
// whatever produced the awaited value.
func (w *waiting) wait(timeout time.Duration, fail error) (interface{}, error) {
	switch {
	case timeout < 0:
	case timeout == 0:
		if !w.completed() {
			w.complete(nil, fail)
		}
	default:
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		select {
		case <-w.done:
		case <-timer.C:
			w.complete(nil, fail)
		}
	}
	return w.result()
}

// inFlightOperations correlates a key with at most one pending
// operation. Creating a second entry for a live key is an error, not
// an overwrite; an entry exists exactly from its creation to its
// single resolution.
type inFlightOperations[K comparable] struct {
	info string
	mu   sync.Mutex
	ops  map[K]*waiting
}

func newInFlightOperations[K comparable](info string) *inFlightOperations[K] {
	return &inFlightOperations[K]{info: info, ops: make(map[K]*waiting)}
}

func (ops *inFlightOperations[K]) create(key K) (*waiting, error) {
	ops.mu.Lock()
	defer ops.mu.Unlock()
	if _, exists := ops.ops[key]; exists {
		return nil, fmt.Errorf("%s %v: %w", ops.info, key, ErrAlreadyInProgress)
	}
	w := newWaiting()
	ops.ops[key] = w
	return w, nil
}

func (ops *inFlightOperations[K]) get(key K) (*waiting, bool) {
	ops.mu.Lock()
	defer ops.mu.Unlock()
	w, ok := ops.ops[key]
	return w, ok
}

func (ops *inFlightOperations[K]) remove(key K) {
	ops.mu.Lock()
	delete(ops.ops, key)
	ops.mu.Unlock()
}

// resolve completes the keyed operation with value and removes the
// key. Absent or already completed keys are a no-op.
func (ops *inFlightOperations[K]) resolve(key K, value interface{}) {
	if w, ok := ops.take(key); ok {
		w.complete(value, nil)
	}
}

// reject completes the keyed operation with err and removes the key.
// Absent or already completed keys are a no-op.
func (ops *inFlightOperations[K]) reject(key K, err error) {
	if w, ok := ops.take(key); ok {
		w.complete(nil, err)
	}
}

func (ops *inFlightOperations[K]) take(key K) (*waiting, bool) {
	ops.mu.Lock()
	defer ops.mu.Unlock()
	w, ok := ops.ops[key]
	if ok {
		delete(ops.ops, key)
	}
	return w, ok
}

// values snapshots the currently pending operations, for bulk
// draining on connection loss.
func (ops *inFlightOperations[K]) values() []*waiting {
	ops.mu.Lock()
	defer ops.mu.Unlock()
	ws := make([]*waiting, 0, len(ops.ops))
	for _, w := range ops.ops {
		ws = append(ws, w)
	}
	return ws
}

func (ops *inFlightOperations[K]) len() int {
	ops.mu.Lock()
	defer ops.mu.Unlock()
	return len(ops.ops)
}

// do creates the entry for key, hands the pending operation to fn
// and removes the entry on every exit path, whether fn returned
// normally, failed, or the operation was resolved elsewhere.
func (ops *inFlightOperations[K]) do(key K, fn func(w *waiting) error) error {
	w, err := ops.create(key)
	if err != nil {
		return err
	}
	defer ops.remove(key)
	log.Debugf("%s %v began", ops.info, key)
	defer log.Debugf("%s %v ended", ops.info, key)
	return fn(w)
}
