// Package asynchook decouples hook consumers from the resolution hot path:
// events are queued to a small worker pool and dropped when the queue is
// full, so a slow consumer can never stall a Resolve.
//
//	raw, _ := promhook.New(prometheus.DefaultRegisterer)
//	hooks := asynchook.New(raw, 1, 1000) // 1 worker; queue 1000 events
//	defer hooks.Close()
//
//	cache, _ := varystore.New(varystore.Options{
//	    Backend: backend,
//	    Hooks:   hooks, // or `raw` if you don't want async
//	})
package asynchook

import (
	"sync"

	"github.com/tanguilp/varystore"
)

type Hooks struct {
	inner varystore.Hooks
	q     chan func()
	wg    sync.WaitGroup
	once  sync.Once
}

var _ varystore.Hooks = (*Hooks)(nil)

func New(inner varystore.Hooks, workers, qlen int) *Hooks {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	h := &Hooks{inner: inner, q: make(chan func(), qlen)}
	h.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer h.wg.Done()
			for f := range h.q {
				f()
			}
		}()
	}
	return h
}

func (h *Hooks) Close() {
	h.once.Do(func() {
		close(h.q)
		h.wg.Wait()
	})
}

func (h *Hooks) try(f func()) {
	select {
	case h.q <- f:
	default: // drop
	}
}

func (h *Hooks) EvictionRace(key varystore.RequestKey) { h.try(func() { h.inner.EvictionRace(key) }) }
func (h *Hooks) StaleServed(key varystore.RequestKey)  { h.try(func() { h.inner.StaleServed(key) }) }
func (h *Hooks) SelfHeal(k, reason string)             { h.try(func() { h.inner.SelfHeal(k, reason) }) }
func (h *Hooks) NotifyUsedError(err error)             { h.try(func() { h.inner.NotifyUsedError(err) }) }
func (h *Hooks) AltKeysUnsupported()                   { h.try(func() { h.inner.AltKeysUnsupported() }) }
