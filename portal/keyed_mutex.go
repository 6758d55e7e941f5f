package portal

import (
	"context"
	"sort"
	"sync"
)

// KeyedMutex serializes work per key (per ICCID). Entries are reference
// counted and dropped when the last holder unlocks.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyedEntry)}
}

// Lock acquires every key, in sorted order so two callers locking the same
// pair cannot deadlock. Empty and duplicate keys are ignored. The returned
// func releases them all.
func (k *KeyedMutex) Lock(keys ...string) (unlock func()) {
	uniq := make([]string, 0, len(keys))
	seen := make(map[string]bool, len(keys))
	for _, key := range keys {
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		uniq = append(uniq, key)
	}
	sort.Strings(uniq)

	held := make([]*keyedEntry, 0, len(uniq))
	for _, key := range uniq {
		e := k.acquire(key)
		e.mu.Lock()
		held = append(held, e)
	}

	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].mu.Unlock()
			k.release(uniq[i])
		}
	}
}

type heldKeys struct{ m *KeyedMutex }

// Hold locks keys and returns a context under which LockContext treats them
// as already held. The owner can then run several locked operations in a
// row without another caller getting in between. Keys ctx already holds
// are not locked again.
func (k *KeyedMutex) Hold(ctx context.Context, keys ...string) (context.Context, func()) {
	unlock := k.LockContext(ctx, keys...)

	prev, _ := ctx.Value(heldKeys{k}).(map[string]bool)
	held := make(map[string]bool, len(prev)+len(keys))
	for key := range prev {
		held[key] = true
	}
	for _, key := range keys {
		if key != "" {
			held[key] = true
		}
	}
	return context.WithValue(ctx, heldKeys{k}, held), unlock
}

// LockContext is Lock without the keys held through ctx.
func (k *KeyedMutex) LockContext(ctx context.Context, keys ...string) (unlock func()) {
	held, _ := ctx.Value(heldKeys{k}).(map[string]bool)
	if len(held) == 0 {
		return k.Lock(keys...)
	}
	rest := make([]string, 0, len(keys))
	for _, key := range keys {
		if !held[key] {
			rest = append(rest, key)
		}
	}
	return k.Lock(rest...)
}

func (k *KeyedMutex) acquire(key string) *keyedEntry {
	k.mu.Lock()
	defer k.mu.Unlock()

	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	return e
}

func (k *KeyedMutex) release(key string) {
	k.mu.Lock()
	defer k.mu.Unlock()

	e := k.locks[key]
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
}

// size reports how many keys are currently tracked.
func (k *KeyedMutex) size() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.locks)
}
