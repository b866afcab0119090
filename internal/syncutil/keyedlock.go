// Package syncutil holds the keyed locks the ledger and dispute services
// use to serialize mutations per aggregate id.
package syncutil

import (
	"context"
	"hash/fnv"
)

const lockSlots = 256

// KeyedLock serializes work per string key using a fixed pool of slots, so
// memory stays bounded no matter how many payment or dispute ids pass
// through. Two keys that hash to the same slot contend with each other;
// with random ids that is rare and only costs latency, never correctness.
type KeyedLock struct {
	slots []chan struct{}
}

// NewKeyedLock returns a KeyedLock with every slot free.
func NewKeyedLock() *KeyedLock {
	l := &KeyedLock{slots: make([]chan struct{}, lockSlots)}
	for i := range l.slots {
		slot := make(chan struct{}, 1)
		slot <- struct{}{}
		l.slots[i] = slot
	}
	return l
}

// Lock acquires the slot for key, giving up when ctx is cancelled while
// waiting. On success the returned release func must be called exactly
// once; on cancellation it returns nil and the context error.
func (l *KeyedLock) Lock(ctx context.Context, key string) (func(), error) {
	slot := l.slots[l.slotFor(key)]
	select {
	case <-slot:
		return func() { slot <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *KeyedLock) slotFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % lockSlots
}
