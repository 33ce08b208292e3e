package pipeline

import "sync"

// KeyedMutex serializes work per key while letting different keys proceed in
// parallel. The pipeline and the idle monitor share one instance so a
// follow-up never interleaves with a live reply to the same user.
type KeyedMutex struct {
	locks sync.Map // key -> *sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	v, _ := k.locks.LoadOrStore(key, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
