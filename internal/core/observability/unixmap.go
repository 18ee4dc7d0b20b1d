package observability

import "sync"

type unixMap struct {
	mu sync.RWMutex
	m  map[string]int64
}

func newUnixMap() *unixMap { return &unixMap{m: make(map[string]int64)} }

func (u *unixMap) set(k string, v int64) {
	u.mu.Lock()
	if v > u.m[k] {
		u.m[k] = v
	}
	u.mu.Unlock()
}

func (u *unixMap) get(k string) int64 {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.m[k]
}
