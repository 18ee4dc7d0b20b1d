package kafka

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

type versionDedupe struct {
	mu  sync.Mutex
	lru *lru.Cache[string, uint64]
}

func newVersionDedupe(size int) *versionDedupe {
	if size <= 0 {
		size = 4096
	}
	c, _ := lru.New[string, uint64](size)
	return &versionDedupe{lru: c}
}

// fresh reports whether v is newer than the last version recorded for key.
func (d *versionDedupe) fresh(key string, v uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	last, ok := d.lru.Get(key)
	return !ok || v > last
}

// record is called only after a successful delete so redeliveries of a
// failed event are applied again.
func (d *versionDedupe) record(ks []string, v uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, k := range ks {
		if last, ok := d.lru.Get(k); !ok || v > last {
			d.lru.Add(k, v)
		}
	}
}
