package odis

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// PepperCache remembers peppers of recently looked up numbers so that a
// repeated lookup does not spend query quota.
type PepperCache struct {
	lru *expirable.LRU[string, string]
}

func NewPepperCache(size int, ttl time.Duration) *PepperCache {
	return &PepperCache{lru: expirable.NewLRU[string, string](size, nil, ttl)}
}

func (c *PepperCache) Get(e164 string) (string, bool) {
	if c == nil {
		return "", false
	}
	return c.lru.Get(e164)
}

func (c *PepperCache) Add(e164, pepper string) {
	if c == nil {
		return
	}
	c.lru.Add(e164, pepper)
}

func (c *PepperCache) Remove(e164 string) {
	if c == nil {
		return
	}
	c.lru.Remove(e164)
}

func (c *PepperCache) Len() int {
	if c == nil {
		return 0
	}
	return c.lru.Len()
}
