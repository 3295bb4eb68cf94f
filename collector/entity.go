// Copyright 2026 The Greengage Exporter Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package collector

import (
	"errors"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

// entityCollector is the base for collectors tracking per-object metrics.
// The entity map is replaced atomically each scrape; metrics are registered
// lazily on first observation of a key and, when removeDeleted is set,
// unregistered when the key disappears from a new snapshot.
type entityCollector[K comparable, V any] struct {
	baseCollector

	removeDeleted bool

	entities atomic.Pointer[map[K]V]

	// mu guards registered and meters during replace; suppliers read the
	// entity map lock-free through the atomic pointer.
	mu         sync.Mutex
	registered map[K]struct{}
	meters     map[K][]MeterID
}

func newEntityCollector[K comparable, V any](base baseCollector, removeDeleted bool) entityCollector[K, V] {
	return entityCollector[K, V]{
		baseCollector: base,
		removeDeleted: removeDeleted,
		registered:    make(map[K]struct{}),
		meters:        make(map[K][]MeterID),
	}
}

// lookup returns the current value for key, reading the latest snapshot.
// Suppliers use it so a registered gauge always reports the newest value.
func (c *entityCollector[K, V]) lookup(key K) (V, bool) {
	m := c.entities.Load()
	if m == nil {
		var zero V
		return zero, false
	}
	v, ok := (*m)[key]
	return v, ok
}

// snapshot returns the current entity map; may be nil before the first scrape.
func (c *entityCollector[K, V]) snapshot() map[K]V {
	m := c.entities.Load()
	if m == nil {
		return nil
	}
	return *m
}

func (c *entityCollector[K, V]) entityCount() int {
	return len(c.snapshot())
}

// replace runs the collection sequence: validate the new map, unregister
// meters of deleted keys when cleanup is enabled, swap the snapshot, then
// register meters for keys seen for the first time.
func (c *entityCollector[K, V]) replace(next map[K]V, register func(key K) []MeterID) error {
	if next == nil {
		return errors.New("collector returned nil entity map")
	}
	for k, v := range next {
		if isNilValue(v) {
			return fmt.Errorf("nil value for entity key %v", k)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.removeDeleted {
		if prev := c.entities.Load(); prev != nil {
			for k := range *prev {
				if _, ok := next[k]; ok {
					continue
				}
				for _, id := range c.meters[k] {
					if !c.registry.Remove(id) {
						c.logger.Debug("meter already removed", "collector", c.name, "key", fmt.Sprint(k))
					}
				}
				delete(c.meters, k)
				delete(c.registered, k)
				c.logger.Debug("removed metrics for deleted entity", "collector", c.name, "key", fmt.Sprint(k))
			}
		}
	}

	c.entities.Store(&next)

	for k := range next {
		if _, ok := c.registered[k]; ok {
			continue
		}
		ids := register(k)
		c.registered[k] = struct{}{}
		if c.removeDeleted {
			c.meters[k] = ids
		}
	}
	return nil
}

func isNilValue(v any) bool {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Map, reflect.Slice, reflect.Func, reflect.Chan:
		return rv.IsNil()
	case reflect.Invalid:
		return true
	default:
		return false
	}
}
