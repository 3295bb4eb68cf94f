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
	"math"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// aggregateCollector is the base for cluster-wide singletons. It keeps the
// latest snapshot of T behind an atomic pointer; gauges registered at
// construction read fields of that snapshot through suppliers. A nil
// snapshot from a collection leaves the previous state in place.
type aggregateCollector[T any] struct {
	baseCollector
	state atomic.Pointer[T]
}

func newAggregateCollector[T any](base baseCollector) aggregateCollector[T] {
	return aggregateCollector[T]{baseCollector: base}
}

func (c *aggregateCollector[T]) update(t *T) {
	if t == nil {
		c.logger.Debug("collection returned no data, keeping previous state", "collector", c.name)
		return
	}
	c.state.Store(t)
}

func (c *aggregateCollector[T]) current() *T {
	return c.state.Load()
}

// gauge registers a supplier gauge reading from the current snapshot.
// Before the first successful collection the gauge reports NaN.
func (c *aggregateCollector[T]) gauge(name, help string, labels prometheus.Labels, read func(*T) float64) MeterID {
	return c.registry.GaugeFunc(name, help, labels, func() float64 {
		t := c.state.Load()
		if t == nil {
			return math.NaN()
		}
		return read(t)
	})
}
