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
	"fmt"
	"log/slog"
	"sync"

	"github.com/alecthomas/kingpin/v2"
)

// Env carries the dependencies every catalogue collector is built with.
type Env struct {
	Registry *MeterRegistry
	Logger   *slog.Logger
}

type factoryFn func(env Env, args []Arg) (Collector, error)

// definition is one catalogue entry. Entries register themselves from
// file init functions; registration order (alphabetical by file) is the
// collector execution order within each group.
type definition struct {
	name           string
	help           string
	defaultEnabled bool
	argDefs        []argDef
	factory        factoryFn

	flagsBound bool
	enabled    bool
	args       []Arg
}

type catalogRegistry struct {
	sync.Mutex
	defs []*definition
}

var catalog = &catalogRegistry{}

func registerCollector(name, help string, defaultEnabled bool, factory factoryFn, argDefs ...argDef) {
	catalog.Lock()
	defer catalog.Unlock()
	for _, def := range catalog.defs {
		if def.name == name {
			panic(fmt.Sprintf("bug: collector with name %s is already registered", name))
		}
	}
	catalog.defs = append(catalog.defs, &definition{
		name:           name,
		help:           help,
		defaultEnabled: defaultEnabled,
		argDefs:        argDefs,
		factory:        factory,
	})
}

// InitFlags binds one --collect.<name> flag plus argument flags per
// catalogue entry to the kingpin application.
func InitFlags(app *kingpin.Application) {
	catalog.Lock()
	defer catalog.Unlock()
	for _, loopDef := range catalog.defs {
		def := loopDef
		makeFlagsForCollector(app, def, func(enabled bool, args []Arg) {
			def.flagsBound = true
			def.enabled = enabled
			def.args = args
		})
	}
}

// CollectorNames returns the catalogue names in execution order.
func CollectorNames() []string {
	catalog.Lock()
	defer catalog.Unlock()
	names := make([]string, len(catalog.defs))
	for i, def := range catalog.defs {
		names[i] = def.name
	}
	return names
}

// Build constructs the enabled collectors in execution order. Without a
// parsed command line (tests), defaults apply.
func Build(env Env) ([]Collector, error) {
	catalog.Lock()
	defer catalog.Unlock()

	var collectors []Collector
	for _, def := range catalog.defs {
		enabled, args := def.defaultEnabled, defaultArgs(def.argDefs)
		if def.flagsBound {
			enabled, args = def.enabled, def.args
		}
		if !enabled {
			env.Logger.Debug("collector disabled", "collector", def.name)
			continue
		}
		c, err := def.factory(env, args)
		if err != nil {
			return nil, fmt.Errorf("building collector %s: %w", def.name, err)
		}
		env.Logger.Info("enabled collector", "collector", def.name, "group", c.Group().String())
		collectors = append(collectors, c)
	}
	return collectors, nil
}
