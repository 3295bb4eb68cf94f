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
	"strconv"

	"github.com/alecthomas/kingpin/v2"
)

// Arg is a parsed per-collector argument.
type Arg struct {
	Name  string
	Value interface{}
}

// argDef declares a per-collector argument and its default. The flag name
// becomes --collect.<collector>.<name>.
type argDef struct {
	name         string
	help         string
	defaultValue interface{}
}

func argInt(args []Arg, name string, fallback int) int {
	for _, a := range args {
		if a.Name == name {
			if v, ok := a.Value.(int); ok {
				return v
			}
		}
	}
	return fallback
}

func argString(args []Arg, name, fallback string) string {
	for _, a := range args {
		if a.Name == name {
			if v, ok := a.Value.(string); ok {
				return v
			}
		}
	}
	return fallback
}

func defaultArgs(defs []argDef) []Arg {
	args := make([]Arg, len(defs))
	for i, d := range defs {
		args[i] = Arg{Name: d.name, Value: d.defaultValue}
	}
	return args
}

// makeFlagsForCollector registers the --collect.<name> enable flag and one
// flag per argument; the parsed values are delivered once the command line
// is parsed.
func makeFlagsForCollector(
	app *kingpin.Application,
	def *definition,
	onCommandLineParsed func(enabled bool, args []Arg),
) {
	name := "collect." + def.name
	help := def.help
	if def.defaultEnabled {
		help = fmt.Sprintf("%s (Enabled by default)", help)
	}
	enabled := app.Flag(name, help).Default(strconv.FormatBool(def.defaultEnabled)).Bool()

	var makeArgs []func() Arg
	for _, loopArgDef := range def.argDefs {
		ad := loopArgDef
		flagName := name + "." + ad.name
		af := app.Flag(flagName, ad.help)

		switch d := ad.defaultValue.(type) {
		case bool:
			value := af.Default(strconv.FormatBool(d)).Bool()
			makeArgs = append(makeArgs, func() Arg {
				return Arg{Name: ad.name, Value: *value}
			})
		case int:
			value := af.Default(strconv.Itoa(d)).Int()
			makeArgs = append(makeArgs, func() Arg {
				return Arg{Name: ad.name, Value: *value}
			})
		case string:
			value := af.Default(d).String()
			makeArgs = append(makeArgs, func() Arg {
				return Arg{Name: ad.name, Value: *value}
			})
		}
	}

	app.Action(func(*kingpin.ParseContext) error {
		args := make([]Arg, 0, len(makeArgs))
		for _, makeArg := range makeArgs {
			args = append(args, makeArg())
		}
		onCommandLineParsed(*enabled, args)
		return nil
	})
}
