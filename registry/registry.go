// Copyright 2025 The Witness Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry exposes the configurable options of a closed set of
// entities, such as the package registry sources, so that the CLI and the
// config file can set them without knowing the concrete types.
package registry

import (
	"fmt"
	"sort"
	"time"

	"github.com/in-toto/keysweep/log"
	"github.com/spf13/cast"
)

// Registry maps entity names to their factories and options.
type Registry[T any] struct {
	entriesByName map[string]Entry[T]
}

// FactoryFunc creates an entity with its zero configuration.
type FactoryFunc[T any] func() T

// Entry is a registered entity: its name, factory and the options it accepts.
type Entry[T any] struct {
	Factory FactoryFunc[T]
	Name    string
	Options []Configurer
}

func New[T any]() Registry[T] {
	return Registry[T]{
		entriesByName: make(map[string]Entry[T]),
	}
}

// Register adds name to the registry, replacing any earlier entry.
func (r Registry[T]) Register(name string, factoryFunc FactoryFunc[T], opts ...Configurer) Entry[T] {
	entry := Entry[T]{
		Name:    name,
		Factory: factoryFunc,
		Options: opts,
	}

	r.entriesByName[name] = entry
	return entry
}

// Entry returns the entry registered under name. The boolean is false when
// there is none.
func (r Registry[T]) Entry(name string) (Entry[T], bool) {
	entry, ok := r.entriesByName[name]
	return entry, ok
}

// NewEntityFromConfigMap creates the entity registered under name, applies
// every option default and then the values in configMap keyed by option name.
// Values are converted to the option's type, so strings and generic slices
// read from config files or environment variables are accepted. Keys that
// match no option are logged and ignored.
func (r Registry[T]) NewEntityFromConfigMap(name string, configMap map[string]any) (T, error) {
	var result T
	entry, ok := r.Entry(name)
	if !ok {
		return result, fmt.Errorf("could not find entry with name %v", name)
	}

	result, err := SetDefaultVals(entry.Factory(), entry.Options)
	if err != nil {
		return result, fmt.Errorf("could not set default values for %v: %w", name, err)
	}

	return SetOptionsFromConfigMap(result, entry.Options, configMap)
}

// SetDefaultVals calls every option's setter with its default value.
func SetDefaultVals[T any](entity T, opts []Configurer) (T, error) {
	var err error
	for _, opt := range opts {
		switch o := opt.(type) {
		case *ConfigOption[T, int]:
			entity, err = o.apply(entity, o.DefaultVal())
		case *ConfigOption[T, string]:
			entity, err = o.apply(entity, o.DefaultVal())
		case *ConfigOption[T, []string]:
			entity, err = o.apply(entity, o.DefaultVal())
		case *ConfigOption[T, bool]:
			entity, err = o.apply(entity, o.DefaultVal())
		case *ConfigOption[T, time.Duration]:
			entity, err = o.apply(entity, o.DefaultVal())
		default:
			err = fmt.Errorf("option %v has unsupported type %T", opt.Name(), opt)
		}

		if err != nil {
			return entity, err
		}
	}

	return entity, nil
}

// SetOptionsFromConfigMap converts and applies the values of configMap in
// option name order.
func SetOptionsFromConfigMap[T any](entity T, configurers []Configurer, configMap map[string]any) (T, error) {
	optsByName := make(map[string]Configurer, len(configurers))
	for _, opt := range configurers {
		optsByName[opt.Name()] = opt
	}

	names := make([]string, 0, len(configMap))
	for name := range configMap {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		opt, ok := optsByName[name]
		if !ok {
			log.Debugf("(registry) unknown option name in config map: %v", name)
			continue
		}

		var err error
		value := configMap[name]
		switch o := opt.(type) {
		case *ConfigOption[T, int]:
			entity, err = convertAndApply(o, entity, value, cast.ToIntE)
		case *ConfigOption[T, string]:
			entity, err = convertAndApply(o, entity, value, cast.ToStringE)
		case *ConfigOption[T, []string]:
			entity, err = convertAndApply(o, entity, value, cast.ToStringSliceE)
		case *ConfigOption[T, bool]:
			entity, err = convertAndApply(o, entity, value, cast.ToBoolE)
		case *ConfigOption[T, time.Duration]:
			entity, err = convertAndApply(o, entity, value, cast.ToDurationE)
		}

		if err != nil {
			return entity, fmt.Errorf("option %v: %w", name, err)
		}
	}

	return entity, nil
}

func convertAndApply[T any, TOption Option](o *ConfigOption[T, TOption], entity T, value any, convert func(any) (TOption, error)) (T, error) {
	val, err := convert(value)
	if err != nil {
		return entity, err
	}

	return o.apply(entity, val)
}
