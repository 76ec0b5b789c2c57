// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package config

import (
	"encoding"
	"encoding/json"
	"fmt"
	"os"
	"reflect"
	"slices"
	"strings"
	"time"

	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"

	"github.com/gomlx/cryosiren/pkg/autoencoder"
)

// KeySeparator separates the section from the key in the settings, e.g. "model.het_dim".
const KeySeparator = "."

// ApplySettings from settings, typically the contents of a flag set by the user.
// The settings are a list separated by ";": e.g.: "model.het_dim=8;train.epochs=20;...".
//
// The keys are the YAML paths of the values, see Keys. Enumerations take their names
// (e.g. "model.family=reconsiren"), durations the time.ParseDuration format ("train.checkpoint_period=30s").
// For integer types, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// A setting "file:<path>" reads the settings from the file, one or more per line, where lines
// starting with "#" are comments.
//
// Changing model.family resets the model and the weights to the defaults of the new family,
// so it should come first.
//
// It returns the keys set, in order.
func ApplySettings(cfg *Config, settings string) (keysSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		keysSet, err = applySetting(cfg, setting, keysSet)
		if err != nil {
			return
		}
	}
	return
}

func applySetting(cfg *Config, setting string, keysSet []string) (newKeysSet []string, err error) {
	newKeysSet = keysSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if strings.HasPrefix(setting, "file:") {
		// Read settings from a file.
		var filePath string
		filePath, err = fsutil.ReplaceTildeInDir(strings.TrimPrefix(setting, "file:"))
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, setting := range strings.Split(line, ";") {
				newKeysSet, err = applySetting(cfg, setting, newKeysSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	key, valueStr, found := strings.Cut(setting, "=")
	if !found {
		err = errors.Errorf("can't parse setting %q: each setting requires the format \"<section>.<key>=<value>\"", setting)
		return
	}
	key, valueStr = strings.TrimSpace(key), strings.TrimSpace(valueStr)
	field, err := lookup(cfg, key)
	if err != nil {
		return
	}
	previousFamily := cfg.Model.Family
	if err = parseValue(field, valueStr); err != nil {
		err = errors.WithMessagef(err, "failed to parse value %q for setting %q", valueStr, key)
		return
	}
	if cfg.Model.Family != previousFamily {
		family := cfg.Model.Family
		cfg.Model = DefaultFor(family).Model
	}
	newKeysSet = append(newKeysSet, key)
	return
}

// lookup returns the field of cfg under the YAML path key.
func lookup(cfg *Config, key string) (reflect.Value, error) {
	value := reflect.ValueOf(cfg).Elem()
	for _, name := range strings.Split(key, KeySeparator) {
		if value.Kind() != reflect.Struct {
			return reflect.Value{}, errors.Errorf("unknown setting %q: %q is not a section", key, name)
		}
		idx := -1
		for ii := range value.NumField() {
			if yamlName(value.Type().Field(ii)) == name {
				idx = ii
				break
			}
		}
		if idx < 0 {
			return reflect.Value{}, errors.Errorf("unknown setting %q, see the list of valid keys with Keys()", key)
		}
		value = value.Field(idx)
	}
	if value.Kind() == reflect.Struct {
		return reflect.Value{}, errors.Errorf("setting %q is a section, it needs a key", key)
	}
	return value, nil
}

func yamlName(f reflect.StructField) string {
	name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if name == "" {
		return strings.ToLower(f.Name)
	}
	return name
}

var durationType = reflect.TypeOf(time.Duration(0))

// parseValue parses valueStr into the field.
func parseValue(field reflect.Value, valueStr string) error {
	if u, ok := field.Addr().Interface().(encoding.TextUnmarshaler); ok {
		return u.UnmarshalText([]byte(valueStr))
	}
	if field.Type() == durationType {
		d, err := time.ParseDuration(valueStr)
		if err != nil {
			return errors.WithStack(err)
		}
		field.SetInt(int64(d))
		return nil
	}
	switch field.Kind() {
	case reflect.Int, reflect.Int32, reflect.Int64, reflect.Uint, reflect.Uint32, reflect.Uint64:
		valueStr = strings.ReplaceAll(valueStr, "_", "")
		return errors.WithStack(json.Unmarshal([]byte(valueStr), field.Addr().Interface()))
	case reflect.Float32, reflect.Float64, reflect.Bool:
		return errors.WithStack(json.Unmarshal([]byte(valueStr), field.Addr().Interface()))
	case reflect.String:
		field.SetString(valueStr)
		return nil
	default:
		return errors.Errorf("don't know how to parse type %s", field.Type())
	}
}

// Keys returns the keys that can be set with ApplySettings, and their current values, sorted.
func Keys(cfg *Config) (keys []string, values []string) {
	type entry struct{ key, value string }
	var entries []entry
	var walk func(prefix string, v reflect.Value)
	walk = func(prefix string, v reflect.Value) {
		for ii := range v.NumField() {
			key := prefix + yamlName(v.Type().Field(ii))
			field := v.Field(ii)
			if field.Kind() == reflect.Struct {
				walk(key+KeySeparator, field)
				continue
			}
			entries = append(entries, entry{key, fmt.Sprint(field.Interface())})
		}
	}
	walk("", reflect.ValueOf(cfg).Elem())
	slices.SortFunc(entries, func(a, b entry) int { return strings.Compare(a.key, b.key) })
	for _, e := range entries {
		keys = append(keys, e.key)
		values = append(values, e.value)
	}
	return
}

// SettingsUsage returns the description of a settings flag, listing the keys and their defaults
// for the family.
func SettingsUsage(family autoencoder.Family) string {
	parts := []string{
		`Override configuration values. ` +
			`It should be a list of elements "section.key=value" separated by ";". ` +
			`It can also be given an entry like: "file:settings_file.txt", in ` +
			`which case the file will be read and the settings will be parsed, ` +
			`with new-lines working as ";" to separate settings and lines starting with "#" are considered comments. ` +
			`Available keys:`,
	}
	keys, values := Keys(DefaultFor(family))
	for ii, key := range keys {
		parts = append(parts, fmt.Sprintf("%q: default value is %s", key, values[ii]))
	}
	return strings.Join(parts, "\n")
}

// SprintSettings pretty-prints the values of the keys set, without duplicates.
func SprintSettings(cfg *Config, keysSet []string) string {
	keysSet = slices.Clone(keysSet)
	slices.Sort(keysSet)
	keysSet = slices.Compact(keysSet)
	var parts []string
	for _, key := range keysSet {
		field, err := lookup(cfg, key)
		if err != nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("\t%q: %v", key, field.Interface()))
	}
	return strings.Join(parts, "\n")
}
