// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package backends

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Options parsed from a backend configuration, e.g. "parallelism=4,blockx=64".
//
// Keys are case-insensitive. A key given without a value is set to "true".
// Backends read the options they know, and then call CheckUnused to reject the others.
type Options struct {
	config string
	keys   []string
	values map[string]string
	used   map[string]bool
}

// ParseOptions parses the comma-separated "key=value" list in config.
func ParseOptions(config string) (*Options, error) {
	o := &Options{
		config: config,
		values: make(map[string]string),
		used:   make(map[string]bool),
	}
	for _, part := range strings.Split(config, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, found := strings.Cut(part, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		if key == "" {
			return nil, errors.Errorf("empty option name in configuration %q", config)
		}
		if !found {
			value = "true"
		}
		if _, dup := o.values[key]; dup {
			return nil, errors.Errorf("option %q given more than once in configuration %q", key, config)
		}
		o.keys = append(o.keys, key)
		o.values[key] = strings.TrimSpace(value)
	}
	return o, nil
}

// String returns the value of the option, or defaultValue if it's not set.
func (o *Options) String(key, defaultValue string) string {
	o.used[key] = true
	if value, found := o.values[key]; found {
		return value
	}
	return defaultValue
}

// Int returns the value of the option as an int, or defaultValue if it's not set.
func (o *Options) Int(key string, defaultValue int) (int, error) {
	o.used[key] = true
	value, found := o.values[key]
	if !found {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, errors.Wrapf(err, "option %q in configuration %q", key, o.config)
	}
	return n, nil
}

// Bool returns the value of the option as a bool, or defaultValue if it's not set.
func (o *Options) Bool(key string, defaultValue bool) (bool, error) {
	o.used[key] = true
	value, found := o.values[key]
	if !found {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return false, errors.Wrapf(err, "option %q in configuration %q", key, o.config)
	}
	return b, nil
}

// CheckUnused returns an error naming the first option not read by the backend.
func (o *Options) CheckUnused(backendName string) error {
	for _, key := range o.keys {
		if !o.used[key] {
			return errors.Errorf("unknown configuration option %q for backend %q", key, backendName)
		}
	}
	return nil
}
