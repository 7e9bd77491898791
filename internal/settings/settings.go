// Package settings is a flat key/value parameter map. Components publish
// their defaults as Settings and accept overrides mixed in on top.
package settings

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrSettings is the mark carried by every lookup or parse failure.
var ErrSettings = errors.New("settings")

// Settings map of settings parameters.
type Settings map[string]any

// Section returns the parameters whose key starts with prefix.
func (setts Settings) Section(prefix string) Settings {
	section := make(Settings)
	for key, value := range setts {
		if strings.HasPrefix(key, prefix) {
			section[key] = value
		}
	}
	return section
}

// Mixin overrides setts with each of settings, in order, and returns setts.
func (setts Settings) Mixin(settings ...map[string]any) Settings {
	for _, arg := range settings {
		for key, value := range arg {
			setts[key] = value
		}
	}
	return setts
}

// Keys returns the sorted parameter names.
func (setts Settings) Keys() []string {
	keys := make([]string, 0, len(setts))
	for key := range setts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Bool returns the boolean value for key.
func (setts Settings) Bool(key string) (bool, error) {
	value, ok := setts[key]
	if !ok {
		return false, errors.Mark(errors.Newf("missing settings %q", key), ErrSettings)
	}
	val, ok := value.(bool)
	if !ok {
		return false, errors.Mark(errors.Newf("settings %q not a bool: %T", key, value), ErrSettings)
	}
	return val, nil
}

// Int64 returns the int64 value for key. Any integer or float type is
// accepted.
func (setts Settings) Int64(key string) (int64, error) {
	value, ok := setts[key]
	if !ok {
		return 0, errors.Mark(errors.Newf("missing settings %q", key), ErrSettings)
	}
	switch val := value.(type) {
	case float64:
		return int64(val), nil
	case float32:
		return int64(val), nil
	case uint:
		return int64(val), nil
	case uint64:
		return int64(val), nil
	case uint32:
		return int64(val), nil
	case uint16:
		return int64(val), nil
	case uint8:
		return int64(val), nil
	case uintptr:
		return int64(val), nil
	case int:
		return int64(val), nil
	case int64:
		return val, nil
	case int32:
		return int64(val), nil
	case int16:
		return int64(val), nil
	case int8:
		return int64(val), nil
	}
	return 0, errors.Mark(errors.Newf("settings %q not a number: %T", key, value), ErrSettings)
}

// Set parses a "key=value" assignment against the type of the existing
// entry in setts and returns it as a one-entry override.
func (setts Settings) Set(assignment string) (Settings, error) {
	key, raw, ok := strings.Cut(assignment, "=")
	if !ok {
		return nil, errors.Mark(errors.Newf("expected key=value, got %q", assignment), ErrSettings)
	}
	key = strings.TrimSpace(key)
	current, ok := setts[key]
	if !ok {
		return nil, errors.Mark(errors.Newf("unknown settings %q", key), ErrSettings)
	}
	raw = strings.TrimSpace(raw)
	switch current.(type) {
	case bool:
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "settings %q", key), ErrSettings)
		}
		return Settings{key: v}, nil
	default:
		v, err := parseSize(raw)
		if err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "settings %q", key), ErrSettings)
		}
		return Settings{key: v}, nil
	}
}
