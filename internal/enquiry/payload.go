package enquiry

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// Payload is a decoded JSON object as delivered by the push transport or the
// list API. Payloads are shared between handlers and must not be mutated.
type Payload map[string]any

// fieldPath addresses a value nested inside a Payload, e.g. {"lead", "_id"}.
type fieldPath []string

func (p Payload) lookup(path fieldPath) (any, bool) {
	var current any = map[string]any(p)
	for _, segment := range path {
		m, ok := asObject(current)
		if !ok {
			return nil, false
		}
		current, ok = m[segment]
		if !ok || current == nil {
			return nil, false
		}
	}
	return current, true
}

// Object returns the nested object at key, if present.
func (p Payload) Object(key string) (Payload, bool) {
	value, ok := p[key]
	if !ok {
		return nil, false
	}
	m, ok := asObject(value)
	if !ok {
		return nil, false
	}
	return Payload(m), true
}

// StringAt returns the non-blank string found at path.
func (p Payload) StringAt(path ...string) (string, bool) {
	return p.firstText([]fieldPath{path})
}

func asObject(v any) (map[string]any, bool) {
	switch typed := v.(type) {
	case map[string]any:
		return typed, true
	case Payload:
		return typed, true
	default:
		return nil, false
	}
}

// firstIdentifier applies the rules in order and returns the first value that
// renders to a non-empty identifier. Strings and numbers qualify.
func (p Payload) firstIdentifier(rules []fieldPath) (string, bool) {
	for _, rule := range rules {
		value, ok := p.lookup(rule)
		if !ok {
			continue
		}
		if id, ok := identifierString(value); ok {
			return id, true
		}
	}
	return "", false
}

// firstText is like firstIdentifier but only accepts non-blank strings.
func (p Payload) firstText(rules []fieldPath) (string, bool) {
	for _, rule := range rules {
		value, ok := p.lookup(rule)
		if !ok {
			continue
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) != "" {
			return s, true
		}
	}
	return "", false
}

func (p Payload) firstTime(rules []fieldPath) (time.Time, bool) {
	for _, rule := range rules {
		value, ok := p.lookup(rule)
		if !ok {
			continue
		}
		if ts, ok := parseTimestamp(value); ok {
			return ts, true
		}
	}
	return time.Time{}, false
}

func (p Payload) firstBool(rules []fieldPath) (bool, bool) {
	for _, rule := range rules {
		value, ok := p.lookup(rule)
		if !ok {
			continue
		}
		switch typed := value.(type) {
		case bool:
			return typed, true
		case string:
			if b, err := strconv.ParseBool(strings.TrimSpace(typed)); err == nil {
				return b, true
			}
		}
	}
	return false, false
}

func identifierString(v any) (string, bool) {
	switch typed := v.(type) {
	case string:
		typed = strings.TrimSpace(typed)
		return typed, typed != ""
	case json.Number:
		return typed.String(), typed.String() != ""
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return "", false
		}
		return strconv.FormatFloat(typed, 'f', -1, 64), true
	case int:
		return strconv.Itoa(typed), true
	case int64:
		return strconv.FormatInt(typed, 10), true
	default:
		return "", false
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02 15:04:05",
}

// parseTimestamp accepts RFC3339 strings and unix milliseconds.
func parseTimestamp(v any) (time.Time, bool) {
	switch typed := v.(type) {
	case string:
		typed = strings.TrimSpace(typed)
		if typed == "" {
			return time.Time{}, false
		}
		for _, layout := range timestampLayouts {
			if ts, err := time.Parse(layout, typed); err == nil {
				return ts.UTC(), true
			}
		}
		if ms, err := strconv.ParseInt(typed, 10, 64); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC(), true
		}
	case json.Number:
		if ms, err := typed.Int64(); err == nil && ms > 0 {
			return time.UnixMilli(ms).UTC(), true
		}
	case float64:
		if typed > 0 && !math.IsInf(typed, 0) {
			return time.UnixMilli(int64(typed)).UTC(), true
		}
	case time.Time:
		if !typed.IsZero() {
			return typed.UTC(), true
		}
	}
	return time.Time{}, false
}
