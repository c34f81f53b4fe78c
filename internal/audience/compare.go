package audience

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/squeeze/internal/domain"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

func (c compiled) target(sub domain.Subscriber, ann annotations, now time.Time) any {
	switch c.value.Kind {
	case ValueBool:
		return c.value.Bool
	case ValueRelativeTime:
		return c.value.Time(now)
	case ValueFieldRef:
		return c.ref.resolve(sub, ann)
	}
	return c.value.Literal
}

func (c compiled) matches(sub domain.Subscriber, ann annotations, now time.Time) bool {
	field := c.path.resolve(sub, ann)
	if field == nil {
		return false
	}
	want := c.target(sub, ann, now)
	if want == nil {
		return false
	}

	if list, ok := field.([]string); ok {
		for _, item := range list {
			if c.compare(item, want) {
				return true
			}
		}
		return false
	}
	return c.compare(field, want)
}

func (c compiled) compare(field, want any) bool {
	switch c.rule.Lookup {
	case domain.LookupExact:
		cmp, ok := order(field, want)
		return ok && cmp == 0
	case domain.LookupGt:
		cmp, ok := order(field, want)
		return ok && cmp > 0
	case domain.LookupGte:
		cmp, ok := order(field, want)
		return ok && cmp >= 0
	case domain.LookupLt:
		cmp, ok := order(field, want)
		return ok && cmp < 0
	case domain.LookupLte:
		cmp, ok := order(field, want)
		return ok && cmp <= 0
	}

	f, w := toText(field), toText(want)
	switch c.rule.Lookup {
	case domain.LookupIExact:
		return strings.EqualFold(f, w)
	case domain.LookupContains:
		return strings.Contains(f, w)
	case domain.LookupIContains:
		return strings.Contains(strings.ToLower(f), strings.ToLower(w))
	case domain.LookupStartsWith:
		return strings.HasPrefix(f, w)
	case domain.LookupIStartsWith:
		return strings.HasPrefix(strings.ToLower(f), strings.ToLower(w))
	case domain.LookupEndsWith:
		return strings.HasSuffix(f, w)
	case domain.LookupIEndsWith:
		return strings.HasSuffix(strings.ToLower(f), strings.ToLower(w))
	case domain.LookupRegex, domain.LookupIRegex:
		return c.re.MatchString(f)
	}
	return false
}

// order compares a and b in the strongest domain either side belongs to:
// time, then bool, then number, then string. ok is false when the other side
// cannot be coerced into that domain.
func order(a, b any) (int, bool) {
	if isTime(a) || isTime(b) {
		ta, ok1 := toTime(a)
		tb, ok2 := toTime(b)
		if !ok1 || !ok2 {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if isBool(a) || isBool(b) {
		ba, ok1 := toBool(a)
		bb, ok2 := toBool(b)
		if !ok1 || !ok2 {
			return 0, false
		}
		switch {
		case ba == bb:
			return 0, true
		case !ba:
			return -1, true
		}
		return 1, true
	}
	if isNumber(a) || isNumber(b) {
		fa, ok1 := toFloat(a)
		fb, ok2 := toFloat(b)
		if !ok1 || !ok2 {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		}
		return 0, true
	}
	return strings.Compare(toText(a), toText(b)), true
}

func isTime(v any) bool {
	_, ok := v.(time.Time)
	return ok
}

func isBool(v any) bool {
	_, ok := v.(bool)
	return ok
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64, json.Number:
		return true
	}
	return false
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, true
	case string:
		for _, layout := range timeLayouts {
			if parsed, err := time.Parse(layout, strings.TrimSpace(t)); err == nil {
				return parsed, true
			}
		}
	}
	return time.Time{}, false
}

func toBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.TrimSpace(b) {
		case "True", "true", "1":
			return true, true
		case "False", "false", "0":
			return false, true
		}
	}
	return false, false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

func toText(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case bool:
		if t {
			return "True"
		}
		return "False"
	case time.Time:
		return t.Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	b, _ := json.Marshal(v)
	return string(b)
}
