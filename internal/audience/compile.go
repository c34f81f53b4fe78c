package audience

import (
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"
	"github.com/ignite/squeeze/internal/domain"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// compiled is a rule with its path, value and pattern resolved.
type compiled struct {
	rule  domain.Rule
	path  Path
	value Value
	ref   *Path
	re    *regexp.Regexp
}

// ValidateRules checks rules the way evaluation would, without a population.
// Authoring surfaces call it to reject malformed rules up front.
func ValidateRules(rules []domain.Rule) error {
	_, _, err := compileRules(rules)
	return err
}

func compileRules(rules []domain.Rule) (filters, excludes []compiled, err error) {
	for _, r := range rules {
		c, err := compileRule(r)
		if err != nil {
			return nil, nil, err
		}
		if r.Method == domain.MethodExclude {
			excludes = append(excludes, c)
		} else {
			filters = append(filters, c)
		}
	}
	return filters, excludes, nil
}

func compileRule(r domain.Rule) (compiled, error) {
	if err := validate.Struct(r); err != nil {
		return compiled{}, invalid(r, "%v", err)
	}

	path, err := ParsePath(r.Field)
	if err != nil {
		return compiled{}, invalid(r, "%v", err)
	}
	val, err := ParseValue(r.Value)
	if err != nil {
		return compiled{}, invalid(r, "%v", err)
	}
	c := compiled{rule: r, path: path, value: val}

	if val.Kind == ValueFieldRef {
		ref, err := ParsePath(val.Field)
		if err != nil {
			return compiled{}, invalid(r, "field reference: %v", err)
		}
		c.ref = &ref
	}

	if path.Type == TypeList && isOrdered(r.Lookup) {
		return compiled{}, invalid(r, "lookup %s not supported on list field", r.Lookup)
	}

	switch r.Lookup {
	case domain.LookupRegex, domain.LookupIRegex:
		if val.Kind != ValueLiteral {
			return compiled{}, invalid(r, "regex lookups need a literal pattern")
		}
		pattern := val.Literal
		if r.Lookup == domain.LookupIRegex {
			pattern = "(?i)" + pattern
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return compiled{}, invalid(r, "bad pattern: %v", err)
		}
		c.re = re
	}

	if err := checkValueType(path, val, r.Lookup); err != nil {
		return compiled{}, invalid(r, "%v", err)
	}
	return c, nil
}

// checkValueType rejects values that can never compare against a typed field.
func checkValueType(p Path, v Value, lookup domain.Lookup) error {
	switch v.Kind {
	case ValueRelativeTime:
		if p.Type != TypeTime && p.Type != TypeAny {
			return fmt.Errorf("relative time against non-time field %q", p.Raw)
		}
	case ValueBool:
		if p.Type != TypeBool && p.Type != TypeAny {
			return fmt.Errorf("boolean against non-boolean field %q", p.Raw)
		}
	case ValueLiteral:
		if isTextual(lookup) {
			return nil
		}
		switch p.Type {
		case TypeBool:
			if _, ok := toBool(v.Literal); !ok {
				return fmt.Errorf("%q is not a boolean", v.Literal)
			}
		case TypeNumber:
			if _, ok := toFloat(v.Literal); !ok {
				return fmt.Errorf("%q is not a number", v.Literal)
			}
		case TypeTime:
			if _, ok := toTime(v.Literal); !ok {
				return fmt.Errorf("%q is not a date or time", v.Literal)
			}
		}
	}
	return nil
}

func isOrdered(l domain.Lookup) bool {
	switch l {
	case domain.LookupGt, domain.LookupGte, domain.LookupLt, domain.LookupLte:
		return true
	}
	return false
}

func isTextual(l domain.Lookup) bool {
	switch l {
	case domain.LookupIExact, domain.LookupContains, domain.LookupIContains,
		domain.LookupRegex, domain.LookupIRegex,
		domain.LookupStartsWith, domain.LookupEndsWith,
		domain.LookupIStartsWith, domain.LookupIEndsWith:
		return true
	}
	return false
}
