package domain

// RuleMethod decides how a rule combines with its siblings.
type RuleMethod string

const (
	MethodFilter  RuleMethod = "filter"
	MethodExclude RuleMethod = "exclude"
)

// Lookup is a comparison operator applied between a field and a value.
type Lookup string

const (
	LookupExact       Lookup = "exact"
	LookupIExact      Lookup = "iexact"
	LookupContains    Lookup = "contains"
	LookupIContains   Lookup = "icontains"
	LookupRegex       Lookup = "regex"
	LookupIRegex      Lookup = "iregex"
	LookupGt          Lookup = "gt"
	LookupGte         Lookup = "gte"
	LookupLt          Lookup = "lt"
	LookupLte         Lookup = "lte"
	LookupStartsWith  Lookup = "startswith"
	LookupEndsWith    Lookup = "endswith"
	LookupIStartsWith Lookup = "istartswith"
	LookupIEndsWith   Lookup = "iendswith"
)

// Rule is a declarative audience predicate attached to a Decision or Drip.
// Value is an expression: a literal, True/False, now±duration,
// today±duration or F_<field>.
type Rule struct {
	ID     string     `json:"id,omitempty" db:"id"`
	Method RuleMethod `json:"method" db:"method" validate:"required,oneof=filter exclude"`
	Field  string     `json:"field" db:"field_name" validate:"required"`
	Lookup Lookup     `json:"lookup" db:"lookup" validate:"required,oneof=exact iexact contains icontains regex iregex gt gte lt lte startswith endswith istartswith iendswith"`
	Value  string     `json:"value" db:"field_value"`
}
