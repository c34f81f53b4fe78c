package audience

import (
	"fmt"
	"strings"
	"time"

	"github.com/ignite/squeeze/internal/domain"
	"github.com/ignite/squeeze/internal/store"
)

// QueryBuilder compiles rule sets into a PostgreSQL WHERE clause over the
// squeeze_subscribers table aliased as "s".
type QueryBuilder struct {
	args       []interface{}
	argCounter int
}

// NewQueryBuilder creates a new QueryBuilder
func NewQueryBuilder() *QueryBuilder {
	return &QueryBuilder{
		args:       make([]interface{}, 0),
		argCounter: 1,
	}
}

// nextArg returns the next argument placeholder
func (qb *QueryBuilder) nextArg(value interface{}) string {
	qb.args = append(qb.args, value)
	placeholder := fmt.Sprintf("$%d", qb.argCounter)
	qb.argCounter++
	return placeholder
}

// BuildWhere returns the condition for rules (filters ANDed, excludes ORed
// and negated) together with its positional arguments. now resolves
// relative-time values. An empty rule set yields "TRUE".
func (qb *QueryBuilder) BuildWhere(rules []domain.Rule, now time.Time) (string, []interface{}, error) {
	qb.args = make([]interface{}, 0)
	qb.argCounter = 1

	filters, excludes, err := compileRules(rules)
	if err != nil {
		return "", nil, err
	}

	parts := []string{}
	for _, f := range filters {
		sql, err := qb.buildCondition(f, now)
		if err != nil {
			return "", nil, err
		}
		parts = append(parts, "("+sql+")")
	}

	if len(excludes) > 0 {
		ors := make([]string, 0, len(excludes))
		for _, x := range excludes {
			sql, err := qb.buildCondition(x, now)
			if err != nil {
				return "", nil, err
			}
			// NULL comparisons must not knock a row out of the outer NOT.
			ors = append(ors, "COALESCE(("+sql+"), FALSE)")
		}
		parts = append(parts, "NOT ("+strings.Join(ors, " OR ")+")")
	}

	if len(parts) == 0 {
		return "TRUE", qb.args, nil
	}
	return strings.Join(parts, "\n  AND "), qb.args, nil
}

// Attribute values are free-form JSON. Each cast is guarded by a pattern
// matching what the in-memory evaluator coerces; a value of the wrong shape
// compares as NULL.
const (
	numericPattern = `^\s*[-+]?([0-9]+\.?[0-9]*|\.[0-9]+)([eE][-+]?[0-9]+)?\s*$`
	boolLiterals   = `'True', 'true', '1', 'False', 'false', '0'`
	timePattern    = `^\s*[0-9]{4}-(0[1-9]|1[0-2])-(0[1-9]|[12][0-9]|3[01])` +
		`([T ]([01][0-9]|2[0-3]):[0-5][0-9](:[0-5][0-9](\.[0-9]+)?)?(Z|[+-][0-9]{2}(:?[0-9]{2})?)?)?\s*$`
)

// columnExpr returns the SQL expression for a path, cast for comparison
// against want.
func (qb *QueryBuilder) columnExpr(p Path, want FieldType) string {
	switch p.Kind {
	case PathCount:
		return countSubquery(p.Name)
	case PathAttribute:
		raw := fmt.Sprintf("(s.attributes->>%s)", qb.nextArg(p.Name))
		switch want {
		case TypeNumber:
			return fmt.Sprintf("(CASE WHEN %s ~ '%s' THEN %s::numeric END)", raw, numericPattern, raw)
		case TypeBool:
			return fmt.Sprintf("(CASE WHEN btrim(%s) IN (%s) THEN btrim(%s)::boolean END)", raw, boolLiterals, raw)
		case TypeTime:
			return fmt.Sprintf("(CASE WHEN %s ~ '%s' THEN %s::timestamptz END)", raw, timePattern, raw)
		}
		return raw
	}
	return "s." + p.Name
}

func countSubquery(relation string) string {
	switch relation {
	case store.RelationSendDrips:
		return "(SELECT COUNT(DISTINCT i.id) FROM squeeze_send_intents i WHERE i.subscriber_id = s.id)"
	case store.RelationFunnels:
		return "(SELECT COUNT(DISTINCT fs.funnel_id) FROM squeeze_funnel_subscriptions fs WHERE fs.subscriber_id = s.id)"
	}
	kind := map[string]domain.FactKind{
		store.RelationOpens:        domain.FactOpen,
		store.RelationClicks:       domain.FactClick,
		store.RelationSpams:        domain.FactSpam,
		store.RelationUnsubscribes: domain.FactUnsubscribe,
	}[relation]
	return fmt.Sprintf(`(SELECT COUNT(DISTINCT f.send_intent_id) FROM squeeze_engagement_facts f
			JOIN squeeze_send_intents i ON i.id = f.send_intent_id
			WHERE i.subscriber_id = s.id AND f.kind = '%s')`, kind)
}

// targetType picks the comparison domain for a rule: the field's own type
// when known, otherwise whatever the value looks like.
func targetType(c compiled) FieldType {
	if c.path.Type != TypeAny && c.path.Type != TypeList {
		return c.path.Type
	}
	if isTextual(c.rule.Lookup) {
		return TypeString
	}
	switch c.value.Kind {
	case ValueBool:
		return TypeBool
	case ValueRelativeTime:
		return TypeTime
	case ValueFieldRef:
		if c.ref.Type != TypeAny && c.ref.Type != TypeList {
			return c.ref.Type
		}
		return TypeString
	}
	if _, ok := toFloat(c.value.Literal); ok {
		return TypeNumber
	}
	if _, ok := toTime(c.value.Literal); ok {
		return TypeTime
	}
	if _, ok := toBool(c.value.Literal); ok && c.rule.Lookup == domain.LookupExact {
		return TypeBool
	}
	return TypeString
}

func (qb *QueryBuilder) valueExpr(c compiled, typ FieldType, now time.Time) string {
	switch c.value.Kind {
	case ValueBool:
		return qb.nextArg(c.value.Bool)
	case ValueRelativeTime:
		return qb.nextArg(c.value.Time(now))
	case ValueFieldRef:
		return qb.columnExpr(*c.ref, typ)
	}
	lit := c.value.Literal
	switch typ {
	case TypeNumber:
		f, _ := toFloat(lit)
		return qb.nextArg(f)
	case TypeBool:
		b, _ := toBool(lit)
		return qb.nextArg(b)
	case TypeTime:
		t, _ := toTime(lit)
		return qb.nextArg(t)
	}
	return qb.nextArg(lit)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// buildCondition builds SQL for a single rule
func (qb *QueryBuilder) buildCondition(c compiled, now time.Time) (string, error) {
	if c.path.Type == TypeList {
		return qb.buildListCondition(c)
	}

	typ := targetType(c)
	if isTextual(c.rule.Lookup) {
		field := qb.columnExpr(c.path, TypeString)
		if c.path.Kind != PathAttribute {
			field += "::text"
		}
		return qb.textCondition(c, field, now)
	}

	field := qb.columnExpr(c.path, typ)
	value := qb.valueExpr(c, typ, now)

	switch c.rule.Lookup {
	case domain.LookupExact:
		return fmt.Sprintf("%s = %s", field, value), nil
	case domain.LookupGt:
		return fmt.Sprintf("%s > %s", field, value), nil
	case domain.LookupGte:
		return fmt.Sprintf("%s >= %s", field, value), nil
	case domain.LookupLt:
		return fmt.Sprintf("%s < %s", field, value), nil
	case domain.LookupLte:
		return fmt.Sprintf("%s <= %s", field, value), nil
	default:
		return "", fmt.Errorf("unsupported lookup: %s", c.rule.Lookup)
	}
}

func (qb *QueryBuilder) textValue(c compiled, now time.Time) string {
	switch c.value.Kind {
	case ValueBool:
		return toText(c.value.Bool)
	case ValueRelativeTime:
		return toText(c.value.Time(now))
	}
	return c.value.Literal
}

func (qb *QueryBuilder) textCondition(c compiled, field string, now time.Time) (string, error) {
	if c.value.Kind == ValueFieldRef {
		other := qb.columnExpr(*c.ref, TypeString)
		if c.ref.Kind != PathAttribute {
			other += "::text"
		}
		switch c.rule.Lookup {
		case domain.LookupIExact:
			return fmt.Sprintf("LOWER(%s) = LOWER(%s)", field, other), nil
		case domain.LookupContains:
			return fmt.Sprintf("STRPOS(%s, %s) > 0", field, other), nil
		case domain.LookupIContains:
			return fmt.Sprintf("STRPOS(LOWER(%s), LOWER(%s)) > 0", field, other), nil
		case domain.LookupStartsWith:
			return fmt.Sprintf("LEFT(%s, LENGTH(%s)) = %s", field, other, other), nil
		case domain.LookupIStartsWith:
			return fmt.Sprintf("LOWER(LEFT(%s, LENGTH(%s))) = LOWER(%s)", field, other, other), nil
		case domain.LookupEndsWith:
			return fmt.Sprintf("RIGHT(%s, LENGTH(%s)) = %s", field, other, other), nil
		case domain.LookupIEndsWith:
			return fmt.Sprintf("LOWER(RIGHT(%s, LENGTH(%s))) = LOWER(%s)", field, other, other), nil
		}
		return "", fmt.Errorf("unsupported lookup with field reference: %s", c.rule.Lookup)
	}

	v := qb.textValue(c, now)
	switch c.rule.Lookup {
	case domain.LookupIExact:
		return fmt.Sprintf("LOWER(%s) = LOWER(%s)", field, qb.nextArg(v)), nil
	case domain.LookupContains:
		return fmt.Sprintf("%s LIKE %s", field, qb.nextArg("%"+likeEscaper.Replace(v)+"%")), nil
	case domain.LookupIContains:
		return fmt.Sprintf("%s ILIKE %s", field, qb.nextArg("%"+likeEscaper.Replace(v)+"%")), nil
	case domain.LookupStartsWith:
		return fmt.Sprintf("%s LIKE %s", field, qb.nextArg(likeEscaper.Replace(v)+"%")), nil
	case domain.LookupIStartsWith:
		return fmt.Sprintf("%s ILIKE %s", field, qb.nextArg(likeEscaper.Replace(v)+"%")), nil
	case domain.LookupEndsWith:
		return fmt.Sprintf("%s LIKE %s", field, qb.nextArg("%"+likeEscaper.Replace(v))), nil
	case domain.LookupIEndsWith:
		return fmt.Sprintf("%s ILIKE %s", field, qb.nextArg("%"+likeEscaper.Replace(v))), nil
	case domain.LookupRegex:
		return fmt.Sprintf("%s ~ %s", field, qb.nextArg(v)), nil
	case domain.LookupIRegex:
		return fmt.Sprintf("%s ~* %s", field, qb.nextArg(v)), nil
	}
	return "", fmt.Errorf("unsupported lookup: %s", c.rule.Lookup)
}

// buildListCondition matches when any tag satisfies the lookup.
func (qb *QueryBuilder) buildListCondition(c compiled) (string, error) {
	if c.value.Kind != ValueLiteral && c.value.Kind != ValueBool {
		return "", fmt.Errorf("unsupported value for list field %s", c.path.Raw)
	}
	v := c.value.Literal
	if c.value.Kind == ValueBool {
		v = toText(c.value.Bool)
	}

	var cond string
	switch c.rule.Lookup {
	case domain.LookupExact:
		return fmt.Sprintf("%s = ANY(s.%s)", qb.nextArg(v), c.path.Name), nil
	case domain.LookupIExact:
		cond = fmt.Sprintf("LOWER(t.v) = LOWER(%s)", qb.nextArg(v))
	case domain.LookupContains:
		cond = fmt.Sprintf("t.v LIKE %s", qb.nextArg("%"+likeEscaper.Replace(v)+"%"))
	case domain.LookupIContains:
		cond = fmt.Sprintf("t.v ILIKE %s", qb.nextArg("%"+likeEscaper.Replace(v)+"%"))
	case domain.LookupStartsWith:
		cond = fmt.Sprintf("t.v LIKE %s", qb.nextArg(likeEscaper.Replace(v)+"%"))
	case domain.LookupIStartsWith:
		cond = fmt.Sprintf("t.v ILIKE %s", qb.nextArg(likeEscaper.Replace(v)+"%"))
	case domain.LookupEndsWith:
		cond = fmt.Sprintf("t.v LIKE %s", qb.nextArg("%"+likeEscaper.Replace(v)))
	case domain.LookupIEndsWith:
		cond = fmt.Sprintf("t.v ILIKE %s", qb.nextArg("%"+likeEscaper.Replace(v)))
	case domain.LookupRegex:
		cond = fmt.Sprintf("t.v ~ %s", qb.nextArg(v))
	case domain.LookupIRegex:
		cond = fmt.Sprintf("t.v ~* %s", qb.nextArg(v))
	default:
		return "", fmt.Errorf("unsupported lookup on list: %s", c.rule.Lookup)
	}
	return fmt.Sprintf("EXISTS (SELECT 1 FROM unnest(s.%s) AS t(v) WHERE %s)", c.path.Name, cond), nil
}
