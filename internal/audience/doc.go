// Package audience evaluates declarative audience rules against a candidate
// population.
//
// A rule set is applied as: every filter rule ANDed together, every exclude
// rule ORed together and subtracted from the filtered set. Rule values are
// parsed into a small typed grammar (literals, booleans, relative times and
// field references) and resolved against the "now" supplied by the caller,
// so evaluation is pure and deterministic for a given now.
//
// Rules can be evaluated in memory by Evaluator or compiled to a PostgreSQL
// WHERE clause by QueryBuilder; both share the same path and value grammar.
package audience
