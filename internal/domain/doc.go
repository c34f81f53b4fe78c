// Package domain defines the core business types for the squeeze workflow engine.
//
// Types in this package are pure value objects: subscribers and the steps they
// move through, drips and their send intents, funnels, audience rules and
// engagement facts. They are the shared language between the engine,
// dispatch pipeline, services and repositories.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON/DB/validate tags are allowed (they're metadata, not behavior)
//   - Pure state-transition and validation methods are allowed
//   - Constants and enums belong here
package domain
