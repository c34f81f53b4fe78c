// Package store defines the persistence contracts the workflow engine consumes.
//
// The engine issues abstract "load", "save" and "get or create" calls through
// these interfaces and never builds queries itself. Implementations live in
// repository/postgres/ and repository/memory/.
package store
