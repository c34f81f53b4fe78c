// Package queue is the asynchronous task runner for delivery chunks. The
// Publisher satisfies dispatch.TaskRunner; the Consumer feeds received
// tasks to a chunk deliverer. Both sit on Watermill, so the broker is
// Kafka in production and an in-process Go channel in development.
package queue
