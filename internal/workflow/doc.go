// Package workflow runs subscribers through the step forest.
//
// Each active step is evaluated once per cycle under its own lease: the
// engine loads the subscribers currently on the step and hands them to the
// step's action (decision, delay, modify or drip). Actions move subscribers
// as a side effect and never delete subscribers or steps. Nothing here
// schedules itself; an external trigger calls RunAll and SendDrips.
package workflow
