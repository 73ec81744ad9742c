// Package mas is a multi-agent orchestration runtime: a single
// process hosting a fleet of cooperating agents with typed messaging,
// capability routing, lifecycle supervision, audit and metrics.
//
// The daemon lives in cmd/masd, the operator CLI in cmd/masctl.
// internal/kernel wires the components in pkg/ together; the root
// package only carries the end-to-end tests.
package mas
