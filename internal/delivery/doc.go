// Package delivery decides, per (alert key, destination), whether an alert
// event opens a new message, edits the existing one or is suppressed, and
// records the outcome so the decision survives restarts.
//
// Machine holds the decision table and the commit rules. Relay drives a
// webhook batch through it: it plans one Task per target, runs the tasks
// concurrently under a per-target lock, and joins the results.
package delivery
