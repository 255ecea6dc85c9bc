// Package scheduler runs the agent's main loop.
//
// Each cycle collects the remaining time of every timer (local end
// timestamps, calendar schedules and one batched read from the external
// supplier), keeps only the features in play for the current context,
// executes what is ready under the session arbiter and then sleeps for the
// duration chosen by Policy.ComputeSleep.
package scheduler
