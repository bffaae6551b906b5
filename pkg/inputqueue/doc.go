// Package inputqueue provides the per-session handoff between prompt
// submission and the feeder loop of a running engine invocation.
//
// Submissions arrive from arbitrary goroutines at arbitrary times; the
// feeder is a single cooperative consumer that suspends in Next until a
// prompt arrives or the queue is closed. Prompts are always delivered in
// submission order, and prompts queued before Close are drained before the
// termination signal is observed.
package inputqueue
