// Package bulk runs independent per-item operations across a bounded worker
// pool under a single group deadline.
//
// RunAll always returns exactly one Result per submitted Task, in submission
// order. The group deadline is PerItemTimeout multiplied by the number of
// tasks. When it elapses:
//   - Tasks that have not started are cancelled and never run
//   - Tasks already running are not interrupted; their eventual outcome is
//     discarded and logged
//   - Both get a Result whose Err is a *TimeoutError and whose Start and End
//     equal the deadline snapshot
//
// Task failures, including panics, become that item's Result.Err. RunAll only
// returns an error for invalid arguments.
package bulk
