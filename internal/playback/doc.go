// Package playback paces an event sequence into the state reducer one
// user-batch at a time.
//
// A Scheduler pulls from a Cursor, which hides whether events come from a
// finished recording (ReplayCursor) or a live feed (LiveCursor). Each tick
// assembles the maximal run of events for one user_number and applies it
// atomically; housekeeping events (status, sim_started, matrix_ready) are
// routed through immediately without ending the batch. A bandit_snapshot
// closes the batch it belongs to, and sim_ended completes the run.
//
// Ticks are separated by 1000ms divided by the run's speed multiplier. The
// multiplier is read when the next tick is scheduled, so a speed change
// affects the following delay and never the one already pending.
//
// CONCURRENCY:
//
// All scheduler state is guarded by one mutex. Timer callbacks carry the
// generation they were scheduled under; Start, Pause and Stop bump the
// generation, so a callback that fires after being superseded does nothing
// even if the underlying timer could not be stopped in time.
package playback
