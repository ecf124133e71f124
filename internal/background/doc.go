// Package background runs long running jobs off the caller's goroutine.
//
// Overview
// An Engine owns one worker pool per enabled Category and a registry of live
// jobs. The registry is a single goroutine: every mutation of rows, the
// aggregate item counter and the handle arena arrives as a command on one
// channel, so no registry state is shared with workers.
//
// A job is submitted with Submit and runs on a worker of its category. The
// job body polls Job.TestCancel or Job.ReportProgress; both return true once
// the job was cancelled through Engine.CancelJob/CancelAll or the engine is
// shutting down. Cancellation is cooperative, a body which never polls keeps
// running.
//
// Data flow:
//
//	caller               registry goroutine            pool[category]
//	  |                         |                            |
//	  Submit ---- submit ------>| row++, items+=k ---------->| push
//	  |                         |                            | worker: Run(v, job)
//	  |                         |<------ progress ----------| ReportProgress
//	  CancelJob -- cancel ----->| kill switch, drop row       |
//	  |                         |<------ finish ------------| Run returned
//	  |                         | items-=rest, Cleanup, free |
//
// Invariants:
//   - Cleanup runs exactly once per accepted job, on every path.
//   - CancelCleanup runs at most once, before Cleanup, never after it.
//   - A job's remaining items only decrease, in total by the submitted count.
//   - Once a row is released no progress update reaches it.
//   - Stale handles are rejected by their generation.
//   - Listeners are notified from the registry goroutine only.
package background
