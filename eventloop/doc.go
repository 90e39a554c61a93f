// Package eventloop provides a readiness-based, single-OS-thread event loop:
// a self-pipe waker, a platform readiness poller (epoll/kqueue/select), a
// mutex-guarded lifecycle state machine, a timer min-heap, and a
// self-rescheduling periodic callback.
//
// # Architecture
//
// [Loop] is the core: it owns a timer heap, a cross-thread callback queue,
// an fd table, and a [Waker] used to pull a blocked poll() call back to life
// when work arrives from another goroutine. Each [Loop] is meant to run on
// exactly one OS thread for its entire lifetime; [New] captures the creating
// PID and [Loop.Run] records the running goroutine's identity, refusing to be
// entered twice or from a forked process.
//
// # Platform support
//
//   - Linux: epoll ([RegisterFD] etc. backed by poller_linux.go)
//   - Darwin: kqueue (poller_darwin.go)
//   - every other unix, the BSDs included: select via golang.org/x/sys/unix
//     (poller_other.go)
//
// # Iteration order
//
// Each call to the loop's main step runs, in order: due timers, up to N
// previously-queued callbacks (N snapshotted at the start of the step, which
// bounds callback-queue starvation), a poll for I/O readiness bounded by
// min(3600s, time to the next timer), then dispatch of the fds that became
// ready. A callback, timer, or fd handler that panics is recovered and
// routed to the loop's exception hook; the loop keeps running. An error
// returned by the poll step itself (other than EINTR, which is swallowed)
// forces the loop through STOPPING to STOPPED and is returned from Run.
//
// # Thread safety
//
// [Loop.SubmitCallback], [Loop.ScheduleAt], [Loop.ScheduleAfter], and
// [Loop.CancelTimer] are safe to call from any goroutine. [Loop.RegisterFD],
// [Loop.ModifyFD], and [Loop.UnregisterFD] are likewise safe from any
// goroutine, though handlers themselves always run on the loop's own thread.
package eventloop
