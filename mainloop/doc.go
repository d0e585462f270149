// Package mainloop provides a cooperative, single-threaded event loop with
// I/O readiness watches, timers, deferred tasks, signal handlers, and a
// composition mechanism that lets loops be nested inside one another.
//
// # Architecture
//
// A [Loop] owns every primitive registered with it. One iteration of the loop
// is split into three steps, which may be driven manually or by [Loop.Run]:
//
//  1. [Loop.Prepare] computes how long the loop may block, the minimum of the
//     earliest timer deadline and the timeout reported by each subloop.
//  2. [Loop.Poll] blocks in the OS multiplexer (epoll on Linux, poll(2) on
//     other unix platforms) and records the readiness set.
//  3. [Loop.Dispatch] runs one pass in a fixed phase order.
//
// The dispatch phases are:
//
//  1. pending signals
//  2. tasks queued via [Loop.Submit], then enabled deferred tasks
//  3. expired timers, earliest deadline first
//  4. nested subloops
//  5. slave I/O, watches forwarded into this loop by superloop clients
//  6. I/O watches owned directly by this loop
//
// # Deletion Safety
//
// Deleting a primitive from inside a callback is always safe. The item is
// tombstoned, skipped by the remainder of the pass, and compacted once the
// pass completes. No callback fires for an item after its deletion has been
// requested. Deleting the same handle twice is a programming error, and
// panics with an error wrapping [ErrInvariant].
//
// # Composition
//
// A loop may host guests with [Loop.AddSubloop]. Any [SubloopOps] will do,
// including another loop via [Loop.SubloopOps]. The host polls the guest's
// file descriptors on its behalf.
//
// A loop may also become the client of a superloop with [Loop.SetSuperloop].
// Every primitive is then registered with the host instead of locally, and the
// host drives all callbacks. [Loop.SuperloopOps] adapts a loop for use as
// such a host.
//
// # Thread Safety
//
// A Loop is NOT thread-safe. All methods must be called from the goroutine
// driving the loop, with the exception of [Loop.Submit] and [Loop.Wakeup].
//
// # Usage
//
//	loop, err := mainloop.New(mainloop.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	defer loop.Destroy()
//
//	_, _ = loop.AddTimer(100*time.Millisecond, 0, func(*mainloop.Timer) {
//	    loop.Quit(0)
//	})
//
//	return loop.Run(ctx)
package mainloop
