package mainloop

// Stats counts what a loop has dispatched since it was created.
type Stats struct {
	Iterations        uint64
	IOEvents          uint64
	TimersFired       uint64
	DeferredRun       uint64
	TasksRun          uint64
	SignalsDispatched uint64
	SubloopDispatches uint64
}

// Stats returns a snapshot of the loop's counters. Like every method other
// than Submit and Wakeup, it must be called on the loop goroutine.
func (l *Loop) Stats() Stats {
	return l.stats
}
