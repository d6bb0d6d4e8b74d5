// Package lane implements the two-level concurrency limiter that runs
// accepted work.
//
// # Lanes
//
// A lane is a named FIFO queue with its own concurrency cap. Lanes are created
// lazily the first time they are referenced and start with a cap of 1:
//
//	s := lane.New(lane.Config{Logger: logger})
//	s.SetConcurrency("main", 4)
//
//	fut := lane.Enqueue(ctx, s, "session:alice", func(ctx context.Context) (string, error) {
//	    return "done", nil
//	})
//	out, err := fut.Wait(ctx)
//
// Blank lane names map to "main".
//
// # Admission
//
// Enqueue pushes onto a lock-free queue and triggers a drain. The drain loop
// is single-flight per lane: a compare-and-swap flag elects one goroutine to
// pop entries while the lane's active count is below its cap, each admitted
// entry running on its own goroutine. When an entry finishes, the active
// count drops and the lane drains again. After releasing the flag the loop
// re-checks for work that arrived in the meantime, so no entry is stranded.
//
// Within a lane, entries start in arrival order. With a cap of 1 they are
// strictly serialized; with a larger cap they may finish out of order.
//
// # Failure
//
// A task error settles its Future with that error. A panic is recovered and
// reported as ErrTaskPanicked. Neither stops the lane.
//
// # Nesting
//
// A task may enqueue onto another lane and wait for the result. The outer
// lane's slot stays occupied until the inner task finishes, which is how the
// gateway serializes a session while also capping global concurrency.
//
// Queues are unbounded and accepted work cannot be canceled.
package lane
