// Package supervisor implements the dependency driven lifecycle of worker
// processes.
//
// Overview
// The Supervisor owns a validated registry of workers and a single loop
// (Do). Each tick:
//
//  1. polls every Running worker without waiting (Finished on exit code 0,
//     Failed otherwise),
//  2. evaluates every Pending worker in registration order and launches the
//     ready ones,
//  3. sleeps a short interval, or a long one once every worker is Running or
//     Finished.
//
// A worker is ready when all its dependencies are Running or Finished and
// its minimum delay has elapsed since its anchor. Decide and Ready are pure,
// Tick applies their decisions worker by worker, so a dependency launched or
// finished earlier in a tick is visible to dependents later in the same tick.
//
// Data flow:
//
//	Supervisor.Do        Tick                 proc.Launcher
//	     |                 |                        |
//	     | timer --------->| poll handles           |
//	     |                 | Decide(worker) ------->| Launch()
//	     |                 |<------- Handle --------|
//	     |<-- interval ----|                        |
//	ctx.Done -> StopAll -> Stop(name): Descendants, Terminate each
//
// Invariants:
//   - At most one handle per worker, dropped exactly once (exit observed or Stop).
//   - Finished, Failed and Stopped are terminal.
//   - Only the loop goroutine touches the state maps, other goroutines use Snapshot.
//   - A panic inside a tick is recovered, logged and followed by the backoff interval.
//
// Failure policy and delay anchor are configurable, see model.Supervisor.
package supervisor
