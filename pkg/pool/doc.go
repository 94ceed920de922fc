/*
Package pool provides managed worker execution for the datalink gateway.

The pool owns every long-running task in the process: in-process function
workers (connection accept loops, broker dispatchers, heartbeat emitters,
system data collectors) and external OS processes (helper binaries the
gateway supervises). Each worker gets a unique int64 ID that is never
reused, a run-state machine, cooperative pause/resume, and a graceful
stop protocol. Subsystems address their workers through string
attachment keys instead of holding raw IDs.

# Architecture

	┌─────────────────────────────────────────────────────────────┐
	│                          Pool                               │
	│                                                             │
	│  workers:     map[int64]*worker     (ID → record)           │
	│  attachments: map[string]int64      (key → ID)              │
	│  nextID:      atomic counter        (monotonic, no reuse)   │
	└───────┬─────────────────────────────────────┬───────────────┘
	        │                                     │
	        ▼                                     ▼
	┌───────────────────┐               ┌───────────────────────┐
	│  Function worker  │               │    Process worker     │
	│                   │               │                       │
	│  goroutine runs   │               │  exec.Cmd in its own  │
	│  Body(h *Handle)  │               │  process group with   │
	│                   │               │  piped stdio          │
	│  pause: cond var  │               │  pause: SIGSTOP       │
	│  stop: exit flag  │               │  stop: SIGTERM→KILL   │
	└───────────────────┘               └───────────┬───────────┘
	                                                │
	                                                ▼
	                                    ┌───────────────────────┐
	                                    │    Monitor loop       │
	                                    │  (10ms tick)          │
	                                    │  watches exit flag,   │
	                                    │  captures exit code   │
	                                    └───────────────────────┘

Every worker transitions through a fixed state machine:

	created ──► running ◄──► paused
	               │
	               ▼
	           stopped          (any state ──► error on panic)

IDs come from an atomic counter that only moves forward. Destroying a
worker record (Join, Shutdown) frees the map slot but the ID is gone
for the lifetime of the pool, so a stale ID held by another subsystem
can never silently address a different worker.

# Core Components

Pool: The central registry and lifecycle manager.

	p := pool.New()
	defer p.Shutdown()

	id, err := p.Spawn(func(h *pool.Handle) {
		for !h.ShouldExit() {
			h.CheckPause()
			doWork()
		}
	})

Handle: Passed to every function body, giving the task its control
surface without exposing the pool's internals.

	h.ID()          // the worker's own ID
	h.CheckPause()  // block here while paused
	h.ShouldExit()  // true once a stop was requested

Worker record: Internal per-task state (run-state, pause flag, exit
flag, pipes for processes, captured exit code). Guarded by a per-worker
mutex with a condition variable for pause waiters, so pausing one
worker never contends with the others.

Attachment registry: Maps string keys to worker IDs. Keys are unique
and live until explicitly unregistered or the pool shuts down. A key
can outlive its worker; operations through such a stale key report
the worker as not found rather than failing the key lookup.

# Worker Lifecycle

Function workers cooperate with the pool. The body is expected to call
CheckPause at safe points and to poll ShouldExit; the pool never kills
a goroutine. Pausing a function worker flips a flag and the next
CheckPause call parks the goroutine on a condition variable until
Resume broadcasts. Stop sets the exit flag, clears any pause so the
body can observe the flag, and returns immediately. The caller decides
whether to wait by calling Join.

Process workers are supervised. SpawnProcess launches argv with stdin,
stdout and stderr piped and the child placed in its own process group.
A monitor goroutine waits for the child while polling the exit flag
every 10 milliseconds:

	Pause   → SIGSTOP to the process group (kernel-level freeze)
	Resume  → SIGCONT to the process group
	Stop    → SIGCONT if frozen, then SIGTERM, 1 second grace,
	          then SIGKILL if the child is still alive

The exit code is captured into the worker record when the child
reaps; children killed by a signal record -1.

Restart tears the current task down, waits for it to fully exit, and
launches a replacement under the same ID. Function workers rerun the
same body. Process workers relaunch their command, optionally with a
new argv. If the relaunch fails the slot is released and the error
reported, leaving no half-alive record behind.

Join blocks until the worker exits (or a timeout elapses) and then
destroys the record. After a successful Join the ID is unknown to the
pool. A timed-out Join leaves the record intact so the caller can
retry or escalate.

# Usage Examples

## Spawning a Cooperative Loop

	id, err := p.Spawn(func(h *pool.Handle) {
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for !h.ShouldExit() {
			h.CheckPause()
			select {
			case <-ticker.C:
				collect()
			case <-time.After(100 * time.Millisecond):
			}
		}
	})
	if err != nil {
		return err
	}

## Supervising an External Process

	id, err := p.SpawnProcess([]string{"/usr/bin/modem-agent", "--port", "7700"})
	if err != nil {
		return err
	}

	stdin, stdout, stderr, err := p.Pipes(id)
	if err != nil {
		return err
	}
	go io.Copy(logSink, stderr)

## Addressing Workers by Key

	if err := p.Register("ws-accept", id); err != nil {
		return err
	}

	// elsewhere, without the ID in scope:
	p.StopByKey("ws-accept")
	p.RestartByKey("sysdata-collector", nil)

## Graceful Shutdown

	// Stop everything, wait for all tasks, destroy all records.
	// Concurrent Spawn calls fail with ErrShuttingDown.
	p.Shutdown()

# Integration Points

WebSocket server: Runs its accept loop as a single function worker
registered under a well-known key, so operators can pause intake
without dropping established connections.

Broker client: The inbound dispatcher and the heartbeat emitter are
pool workers. Pausing the heartbeat worker silences the client on the
status topic without disconnecting.

Request processor: Spawns one short-lived function worker per RPC
request and joins them during shutdown, bounding how long a drain can
take.

System data collector: A long-lived worker that honors CheckPause, so
dashboards can be frozen for debugging and resumed without losing the
worker or its ID.

Metrics: The pool reports its live worker count through Count, which
the metrics collector polls, and increments a spawn counter per kind.

# Design Patterns

## Cooperative Cancellation

Function workers are never killed. The pool flips flags and wakes
waiters; the body observes them at its own safe points. This keeps
worker-owned resources (sockets, files, transactions) from being
abandoned mid-operation, at the cost of requiring disciplined bodies.

## Per-Worker Locking

Each record carries its own mutex and condition variable. Pool-level
operations take the pool lock only to resolve IDs; state transitions
touch the worker lock alone. A paused worker parked on its condition
variable holds no pool-level resource.

## Monitor Goroutine per Process

Every child process gets one goroutine blocked in Wait plus one
monitor loop. The monitor owns all signal escalation, so Stop and
Shutdown return quickly and never block on a misbehaving child longer
than the grace period plus the kill.

## Records Outlive Tasks

A stopped worker's record (state, exit code, argv) stays queryable
until Join or Shutdown destroys it. Callers that only need
fire-and-forget semantics can skip Join; the record costs a map entry.

# Performance Characteristics

## Time Complexity

  - Spawn/SpawnProcess: O(1) map insert plus goroutine launch
  - Stop/Pause/Resume: O(1) flag flip and signal
  - Find/Register/Unregister: O(1) map operations
  - AllKeys: O(n log n) for the sort
  - Shutdown: O(n) stops, then bounded by the slowest worker

## Memory Usage

  - ~300 bytes per worker record
  - Function workers: one goroutine (8KB initial stack)
  - Process workers: two goroutines plus three OS pipes
  - 10,000 function workers ≈ 80MB, dominated by goroutine stacks

## Latency

  - Pause visibility: next CheckPause call (function) or signal
    delivery (process)
  - Stop visibility: next ShouldExit poll; monitor notices within 10ms
  - Process stop: up to 1s grace before SIGKILL

# Troubleshooting

## Worker Never Stops

Symptoms: Join times out repeatedly, Shutdown hangs.

The body is not polling ShouldExit, or blocks indefinitely between
polls. Audit the body for unbounded blocking calls; wrap channel
receives in a select with a timeout. As a last resort KillByKey marks
function workers stopped, but their goroutine still leaks until the
blocking call returns.

## Paused Process Keeps Running

Symptoms: Pause returns nil but the child continues consuming CPU.

The child escaped its process group (daemonized or called setsid).
SIGSTOP targets the group; a child that left it no longer receives
group signals. Supervise only direct, well-behaved children.

## Spawn Fails After Shutdown

Symptoms: ErrShuttingDown from Spawn or SpawnProcess.

Expected. Shutdown closes the pool permanently. Construct a new pool
instead of reusing a drained one; IDs restart from 1 in a new pool.

## Exit Code Is -1

A -1 exit code means the child was killed by a signal (including the
pool's own SIGKILL escalation) or is still running. Check the worker
state first: stopped with -1 means signal death.

# Best Practices

 1. Call CheckPause once per loop iteration, before the work, so a
    paused worker freezes before its next side effect.

 2. Keep bodies' blocking calls bounded. A body that can block forever
    turns Shutdown into a hang.

 3. Register a key for any worker another subsystem must reach.
    Passing raw IDs across packages invites stale-ID bugs; keys make
    staleness explicit (not found) instead of silent.

 4. Join workers you restarted or stopped when you need their slot
    gone; otherwise records accumulate until Shutdown.

 5. For process workers, drain stdout and stderr. A child blocked on a
    full pipe looks like a worker that ignores Stop.

# See Also

  - pkg/wsserver - Runs its accept loop as a pool worker
  - pkg/broker - Dispatcher and heartbeat workers
  - pkg/processor - Per-request workers and shutdown joins
  - pkg/sysdata - Long-lived collector worker
  - pkg/metrics - Polls the pool's worker count
*/
package pool
