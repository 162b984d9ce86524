// obligatory // comment

/*
Package strobe provides the coordination primitives used by the rest of the toolkit: signals,
supervised tasks, queues, and ticking, with a focus on minimizing magic.

Broadly, the tools belong to a few distinct groups:

- Completion: [Signal], [NewChild], [ResettableSignal], [WaitForAll], and [WaitForFirst]
- Tasks: [Task], [Go], [SpawnBackground], [TaskHolder], and [Memo]
- Streams: [Queue], [Ticker], and [ResultStreamer]
- Stack trace collection and printing: [StackTrace], [GetStackTrace], and [StackFrame]

# Signals

A [Signal] is a one-shot completion: it starts pending and becomes exactly one of resolved,
failed, or cancelled. Long-lived components never own their lifetime outright. Instead they're
given a "final" signal by their owner and create a child of it with [NewChild], so that finishing
the final signal shuts down everything below it.

Callbacks registered with [Signal.OnDone] return a function to unregister them. Children use this
to detach from their parent once they finish, so a parent that lives for the whole process doesn't
accumulate callbacks from every short-lived child.

For forwarding OS signals into a Signal, see [CancelOnOS].

# Tasks

[Go] runs a function on its own goroutine, with its result delivered through a Signal. Panics are
recovered into a [*PropagatedError], carrying the stack trace of where the task was spawned.

[TaskHolder] is a glorified [sync.WaitGroup] bound to a Signal: finishing the Signal cancels every
task in the holder, and [TaskHolder.Finish] waits for all of them, including tasks added while
waiting. It also exposes [TaskHolder.Wait] as a channel, so you can select over it.

# Streams

[Queue] is a many-producer, single-consumer FIFO. [Ticker] produces ticks on a fixed schedule,
merging missed slots when the consumer falls behind. [ResultStreamer] merges many concurrent
sources (single values, tasks, and generators) into one stream of [Result]s.

# Stack traces

The stack trace tooling makes it easy to link stack traces across goroutines. To that end,
[GetStackTrace] may be given a parent [StackTrace] to use, which gets appended on producing a
string.

For more, see [StackTrace].
*/
package strobe
