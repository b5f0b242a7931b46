/*
Package queue implements the execution queue: the per-document scheduler of tagged
block executions.

# Guarantees

  - At most one busy item (enqueued, running or aborting) exists per (block, tag) key.
  - An enqueue on a key whose item is still enqueued coalesces into it: the latest
    payload and epoch win. An enqueue on a running or aborting key is kept as a single
    follow-up request that becomes the next item once the current one resolves.
  - Epoch fencing happens once, centrally, at dispatch: an item whose epoch differs from
    the environment's current epoch is discarded without reaching the backend.
  - The confirmed value of an attribute is written only by the commit step, with the
    result of the payload the item was dispatched with. Newer local edits survive.

# Concurrency

Enqueue, Cancel and the read methods are safe from any goroutine and never wait on an
execution. Run is the dispatcher loop and must be called from exactly one goroutine.
Each dispatched item runs the backend on its own goroutine, so distinct keys execute
concurrently.

# State Machine

	enqueued -> running -> completed -> idle
	    |          |
	    v          v
	  idle     aborting -> idle

Stale and cancelled items go straight to idle. Success and failure both reach completed;
the item's Outcome tells them apart.
*/
package queue
