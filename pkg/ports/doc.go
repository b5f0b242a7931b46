/*
Package ports defines the driven ports (interfaces) of the block execution scheduler.

These interfaces decouple the execution queue from the document, the environment and
the operations it schedules, allowing the same core to run against in-memory fixtures,
Redis, or external processes.

# Key Interfaces

  - AttributeStore: Holds per-block attributes with confirmed and optimistic values.
  - Backend: Performs a tagged operation against a block and reports the result.
  - EpochSource: Reports the current incarnation of the execution environment.
  - DistributedLocker: Optional mutual exclusion around backend calls.
*/
package ports
