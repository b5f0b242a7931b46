/*
Package domain contains the core domain models of the block execution scheduler.

It defines the entities the queue reasons about: document Blocks and their dual-value
Attributes, the Execution Tags that can be scheduled against them, the Epoch of the
execution environment, and the Execution Items with their closed status state machine.
This package is kept pure and free of I/O, following Hexagonal Architecture principles.

# Key Entities

  - Block: A document node with a stable ID, a Kind and an InputType.
  - Attribute: A confirmed Value, an optimistic NewValue and an ErrorKind marker.
  - ExecutionTag: The kind of operation scheduled against a block (rename, persist).
  - Epoch: One incarnation of the execution environment, used to fence stale work.
  - ExecutionItem: One scheduled/running instance of a tag, with Status and Outcome.
*/
package domain
