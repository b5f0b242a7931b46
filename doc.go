/*
Package blockq is a per-document execution queue for notebook input blocks.

An input block holds a variable name and a value. Users edit them freely; every edit is
validated locally and kept as a candidate. Only a confirmation hands the candidate to
the queue, which runs it against an execution backend and commits the result as the
confirmed value.

# Concept

blockq treats every (block, tag) pair as a serialization slot. A slot holds at most one
busy execution; rapid confirmations coalesce into it, and a confirmation arriving while
it runs is kept as a single follow-up. Executions carry the epoch of the environment
incarnation they were requested in, and the queue discards any that no longer matches
when its turn comes. Local edits are never overwritten by a completing execution.

# Key Features

  - Coalescing: the latest confirmed candidate wins, without flooding the backend.
  - Epoch fencing: work requested before an environment restart never runs after it.
  - Cancellation: enqueued work is dropped; running work is aborted within a bound.
  - Hexagonal Architecture: storage, backends and epoch sources are ports, with memory,
    Redis and process adapters.

# Usage

	doc, err := blockq.New(blockq.WithBackend(myBackend))
	if err != nil {
		log.Fatal(err)
	}
	go doc.Run(ctx)

	input, err := doc.AddInputBlock(ctx, "input-1", domain.InputTypeText, "x", "")
	if err != nil {
		log.Fatal(err)
	}

	// Typing: validated, never enqueued.
	if _, err := input.Edit(ctx, editor.FieldVariable, "total"); err != nil {
		log.Fatal(err)
	}

	// Blur: enqueued when valid and changed.
	if _, err := input.Confirm(ctx, editor.FieldVariable); err != nil {
		log.Fatal(err)
	}

	views, err := doc.Watch(ctx, "input-1", editor.FieldVariable)
	if err != nil {
		log.Fatal(err)
	}
	for view := range views {
		fmt.Println(view.Status, view.Affordance)
	}
*/
package blockq
