package domain

import "time"

// ExecutionItem is one scheduled or running instance of a tag against a block.
type ExecutionItem[T comparable] struct {
	ID          string          `json:"id"`
	BlockID     BlockID         `json:"block_id"`
	Tag         ExecutionTag    `json:"tag"`
	RequesterID string          `json:"requester_id,omitempty"`
	Epoch       Epoch           `json:"epoch"`
	Payload     T               `json:"payload"`
	Status      ExecutionStatus `json:"status"`
	Outcome     Outcome         `json:"outcome"`
	// Coalesced counts the enqueue calls folded into this item after it was created.
	Coalesced  int       `json:"coalesced,omitempty"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Key returns the serialization key of the item.
func (i ExecutionItem[T]) Key() Key {
	return Key{BlockID: i.BlockID, Tag: i.Tag}
}

// Key identifies a serialization slot: one block and one tag.
type Key struct {
	BlockID BlockID
	Tag     ExecutionTag
}

func (k Key) String() string {
	return string(k.BlockID) + "/" + string(k.Tag)
}

// HeadStatus returns the status of the most recent item, or idle for an empty history.
func HeadStatus[T comparable](items []ExecutionItem[T]) ExecutionStatus {
	if len(items) == 0 {
		return StatusIdle
	}
	return items[0].Status
}
