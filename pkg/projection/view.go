// Package projection derives what a field should look like from its execution status
// and attribute error.
package projection

import "github.com/aretw0/blockq/pkg/domain"

// Affordance is the indicator shown next to a field.
type Affordance string

const (
	AffordanceNone    Affordance = "none"
	AffordanceQueued  Affordance = "queued"
	AffordanceSpinner Affordance = "spinner"
	AffordanceError   Affordance = "error"
)

// Tone is the visual emphasis of a field.
type Tone string

const (
	ToneNormal Tone = "normal"
	ToneError  Tone = "error"
	ToneMuted  Tone = "muted"
)

// FieldView is the presentation state of one tagged field of a block.
type FieldView struct {
	BlockID    domain.BlockID         `json:"block_id"`
	Tag        domain.ExecutionTag    `json:"tag"`
	Status     domain.ExecutionStatus `json:"status"`
	Outcome    domain.Outcome         `json:"outcome"`
	Error      domain.ErrorKind       `json:"error"`
	Disabled   bool                   `json:"disabled"`
	Affordance Affordance             `json:"affordance"`
	Tone       Tone                   `json:"tone"`
	Message    string                 `json:"message,omitempty"`
}

// Compose builds the view of a field from the status of the head item of its history
// and the attribute error. An error is only surfaced once the field is quiescent;
// while busy the field is disabled and shows progress instead.
func Compose(b domain.Block, tag domain.ExecutionTag, status domain.ExecutionStatus, outcome domain.Outcome, errKind domain.ErrorKind) FieldView {
	view := FieldView{
		BlockID:    b.ID,
		Tag:        tag,
		Status:     status,
		Outcome:    outcome,
		Error:      errKind,
		Affordance: AffordanceNone,
		Tone:       ToneNormal,
	}

	switch {
	case view.Status == domain.StatusEnqueued:
		view.Disabled = true
		view.Affordance = AffordanceQueued
		view.Tone = ToneMuted
	case view.Status.IsBusy():
		view.Disabled = true
		view.Affordance = AffordanceSpinner
		view.Tone = ToneMuted
	case errKind != domain.ErrorNone:
		view.Affordance = AffordanceError
		view.Tone = ToneError
		view.Message = errKind.Message(b.InputType)
	}
	return view
}
