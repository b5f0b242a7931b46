package domain

// BlockID is the stable identifier of a document block.
type BlockID string

// BlockKind identifies the family of a block. Tags are scoped to a kind.
type BlockKind string

const (
	KindInput BlockKind = "input"
)

// InputType is the declared type of an input block's value.
type InputType string

const (
	InputTypeText   InputType = "text"
	InputTypeNumber InputType = "number"
)

// Valid reports whether t is a known input type.
func (t InputType) Valid() bool {
	switch t {
	case InputTypeText, InputTypeNumber:
		return true
	}
	return false
}

// Semantic returns the validation semantics of a value of this input type.
func (t InputType) Semantic() SemanticType {
	switch t {
	case InputTypeNumber:
		return SemanticNumber
	default:
		return SemanticText
	}
}

// Block is a document node. Blocks are created and destroyed by document editing;
// the scheduler only reads and writes their attributes.
type Block struct {
	ID        BlockID   `json:"id"`
	Kind      BlockKind `json:"kind"`
	InputType InputType `json:"input_type"`
}

// NewInputBlock creates an input block of the given type. An unknown type falls back to text.
func NewInputBlock(id BlockID, inputType InputType) Block {
	if !inputType.Valid() {
		inputType = InputTypeText
	}
	return Block{ID: id, Kind: KindInput, InputType: inputType}
}
