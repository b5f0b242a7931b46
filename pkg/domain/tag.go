package domain

// ExecutionTag is an operation identity scoped to a block kind.
// Distinct tags on the same block are independent; the same tag on the same block is serialized.
type ExecutionTag string

const (
	TagRenameVariable ExecutionTag = "text-input-rename-variable"
	TagSaveValue      ExecutionTag = "text-input-save-value"
)

// SemanticType selects the validation rule of an attribute.
type SemanticType string

const (
	SemanticIdentifier SemanticType = "identifier"
	SemanticText       SemanticType = "text"
	SemanticNumber     SemanticType = "number"
)

// TagSpec binds a tag to the block kind and attribute it operates on.
type TagSpec struct {
	Tag       ExecutionTag
	Kind      BlockKind
	Attribute string
	// Semantic is empty when the rule depends on the block's InputType.
	Semantic SemanticType
}

// SemanticFor resolves the validation semantics of the tagged attribute on b.
func (s TagSpec) SemanticFor(b Block) SemanticType {
	if s.Semantic != "" {
		return s.Semantic
	}
	return b.InputType.Semantic()
}

var tagSpecs = map[ExecutionTag]TagSpec{
	TagRenameVariable: {
		Tag:       TagRenameVariable,
		Kind:      KindInput,
		Attribute: AttrVariable,
		Semantic:  SemanticIdentifier,
	},
	TagSaveValue: {
		Tag:       TagSaveValue,
		Kind:      KindInput,
		Attribute: AttrValue,
	},
}

// LookupTag returns the TagSpec registered for tag.
func LookupTag(tag ExecutionTag) (TagSpec, bool) {
	spec, ok := tagSpecs[tag]
	return spec, ok
}

// Tags returns the tags registered for a block kind.
func Tags(kind BlockKind) []ExecutionTag {
	var tags []ExecutionTag
	for _, t := range []ExecutionTag{TagRenameVariable, TagSaveValue} {
		if tagSpecs[t].Kind == kind {
			tags = append(tags, t)
		}
	}
	return tags
}
