package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/aretw0/blockq/internal/presentation/tui"
	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/editor"
	"github.com/aretw0/blockq/pkg/validator"
)

// ValidateOptions contains the configuration for the validate command.
type ValidateOptions struct {
	Field     string
	InputType string
	Candidate string
	// Plain disables markdown styling, e.g. when output is not a terminal.
	Plain bool
	Out   io.Writer
}

// Validate checks a candidate the way confirming the field would, and prints the
// explanation. It returns the error kind the attribute would carry.
func Validate(opts ValidateOptions) (domain.ErrorKind, error) {
	field, err := editor.ParseField(opts.Field)
	if err != nil {
		return domain.ErrorNone, err
	}
	inputType := domain.InputType(opts.InputType)
	if inputType == "" {
		inputType = domain.InputTypeText
	}
	if !inputType.Valid() {
		return domain.ErrorNone, fmt.Errorf("unknown input type %q", opts.InputType)
	}

	spec, ok := domain.LookupTag(field.Tag())
	if !ok {
		return domain.ErrorNone, fmt.Errorf("field %s: %w", field, domain.ErrUnknownTag)
	}
	b := domain.NewInputBlock("validate", inputType)
	candidate := opts.Candidate
	if field == editor.FieldVariable {
		candidate = strings.TrimSpace(candidate)
	}
	kind := validator.ValidateAttribute(spec, b, candidate)

	out, err := tui.NewRenderer(opts.Plain)(tui.ErrorMarkdown(kind, inputType))
	if err != nil {
		return kind, err
	}
	fmt.Fprint(opts.Out, out)
	return kind, nil
}
