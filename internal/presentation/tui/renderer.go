package tui

import (
	"fmt"
	"os"
	"strings"

	"github.com/aretw0/blockq/pkg/domain"
	"github.com/aretw0/blockq/pkg/projection"
	"github.com/charmbracelet/glamour"
	"golang.org/x/term"
)

// IsTerminal reports whether f is attached to a terminal.
func IsTerminal(f *os.File) bool {
	return term.IsTerminal(int(f.Fd()))
}

// NewRenderer returns a function that renders markdown using glamour.
// When plain is set the markdown is returned untouched, e.g. when output is piped.
func NewRenderer(plain bool) func(string) (string, error) {
	if plain {
		return func(markdown string) (string, error) {
			return markdown, nil
		}
	}

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(80),
	)
	if err != nil {
		return func(markdown string) (string, error) {
			return markdown, nil
		}
	}
	return r.Render
}

// ErrorMarkdown explains an attribute error as markdown.
func ErrorMarkdown(kind domain.ErrorKind, inputType domain.InputType) string {
	if kind == domain.ErrorNone {
		return "**ok**\n"
	}
	title, body, _ := strings.Cut(kind.Message(inputType), "\n")
	var b strings.Builder
	fmt.Fprintf(&b, "**%s** `%s`\n", title, kind)
	if body != "" {
		fmt.Fprintf(&b, "\n%s\n", body)
	}
	return b.String()
}

// ViewMarkdown summarizes a field view as markdown.
func ViewMarkdown(v projection.FieldView) string {
	var b strings.Builder
	fmt.Fprintf(&b, "### %s `%s`\n\n", v.BlockID, v.Tag)
	fmt.Fprintf(&b, "- status: `%s`\n", v.Status)
	if v.Outcome != domain.OutcomeNone {
		fmt.Fprintf(&b, "- last outcome: `%s`\n", v.Outcome)
	}
	fmt.Fprintf(&b, "- indicator: `%s`\n", v.Affordance)
	if v.Disabled {
		b.WriteString("- input disabled while busy\n")
	}
	if v.Message != "" {
		fmt.Fprintf(&b, "\n> %s\n", strings.ReplaceAll(v.Message, "\n", "\n> "))
	}
	return b.String()
}
