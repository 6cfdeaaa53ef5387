package search

import "context"

// NoopExpander never expands. It stands in when no external
// collaborator is wired.
type NoopExpander struct{}

var _ Expander = NoopExpander{}

// Expand returns no paraphrases.
func (NoopExpander) Expand(context.Context, string) ([]string, error) {
	return nil, nil
}
