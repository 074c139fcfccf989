// Package answerer turns a sealed envelope into a proposed answer. The
// generation step is untrusted: whatever it returns goes through validation
// before it can reach a caller.
package answerer

import (
	"context"

	"github.com/c360studio/semgate/envelope"
	"github.com/c360studio/semgate/validate"
)

// Generator produces a proposed answer for an envelope. attempt is 1 for the
// first call and 2 for the single permitted retry after a validation failure.
type Generator interface {
	Generate(ctx context.Context, env *envelope.Envelope, attempt int) (*validate.ProposedAnswer, error)
}
