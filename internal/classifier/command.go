package classifier

import (
	"context"

	"github.com/daviddao/mailpilot/internal/external"
	"github.com/daviddao/mailpilot/internal/types"
)

// Command classifies items by running an external program. The program
// receives {"item": ..., "instructions": ...} on stdin and prints a Response.
type Command struct {
	Argv []string
}

type commandRequest struct {
	Item         types.Item `json:"item"`
	Instructions string     `json:"instructions,omitempty"`
}

// Classify implements Backend.
func (c *Command) Classify(ctx context.Context, it types.Item, instructions string) (*Response, error) {
	var r Response
	if err := external.Run(ctx, c.Argv, commandRequest{Item: it, Instructions: instructions}, &r); err != nil {
		return nil, err
	}
	return &r, nil
}
