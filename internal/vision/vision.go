// Package vision talks to the hosted vision model that turns images into
// alt text. It sits outside the accounting core: quota and rate decisions are
// already made by the time a request reaches a Describer.
package vision

import (
	"context"
)

type Request struct {
	// Exactly one of ImageURL (remote reference or data URL) is set by the
	// handler from the normalized payload.
	ImageURL string
	// Language hint for the generated description, empty for English.
	Language string
}

type Result struct {
	AltText      string
	Model        string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
}

type Describer interface {
	Describe(ctx context.Context, req *Request) (*Result, error)
}
