package image

import (
	"fmt"
	"strings"
)

// Size limits on the decoded content. Only MinContentBytes and
// MaxContentBytes block a request; everything else is advisory.
const (
	MinContentBytes  = 100      // below this the payload cannot be a real image
	WarnContentBytes = 10 << 20 // 10 MiB
	MaxContentBytes  = 20 << 20 // 20 MiB hard ceiling
)

// Plausibility bounds relating decoded size to declared pixel count. The low
// bound is deliberately loose so flat-color icons and aggressively compressed
// images pass without a warning.
const (
	minBytesPerKilopixel = 1  // < ~0.001 B/px is implausible for any codec
	maxBytesPerPixel     = 12 // raw RGBA is 4 B/px; > 12 means something is off
)

// ValidationError reports hard validation failures. Warnings ride alongside
// on the Validation result and never block a request.
type ValidationError struct {
	Errors   []string
	Warnings []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("image validation failed: %s", strings.Join(e.Errors, "; "))
}

// Validate checks the normalized payload against the size contract. It
// returns advisory warnings and a *ValidationError when a hard limit is
// crossed. URL payloads have no content bytes and nothing to check.
func (p *Payload) Validate() ([]string, error) {
	if p.Kind == KindURL {
		return nil, nil
	}

	// Decoded size from the base64 length; exact padding does not matter at
	// these magnitudes.
	decoded := len(p.Content) * 3 / 4

	var errs, warns []string

	if decoded < MinContentBytes {
		errs = append(errs, fmt.Sprintf("image content is %d bytes, below the %d byte minimum (likely truncated or corrupt)", decoded, MinContentBytes))
	}
	if decoded > MaxContentBytes {
		errs = append(errs, fmt.Sprintf("image content is %d bytes, above the %d byte ceiling", decoded, MaxContentBytes))
	} else if decoded > WarnContentBytes {
		warns = append(warns, fmt.Sprintf("image content is %d bytes; consider resizing before upload", decoded))
	}

	if pixels := p.Width * p.Height; pixels > 0 && len(errs) == 0 {
		if decoded < pixels*minBytesPerKilopixel/1000 {
			warns = append(warns, fmt.Sprintf("content size %d bytes is implausibly small for %dx%d pixels", decoded, p.Width, p.Height))
		}
		if decoded > pixels*maxBytesPerPixel {
			warns = append(warns, fmt.Sprintf("content size %d bytes is implausibly large for %dx%d pixels", decoded, p.Width, p.Height))
		}
	}

	if len(errs) > 0 {
		return warns, &ValidationError{Errors: errs, Warnings: warns}
	}
	return warns, nil
}
