package capture

import (
	"errors"
	"fmt"
	"log/slog"
)

// Source names accepted by Open.
const (
	SourceScreenshot = "screenshot"
	SourceGStreamer  = "gst"
	SourcePattern    = "pattern"
)

// ErrUnknownSource is returned by Open for a name it cannot build.
var ErrUnknownSource = errors.New("capture: unknown source")

// newGstSource is set when the binary is built with the gst tag.
var newGstSource func(log *slog.Logger) Source

// Open builds the named source. width and height size the pattern
// source's virtual display and are ignored by the others.
func Open(name string, width, height int, log *slog.Logger) (Source, error) {
	switch name {
	case SourceScreenshot, "":
		return NewScreenshotSource(log), nil
	case SourcePattern:
		return NewPatternSource(width, height, log), nil
	case SourceGStreamer:
		if newGstSource == nil {
			return nil, fmt.Errorf("%w: %q (built without the gst tag)", ErrUnknownSource, name)
		}
		return newGstSource(log), nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownSource, name)
}
