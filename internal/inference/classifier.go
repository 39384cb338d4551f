package inference

import "context"

// Frame is a single RGB image lifted out of the live pipeline. Pixels is a
// packed Height x Width x 3 buffer owned by the frame.
type Frame struct {
	Width  int
	Height int
	Pixels []byte
}

// Result is one classification outcome.
type Result struct {
	Label string
	Score float64
}

// Classifier is the collaborator the dispatcher feeds sampled frames to.
// Calls may take hundreds of milliseconds; the dispatcher runs exactly one
// at a time.
type Classifier interface {
	Classify(ctx context.Context, frame *Frame) (*Result, error)
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, frame *Frame) (*Result, error)

func (f ClassifierFunc) Classify(ctx context.Context, frame *Frame) (*Result, error) {
	return f(ctx, frame)
}

// Backend names accepted for zsad_backend.
const (
	BackendSiglip = "siglip"
	BackendTriton = "triton"
	BackendNone   = "none"
)

// DefaultOverlayText is the overlay shown before the first classification.
func DefaultOverlayText(backend string) string {
	switch backend {
	case BackendTriton:
		return "ZSAD TRITON ON"
	case BackendSiglip:
		return "ZSAD ON"
	default:
		return "ZSAD OFF"
	}
}
