// Package swap abstracts the face-swap transformation. The coordinator only
// cares about the contract: two input images in, one output image out, with
// domain failures kept distinct from infrastructure failures.
package swap

import (
	"context"
	"errors"
	"fmt"
)

// Engine runs the transformation and writes the result to outPath.
type Engine interface {
	Swap(ctx context.Context, img1Path, img2Path, outPath string) error
}

// DomainError is a failure of the transformation itself rather than of the
// machinery around it: the inputs cannot produce a result no matter how many
// times we retry. Message is safe to show to clients; Detail is not.
type DomainError struct {
	Message string
	Detail  string
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Message, e.Detail)
	}
	return e.Message
}

// AsDomainError unwraps err into a DomainError if it is one.
func AsDomainError(err error) (*DomainError, bool) {
	var de *DomainError
	if errors.As(err, &de) {
		return de, true
	}
	return nil, false
}

// Canonical domain failures produced by the model runner. detail carries the
// runner's own diagnostic and stays out of client responses.
func ErrNoFaceFound(detail string) *DomainError {
	return &DomainError{
		Message: "no detectable face found in the uploaded images",
		Detail:  detail,
	}
}

func ErrFaceIndexOutOfRange(detail string) *DomainError {
	return &DomainError{
		Message: "the requested face is not present in the image",
		Detail:  detail,
	}
}
