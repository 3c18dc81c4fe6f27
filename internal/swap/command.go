package swap

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

const defaultTimeout = 2 * time.Minute

// Domain failures are recognized on the runner's stderr by these markers.
// Anything else is treated as an infrastructure failure.
var domainMarkers = []string{
	"no faces found",
	"no detectable face",
	"asked for face",
}

// CommandEngine invokes an external model runner binary:
//
//	<binary> <img1> <img2> <out>
//
// A zero exit means outPath was written. A non-zero exit with a recognized
// marker on stderr maps to a DomainError.
type CommandEngine struct {
	binaryPath string
	timeout    time.Duration
}

// NewCommandEngine creates an engine around the given binary.
func NewCommandEngine(binaryPath string) *CommandEngine {
	return &CommandEngine{binaryPath: binaryPath, timeout: defaultTimeout}
}

func (e *CommandEngine) Swap(ctx context.Context, img1Path, img2Path, outPath string) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.binaryPath, img1Path, img2Path, outPath)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if de := classifyDomainFailure(detail); de != nil {
			return de
		}
		return fmt.Errorf("swap command failed: %w, stderr: %s", err, detail)
	}
	return nil
}

func classifyDomainFailure(detail string) *DomainError {
	lowered := strings.ToLower(detail)
	for _, marker := range domainMarkers {
		if strings.Contains(lowered, marker) {
			if strings.Contains(lowered, "asked for face") {
				return ErrFaceIndexOutOfRange(detail)
			}
			return ErrNoFaceFound(detail)
		}
	}
	return nil
}

var _ Engine = (*CommandEngine)(nil)
