// Package firmware is the boundary to the external flashing tool.
package firmware

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/sweeney/eol-tester/internal/logger"
)

// ErrProgram is returned when the tool exits unsuccessfully.
var ErrProgram = errors.New("firmware programming failed")

// Outcome describes a finished programming run.
type Outcome struct {
	Path     string
	Verified bool
	Reset    bool
	Output   string
	Duration time.Duration
}

// Programmer flashes an image onto the board under test.
type Programmer interface {
	Program(ctx context.Context, path string, verify, reset bool) (Outcome, error)
}

// ExecProgrammer runs an external tool. "{path}" in Args is replaced by the image path;
// VerifyArg and ResetArg are appended when requested.
type ExecProgrammer struct {
	Tool      string
	Args      []string
	VerifyArg string
	ResetArg  string
	Log       *logger.Logger
}

// Program implements Programmer.
func (p *ExecProgrammer) Program(ctx context.Context, path string, verify, reset bool) (Outcome, error) {
	args := make([]string, 0, len(p.Args)+2)
	for _, a := range p.Args {
		args = append(args, strings.ReplaceAll(a, "{path}", path))
	}
	if verify && p.VerifyArg != "" {
		args = append(args, p.VerifyArg)
	}
	if reset && p.ResetArg != "" {
		args = append(args, p.ResetArg)
	}

	log := p.Log
	if log == nil {
		log = logger.Nop()
	}
	log.Infow("programming firmware", "tool", p.Tool, "image", path)

	var out bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Tool, args...)
	cmd.Stdout = &out
	cmd.Stderr = &out

	start := time.Now()
	err := cmd.Run()
	res := Outcome{
		Path:     path,
		Verified: verify,
		Reset:    reset,
		Output:   out.String(),
		Duration: time.Since(start),
	}
	if err != nil {
		log.Warnw("programming failed", "err", err, "output", res.Output)
		return res, fmt.Errorf("%w: %s: %v", ErrProgram, p.Tool, err)
	}
	log.Infow("programming done", "duration", res.Duration)
	return res, nil
}
