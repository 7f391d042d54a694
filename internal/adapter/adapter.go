// Package adapter is the boundary to the model programs that do the actual
// inference. The orchestration core only sees the Adapter interface.
package adapter

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"media-jobs-service/internal/entity"
)

var ErrNotConfigured = errors.New("model backend not configured")

// Request is one inference call. Paths are host paths inside the job's area.
type Request struct {
	JobID      uuid.UUID
	Kind       entity.JobKind
	Inputs     map[string]string
	Params     entity.Params
	AreaRoot   string
	WorkDir    string
	OutputPath string
}

// ProgressFunc receives a percentage (0-100) and a short stage label.
type ProgressFunc func(percent int, stage string)

type Adapter interface {
	// Ready returns nil once the model can serve requests, otherwise the
	// load error explaining why not.
	Ready(ctx context.Context) error
	ValidateInputs(ctx context.Context, inputs map[string]string) error
	// Run produces the output artifact and returns its path. onProgress may
	// be nil.
	Run(ctx context.Context, req Request, onProgress ProgressFunc) (string, error)
}

// Preprocessor is implemented by adapters that prepare working data (frame
// extraction, face detection) before inference.
type Preprocessor interface {
	Preprocess(ctx context.Context, req Request) error
}

// Unavailable stands in for a kind with no backend configured.
type Unavailable struct {
	spec   KindSpec
	reason string
}

func NewUnavailable(spec KindSpec, reason string) *Unavailable {
	return &Unavailable{spec: spec, reason: reason}
}

func (u *Unavailable) Ready(context.Context) error {
	return fmt.Errorf("%w: %s", ErrNotConfigured, u.reason)
}

func (u *Unavailable) ValidateInputs(_ context.Context, inputs map[string]string) error {
	return u.spec.ValidateInputs(inputs)
}

func (u *Unavailable) Run(context.Context, Request, ProgressFunc) (string, error) {
	return "", entity.NewError(entity.CodeAdapterNotReady, "model not loaded", ErrNotConfigured)
}
