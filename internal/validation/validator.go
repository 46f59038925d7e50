// Package validation implements the admission gate every frame passes before
// it is written to a shard.
package validation

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/OpenCyberspace/AIGr.id-sub002/internal/shard"
)

// Metadata describes a submitted frame
type Metadata struct {
	Width       int                    `json:"width"`
	Height      int                    `json:"height"`
	ContentType string                 `json:"contentType"`
	Timestamp   time.Time              `json:"timestamp,omitempty"`
	Sequence    uint64                 `json:"sequence,omitempty"`
	Extra       map[string]interface{} `json:"extra,omitempty"`
}

// RoutingContext is the routing state a frame is validated against
type RoutingContext struct {
	SourceID string
	Snapshot []shard.Descriptor
}

// Predicate decides whether a frame is admitted. An error counts as a rejection.
type Predicate interface {
	Validate(ctx context.Context, frameID string, md Metadata, rc RoutingContext) (bool, error)
}

// PredicateFunc adapts a function to the Predicate interface
type PredicateFunc func(ctx context.Context, frameID string, md Metadata, rc RoutingContext) (bool, error)

// Validate calls f
func (f PredicateFunc) Validate(ctx context.Context, frameID string, md Metadata, rc RoutingContext) (bool, error) {
	return f(ctx, frameID, md, rc)
}

// StructuralRule admits frames whose shape matches exactly
type StructuralRule struct {
	Width       int    `json:"width" mapstructure:"width"`
	Height      int    `json:"height" mapstructure:"height"`
	ContentType string `json:"contentType" mapstructure:"content_type"`
}

// Validate implements Predicate
func (r StructuralRule) Validate(_ context.Context, _ string, md Metadata, _ RoutingContext) (bool, error) {
	return md.Width == r.Width && md.Height == r.Height && md.ContentType == r.ContentType, nil
}

func (r StructuralRule) String() string {
	return fmt.Sprintf("%dx%d %s", r.Width, r.Height, r.ContentType)
}

// Validator forwards every admission decision to its rule. It keeps no state of
// its own; stateful predicates own their windows.
type Validator struct {
	pred   Predicate
	logger *zap.Logger
}

// NewWithRule creates a validator enforcing a structural rule
func NewWithRule(rule StructuralRule, logger *zap.Logger) *Validator {
	return NewWithPredicate(rule, logger)
}

// NewWithPredicate creates a validator whose predicate result is authoritative
func NewWithPredicate(pred Predicate, logger *zap.Logger) *Validator {
	if pred == nil {
		pred = AcceptAll
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Validator{pred: pred, logger: logger}
}

// IsValid reports whether the frame may be written
func (v *Validator) IsValid(ctx context.Context, frameID string, md Metadata, rc RoutingContext) bool {
	ok, err := v.pred.Validate(ctx, frameID, md, rc)
	if err != nil {
		v.logger.Debug("Frame predicate failed, rejecting",
			zap.String("source_id", rc.SourceID),
			zap.String("frame_id", frameID),
			zap.Error(err))
		return false
	}
	return ok
}
