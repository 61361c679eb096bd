// Package processors implements the ordered, pluggable transformation chain
// that runs over every admitted transfer before anything is persisted.
package processors

import (
	"fmt"

	config "github.com/openmri/receptor/config"
)

// Stage tells a step how much of the transfer it is looking at. The
// synchronous inbound path runs the chain at StageMetadata; steps that need
// the complete data object (anonymization, notably) defer their real work
// until StageComplete.
type Stage int

const (
	StageMetadata Stage = iota
	StageComplete
)

// TransferContext carries everything a step may inspect or rewrite for one
// incoming transfer. Accept must never mutate it; Process may.
type TransferContext struct {
	DeviceID string
	Port     int

	// Project is the destination project, empty until assignment. Steps
	// scoped to projects never run before it is known.
	Project string

	// StudyID is the study-level identifier remapping scripts key on.
	StudyID string

	// Location names the storage location this transfer is landing on.
	Location string

	Stage Stage

	Metadata map[string]string

	// ScratchDir is the per-transfer staging directory; nothing under it
	// survives a failed or suppressed chain.
	ScratchDir string
}

// Source returns the receiving "deviceId:port" pair, the unit the device
// allow/deny lists operate on.
func (c *TransferContext) Source() string {
	return fmt.Sprintf("%s:%d", c.DeviceID, c.Port)
}

// Result is a step's non-error outcome.
type Result int

const (
	// ResultContinue lets downstream steps run; if the whole chain
	// continues, the payload is persisted.
	ResultContinue Result = iota

	// ResultSuppress halts the remaining chain without persisting anything.
	// This is a deliberate outcome, not an error.
	ResultSuppress
)

func (r Result) String() string {
	if r == ResultSuppress {
		return "SUPPRESS"
	}
	return "CONTINUE"
}

// Step is the unit of work in the chain. A returned error aborts the entire
// import: nothing is persisted and no session record mutation from the
// transfer is retained.
type Step interface {
	Process(ctx *TransferContext) (Result, error)
}

// Factory builds a step from its configured instance.
type Factory func(cfg config.ProcessorConfig) (Step, error)

// Registry maps stable string keys to step factories. Implementations are
// registered explicitly at startup; there is no runtime scanning.
type Registry struct {
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory under a key. Registering the same key twice is a
// configuration bug and fails loudly.
func (r *Registry) Register(key string, factory Factory) error {
	if _, ok := r.factories[key]; ok {
		return fmt.Errorf("processor key %q already registered", key)
	}
	r.factories[key] = factory
	return nil
}

// New instantiates the step a ProcessorConfig refers to.
func (r *Registry) New(cfg config.ProcessorConfig) (Step, error) {
	factory, ok := r.factories[cfg.Key]
	if !ok {
		return nil, fmt.Errorf("no processor registered for key %q", cfg.Key)
	}
	return factory(cfg)
}

// DefaultRegistry returns a registry with all built-in step implementations
// registered. Custom steps are added on top by the embedding application.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	// These keys are stable; configs refer to them.
	r.Register("passthrough", NewPassThroughStep)
	r.Register("remap", NewRemapStep)
	r.Register("anonymize", NewAnonymizeStep)
	return r
}
