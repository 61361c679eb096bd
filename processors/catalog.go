package processors

import (
	"sort"

	log "github.com/sirupsen/logrus"

	config "github.com/openmri/receptor/config"
)

// BoundStep pairs a configured processor instance with its implementation.
// The instance decides applicability (Accept); the implementation does the
// work (Process).
type BoundStep struct {
	Instance config.ProcessorConfig

	impl Step
}

// Accept reports whether this instance applies to a transfer. It never
// mutates the context, and it is safe to call before the destination
// project is known: a configured project allow-list simply doesn't match an
// unassigned transfer.
func (b *BoundStep) Accept(ctx *TransferContext) bool {
	if len(b.Instance.DeviceAllow) > 0 && !contains(b.Instance.DeviceAllow, ctx.Source()) {
		return false
	}
	if len(b.Instance.DeviceDeny) > 0 && contains(b.Instance.DeviceDeny, ctx.Source()) {
		return false
	}
	if len(b.Instance.Projects) > 0 {
		// Never guess: project-scoped steps don't run before assignment.
		if ctx.Project == "" || !contains(b.Instance.Projects, ctx.Project) {
			return false
		}
	}
	if b.Instance.Location != "" && ctx.Location != b.Instance.Location {
		return false
	}
	return true
}

// Process delegates to the underlying implementation.
func (b *BoundStep) Process(ctx *TransferContext) (Result, error) {
	return b.impl.Process(ctx)
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Catalog holds the configured processor instances, instantiated and
// ordered, and resolves the applicable subset for one transfer. Instances
// are read-only after construction; there is nothing to synchronize during
// processing.
type Catalog struct {
	steps []*BoundStep
}

// NewCatalog instantiates every enabled, site-scoped processor instance and
// fixes the execution order: ascending priority, stable for ties. An
// instance whose implementation key is unknown fails construction - that is
// a configuration error worth stopping the daemon for.
func NewCatalog(cfgs []config.ProcessorConfig, registry *Registry) (*Catalog, error) {
	c := &Catalog{}

	for _, cfg := range cfgs {
		if !cfg.Enabled {
			log.Debugf("Processor instance %s is disabled, skipping", cfg.ID)
			continue
		}
		// Site-wide is the only supported scope today; project scoping is a
		// documented future extension.
		if cfg.Scope != "" && cfg.Scope != "site" {
			log.Warnf("Processor instance %s has unsupported scope %q, skipping", cfg.ID, cfg.Scope)
			continue
		}

		impl, err := registry.New(cfg)
		if err != nil {
			return nil, err
		}
		c.steps = append(c.steps, &BoundStep{Instance: cfg, impl: impl})
	}

	sort.SliceStable(c.steps, func(i, j int) bool {
		return c.steps[i].Instance.Priority < c.steps[j].Instance.Priority
	})

	return c, nil
}

// Resolve returns the ordered subset of steps that accept this transfer.
func (c *Catalog) Resolve(ctx *TransferContext) []*BoundStep {
	resolved := []*BoundStep{}
	for _, step := range c.steps {
		if !step.Accept(ctx) {
			log.Debugf("Processor instance %s does not accept transfer from %s", step.Instance.ID, ctx.Source())
			continue
		}
		resolved = append(resolved, step)
	}
	return resolved
}
