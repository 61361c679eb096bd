package processors

import config "github.com/openmri/receptor/config"

// CustomFunc is the signature a pluggable custom handler satisfies.
type CustomFunc func(ctx *TransferContext) (Result, error)

// CustomStep adapts a plain function into a Step, so site-specific
// processing can be registered without a new type. Register one with:
//
//	registry.Register("my-key", NewCustomFactory(fn))
type CustomStep struct {
	fn CustomFunc
}

// NewCustomFactory wraps a handler function in a Factory suitable for
// Registry.Register.
func NewCustomFactory(fn CustomFunc) Factory {
	return func(cfg config.ProcessorConfig) (Step, error) {
		return &CustomStep{fn: fn}, nil
	}
}

func (s *CustomStep) Process(ctx *TransferContext) (Result, error) {
	return s.fn(ctx)
}
