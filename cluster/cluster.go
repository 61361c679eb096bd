// Package cluster abstracts how a node knows its role among the
// application-server instances sharing one database and work queue.
package cluster

import config "github.com/openmri/receptor/config"

// Membership answers role questions for this node. Scheduled singleton
// operations (the sweep) consult IsPrimary on every tick; everywhere else
// nodes are interchangeable.
type Membership interface {
	IsPrimary() bool
}

// StaticMembership is the config-driven implementation: a deployment marks
// exactly one node primary. Swapping in an elected implementation later
// only has to satisfy the one-method interface.
type StaticMembership struct {
	primary bool
}

func NewStaticMembership(cfg config.ReceptorConfig) *StaticMembership {
	return &StaticMembership{primary: cfg.Primary}
}

func (m *StaticMembership) IsPrimary() bool {
	return m.primary
}
