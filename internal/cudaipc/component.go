// Package cudaipc implements a same-host zero-copy transport between GPU
// processes. A MemoryDomain exports device buffers as IPC handles packed into
// remote keys; an Endpoint attaches a peer's allocation on first use and
// issues asynchronous device-to-device copies; Iface.Progress delivers their
// completions.
package cudaipc

import (
	"fmt"

	"github.com/yuuki/cudaipc/internal/cuda"
	"github.com/yuuki/cudaipc/internal/transport"
)

// Component builds cudaipc domains and interfaces over one driver.
type Component struct {
	drv      cuda.Driver
	mdCfg    MDConfig
	ifaceCfg IfaceConfig
	metrics  Metrics
}

var _ transport.Component = (*Component)(nil)

// NewComponent returns a component. A nil metrics records nothing.
func NewComponent(drv cuda.Driver, mdCfg MDConfig, ifaceCfg IfaceConfig, metrics Metrics) *Component {
	return &Component{
		drv:      drv,
		mdCfg:    mdCfg,
		ifaceCfg: ifaceCfg,
		metrics:  metrics,
	}
}

// Name returns "cudaipc".
func (c *Component) Name() string {
	return ComponentName
}

// OpenMemoryDomain opens a domain over the component's driver.
func (c *Component) OpenMemoryDomain() (transport.MemoryDomain, error) {
	md, err := NewMemoryDomain(c.drv, c.mdCfg, c.metrics)
	if err != nil {
		return nil, err
	}
	return md, nil
}

// OpenIface opens an interface on md, which must come from OpenMemoryDomain.
func (c *Component) OpenIface(md transport.MemoryDomain, params transport.IfaceParams) (transport.Iface, error) {
	cmd, ok := md.(*MemoryDomain)
	if !ok {
		return nil, fmt.Errorf("%w: memory domain %T is not a cudaipc domain", transport.StatusInvalidParam, md)
	}
	iface, err := OpenIface(cmd, params, c.ifaceCfg, c.metrics)
	if err != nil {
		return nil, err
	}
	return iface, nil
}
