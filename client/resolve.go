package client

import (
	"context"
	"os"

	"github.com/pkg/errors"

	"frame-rpc/loadbalance"
	"frame-rpc/registry"
)

// resolve picks the address to dial. Without a service name the configured
// host:port is the only endpoint; otherwise the endpoints come from the
// registry (etcd unless one was injected) and the balancer chooses.
func (c *Client) resolve(ctx context.Context) (string, error) {
	reg := c.reg
	service := c.cfg.Service
	if service == "" {
		static := registry.NewStaticRegistry()
		static.Register(ctx, service, registry.Endpoint{Addr: c.cfg.Addr(), Weight: 1}, 0)
		reg = static
	} else if reg == nil {
		etcd, err := registry.NewEtcdRegistry(c.cfg.EtcdEndpoints, c.cfg.EtcdDialTimeout)
		if err != nil {
			return "", err
		}
		defer etcd.Close()
		reg = etcd
	}

	eps, err := reg.Discover(ctx, service)
	if err != nil {
		return "", err
	}

	bal := c.bal
	if bal == nil {
		key := c.cfg.BalanceKey
		if key == "" {
			key, _ = os.Hostname()
		}
		if bal, err = loadbalance.New(c.cfg.Balancer, key); err != nil {
			return "", err
		}
	}
	ep, err := bal.Pick(eps)
	if err != nil {
		return "", errors.Wrapf(err, "rpc: resolve %q", service)
	}
	c.log.Debug().Str("service", service).Str("addr", ep.Addr).Str("balancer", bal.Name()).Msg("endpoint chosen")
	return ep.Addr, nil
}
