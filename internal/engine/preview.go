package engine

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/videoproc-hackathon/provisioner/internal/plan"
)

// Preview prints what a convergence run would create without mutating
// anything. Discovery is read-only, so running it against a live account is
// safe.
func (e *Engine) Preview(ctx context.Context, out io.Writer) error {
	w := e.cfg.ToWorkload()
	if err := w.Validate(); err != nil {
		return err
	}
	if err := e.checkBackendKind(w.Kind); err != nil {
		return err
	}

	network, err := e.clients.Network.DescribeNetwork(ctx, e.cfg.Network.VPCID)
	if err != nil {
		return err
	}
	subnets, err := plan.SelectSubnets(network.Subnets, e.cfg.Network.AllowedZones, e.cfg.Network.MaxSubnets)
	if err != nil {
		return err
	}

	groups, err := plan.BuildGroupChain(network.CIDR, e.groupLayers(w))
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "stack: %s (backend %s)\n", e.cfg.Stack, w.Kind)
	fmt.Fprintf(out, "network: %s (%s)\n", network.VPCID, network.CIDR)
	for _, s := range subnets {
		fmt.Fprintf(out, "  subnet %s  %s  %s\n", s.ID, s.Zone, s.CIDR)
	}

	for _, g := range groups {
		fmt.Fprintf(out, "security group: %s\n", g.Name)
		for _, r := range g.Ingress {
			peer := r.PeerCIDR
			if r.PeerGroup != "" {
				peer = "group:" + r.PeerGroup
			}
			fmt.Fprintf(out, "  ingress %s %d-%d from %s\n", r.Protocol, r.FromPort, r.ToPort, peer)
		}
	}

	spec := plan.BuildGatewaySpec(e.cfg.Gateway.ListenerPort, e.targetGroupName(), e.cfg.Gateway.HeaderName, e.cfg.Gateway.HeaderValue)
	fmt.Fprintf(out, "listener: %s :%d, default %d %q\n", e.loadBalancerName(), spec.Port, spec.DenyStatus, spec.DenyBody)
	for _, r := range spec.Rules {
		fmt.Fprintf(out, "  rule %d: header %s -> %s\n", r.Priority, r.HeaderName, r.TargetGroup)
	}

	fmt.Fprintf(out, "target group: %s :%d (%s targets)\n", e.targetGroupName(), e.backendPort(w), w.TargetType())
	fmt.Fprintf(out, "workload: %s x%d image %s\n", w.Name, w.DesiredCount, w.Image)
	if len(w.Secrets) > 0 {
		names := make([]string, len(w.Secrets))
		for i, s := range w.Secrets {
			names[i] = s.Name
		}
		fmt.Fprintf(out, "  secrets (by reference): %s\n", strings.Join(names, ", "))
	}
	return nil
}
