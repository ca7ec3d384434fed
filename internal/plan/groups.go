package plan

// InternetCIDR is the raw open-internet source. Only the gateway layer may
// carry it as an ingress peer.
const InternetCIDR = "0.0.0.0/0"

// Rule is one ingress or egress permission. Exactly one of PeerCIDR and
// PeerGroup is set: PeerGroup references another group in the chain by name.
type Rule struct {
	Protocol    string
	FromPort    int
	ToPort      int
	PeerCIDR    string
	PeerGroup   string
	Description string
}

// GroupSpec is a fully derived security group, ready to converge.
type GroupSpec struct {
	Name        string
	Description string
	Ingress     []Rule
	Egress      []Rule
}

// GroupLayer is one layer of the gateway → backend chain, outermost first.
// Port is the single port the next-outer layer reaches this layer on. Extra
// holds additional ingress rules (e.g. intra-cluster ports), which must be
// scoped to the shared VPC's CIDR, never the internet.
type GroupLayer struct {
	Name        string
	Description string
	Port        int
	Extra       []Rule
}

// BuildGroupChain derives the layered security groups. The first layer is the
// public gateway: it accepts the listener port from anywhere. Every inner
// layer accepts its port only from the immediately preceding layer, referenced
// by group name rather than CIDR, so reachability follows group membership and
// not address ranges. All layers allow unrestricted egress since the workload
// talks to storage, queue and notification endpoints whose addresses are not
// known ahead of time.
//
// Extra rules carrying InternetCIDR on an inner layer are rejected: the
// gateway group is the only one allowed to face the open internet.
func BuildGroupChain(vpcCIDR string, layers []GroupLayer) ([]GroupSpec, error) {
	if len(layers) == 0 {
		return nil, Configf("security-group chain needs at least one layer")
	}

	openEgress := []Rule{{
		Protocol:    "-1",
		FromPort:    -1,
		ToPort:      -1,
		PeerCIDR:    InternetCIDR,
		Description: "all outbound",
	}}

	known := make(map[string]bool, len(layers))
	groups := make([]GroupSpec, 0, len(layers))

	for i, layer := range layers {
		g := GroupSpec{
			Name:        layer.Name,
			Description: layer.Description,
			Egress:      openEgress,
		}

		if i == 0 {
			g.Ingress = append(g.Ingress, Rule{
				Protocol:    "tcp",
				FromPort:    layer.Port,
				ToPort:      layer.Port,
				PeerCIDR:    InternetCIDR,
				Description: "public listener",
			})
		} else {
			prev := layers[i-1].Name
			if !known[prev] {
				return nil, &DependencyError{Entity: prev, Msg: "peer group not built yet"}
			}
			g.Ingress = append(g.Ingress, Rule{
				Protocol:    "tcp",
				FromPort:    layer.Port,
				ToPort:      layer.Port,
				PeerGroup:   prev,
				Description: "from " + prev,
			})
		}

		for _, extra := range layer.Extra {
			if i > 0 && extra.PeerCIDR == InternetCIDR {
				return nil, Configf("layer %s: internet ingress is reserved for the gateway layer", layer.Name)
			}
			if extra.PeerGroup != "" && !known[extra.PeerGroup] {
				return nil, &DependencyError{Entity: extra.PeerGroup, Msg: "peer group not built yet"}
			}
			if extra.PeerCIDR == "" && extra.PeerGroup == "" {
				extra.PeerCIDR = vpcCIDR
			}
			g.Ingress = append(g.Ingress, extra)
		}

		known[layer.Name] = true
		groups = append(groups, g)
	}

	return groups, nil
}
