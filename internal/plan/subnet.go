package plan

// Subnet is one discovered subnet of the shared VPC.
type Subnet struct {
	ID   string
	Zone string
	CIDR string
}

// Network describes the pre-existing shared VPC. It is read-only input: the
// provisioner never creates or destroys anything listed here.
type Network struct {
	VPCID   string
	CIDR    string
	Subnets []Subnet
}

// SelectSubnets filters subnets to the allowed availability zones, preserving
// discovery order, and truncates the result to maxCount. The result is a pure
// function of its inputs: re-running with the same subnet list always yields
// the same IDs in the same order.
//
// An empty selection is a ConfigurationError, as is a non-positive maxCount;
// provisioning a load balancer with no subnets must fail here, not at the
// AWS API.
func SelectSubnets(subnets []Subnet, allowedZones []string, maxCount int) ([]Subnet, error) {
	if maxCount <= 0 {
		return nil, Configf("subnet count %d, need at least 1", maxCount)
	}

	allowed := make(map[string]bool, len(allowedZones))
	for _, z := range allowedZones {
		allowed[z] = true
	}

	var selected []Subnet
	for _, s := range subnets {
		if !allowed[s.Zone] {
			continue
		}
		selected = append(selected, s)
		if len(selected) == maxCount {
			break
		}
	}

	if len(selected) == 0 {
		return nil, Configf("no subnets in allowed zones %v", allowedZones)
	}
	return selected, nil
}

// SubnetIDs returns just the IDs of a selection, in order.
func SubnetIDs(subnets []Subnet) []string {
	ids := make([]string, len(subnets))
	for i, s := range subnets {
		ids[i] = s.ID
	}
	return ids
}
