package plan

// DefaultDenyBody is returned to any request that does not carry the gateway
// secret header. The backend is only ever reachable through the API gateway.
const DefaultDenyBody = "Acesso Direto Negado. Use o API Gateway."

// DefaultDenyStatus is the HTTP status of the fixed deny response.
const DefaultDenyStatus = 403

// HeaderRule forwards requests whose header matches exactly. Priority orders
// rule evaluation; the gate rule always gets priority 1 so nothing added later
// can shadow it.
type HeaderRule struct {
	Priority    int
	HeaderName  string
	HeaderValue string
	TargetGroup string
}

// GatewaySpec is the derived public listener: a fixed 403 default action plus
// a single header-gated forward rule. This is the entire external
// authentication boundary for the backend.
type GatewaySpec struct {
	Port       int
	Protocol   string
	DenyStatus int
	DenyBody   string
	Rules      []HeaderRule
}

// BuildGatewaySpec derives the gated listener configuration.
func BuildGatewaySpec(port int, targetGroup, headerName, headerValue string) GatewaySpec {
	return GatewaySpec{
		Port:       port,
		Protocol:   "HTTP",
		DenyStatus: DefaultDenyStatus,
		DenyBody:   DefaultDenyBody,
		Rules: []HeaderRule{{
			Priority:    1,
			HeaderName:  headerName,
			HeaderValue: headerValue,
			TargetGroup: targetGroup,
		}},
	}
}

// Evaluate resolves where a request with the given header value lands: the
// forwarding target group, or "" for the deny response. Value semantics follow
// the listener: exact match only, absent header (empty value) never matches.
func (g GatewaySpec) Evaluate(headerName, headerValue string) (targetGroup string, forwarded bool) {
	for _, r := range g.Rules {
		if r.HeaderName == headerName && headerValue != "" && r.HeaderValue == headerValue {
			return r.TargetGroup, true
		}
	}
	return "", false
}
