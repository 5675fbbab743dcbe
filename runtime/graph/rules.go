package graph

import "strings"

type (
	// ConnectionRule infers an edge between every pair of nodes whose types
	// match (SourceType, TargetType). Bidirectional rules add the reverse
	// edge with the same connection type.
	ConnectionRule struct {
		SourceType     NodeType
		TargetType     NodeType
		ConnectionType ConnectionType
		Bidirectional  bool
	}

	// BuildOptions configures BuildGraphEdges. The zero value applies
	// DefaultRules without default name-based edges.
	BuildOptions struct {
		// Rules overrides DefaultRules when non-nil.
		Rules []ConnectionRule

		// CreateDefaultEdges additionally groups nodes by base name and
		// links Service to Deployment and Deployment to Pod within a group.
		CreateDefaultEdges bool
	}
)

// DefaultRules is the fixed inference table applied to freshly generated
// nodes. Services select pods regardless of the controller in between, so
// every service exposure maps to SERVICE_EXPOSES_POD.
var DefaultRules = []ConnectionRule{
	{NodeService, NodeDeployment, ConnServiceExposesPod, false},
	{NodeService, NodeStatefulSet, ConnServiceExposesPod, false},
	{NodeService, NodePod, ConnServiceExposesPod, false},
	{NodeIngress, NodeService, ConnIngressRoutesToService, false},
	{NodeGateway, NodeService, ConnGatewayRoutesToService, false},
	{NodeLoadBalancer, NodeService, ConnLBRoutesToService, false},
	{NodeDeployment, NodePod, ConnDeploymentManagesPod, false},
	{NodeStatefulSet, NodePod, ConnStatefulSetManagesPod, false},
	{NodeDaemonSet, NodePod, ConnDaemonSetManagesPod, false},
	{NodeCronJob, NodeJob, ConnCronJobManagesJob, false},
	{NodeJob, NodePod, ConnJobManagesPod, false},
	{NodeHorizontalPodAutoscaler, NodeDeployment, ConnHPAScalesDeployment, false},
	{NodeMicroservice, NodeDatabase, ConnMicroserviceUsesDatabase, false},
	{NodeMicroservice, NodeCache, ConnMicroserviceUsesCache, false},
	{NodeMicroservice, NodeMessageQueue, ConnMicroservicePublishes, false},
	{NodeMonitoring, NodeService, ConnMonitoringScrapesService, false},
}

// baseNameSuffixes are stripped when grouping nodes by base name. Longer
// suffixes come first so "-deployment" wins over "-deploy".
var baseNameSuffixes = []string{
	"-deployment", "-configmap", "-ingress", "-service", "-deploy",
	"-secret", "-pods", "-svc", "-pod",
}

// BuildGraphEdges infers edges in place and returns the number added. It
// first drops malformed edges (no target, no connection type, or a target
// that resolves to neither a node nor a bridge), then applies the rule
// table, then optionally links same-base-name groups. Applying it twice
// changes nothing.
func BuildGraphEdges(g *Graph, opts BuildOptions) int {
	ids := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		ids[n.ID] = struct{}{}
	}
	for _, b := range g.Bridges {
		ids[b.ID] = struct{}{}
	}
	for _, n := range g.Nodes {
		kept := n.Edges[:0]
		for _, e := range n.Edges {
			if e.TargetNode == "" || e.ConnectionType == "" {
				continue
			}
			if _, ok := ids[e.TargetNode]; !ok {
				continue
			}
			kept = append(kept, e)
		}
		n.Edges = kept
	}

	rules := opts.Rules
	if rules == nil {
		rules = DefaultRules
	}

	added := 0
	link := func(src *Node, dst string, ct ConnectionType) {
		if src.ID == dst || src.HasEdge(dst, ct) {
			return
		}
		src.Edges = append(src.Edges, Edge{ConnectionType: ct, TargetNode: dst})
		added++
	}
	for _, rule := range rules {
		for _, src := range g.Nodes {
			if src.NodeType != rule.SourceType {
				continue
			}
			for _, dst := range g.Nodes {
				if dst.NodeType != rule.TargetType {
					continue
				}
				link(src, dst.ID, rule.ConnectionType)
				if rule.Bidirectional {
					link(dst, src.ID, rule.ConnectionType)
				}
			}
		}
	}

	if opts.CreateDefaultEdges {
		groups := make(map[string][]*Node)
		for _, n := range g.Nodes {
			groups[baseName(n.Name)] = append(groups[baseName(n.Name)], n)
		}
		for _, group := range groups {
			for _, src := range group {
				for _, dst := range group {
					switch {
					case src.NodeType == NodeService && dst.NodeType == NodeDeployment:
						link(src, dst.ID, ConnServiceExposesPod)
					case src.NodeType == NodeDeployment && dst.NodeType == NodePod:
						link(src, dst.ID, ConnDeploymentManagesPod)
					}
				}
			}
		}
	}
	return added
}

// baseName lowercases a node name and strips the first matching resource
// suffix so "api-service" and "api-deployment" group together.
func baseName(name string) string {
	base := strings.ToLower(name)
	for _, suffix := range baseNameSuffixes {
		if trimmed, ok := strings.CutSuffix(base, suffix); ok {
			return trimmed
		}
	}
	return base
}
