package graph

import "encoding/json"

// DeltaOptions filters the nodes NeededInfrastructure reports.
type DeltaOptions struct {
	// Types keeps only nodes of the listed types when non-empty.
	Types []NodeType

	// MinEdges keeps only nodes with at least this many edges.
	MinEdges int

	// ExcludeExternal drops EXTERNAL_DEPENDENCY nodes.
	ExcludeExternal bool
}

// NeededInfrastructure returns the desired nodes that are new or changed
// relative to existing: nodes whose id is absent from existing, or whose
// name, type, or serialized spec differs. A nil existing graph needs every
// desired node.
func NeededInfrastructure(desired, existing *Graph, opts DeltaOptions) []*Node {
	var byID map[string]*Node
	if existing != nil {
		byID = make(map[string]*Node, len(existing.Nodes))
		for _, n := range existing.Nodes {
			byID[n.ID] = n
		}
	}

	var typeFilter map[NodeType]struct{}
	if len(opts.Types) > 0 {
		typeFilter = make(map[NodeType]struct{}, len(opts.Types))
		for _, t := range opts.Types {
			typeFilter[t] = struct{}{}
		}
	}

	var needed []*Node
	for _, n := range desired.Nodes {
		if typeFilter != nil {
			if _, ok := typeFilter[n.NodeType]; !ok {
				continue
			}
		}
		if opts.ExcludeExternal && n.NodeType == NodeExternalDependency {
			continue
		}
		if len(n.Edges) < opts.MinEdges {
			continue
		}
		current, ok := byID[n.ID]
		if ok && current.Name == n.Name && current.NodeType == n.NodeType && specEqual(current.Spec, n.Spec) {
			continue
		}
		needed = append(needed, n)
	}
	return needed
}

// specEqual compares attribute bags by their canonical JSON form.
func specEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ja, errA := json.Marshal(a)
	jb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return string(ja) == string(jb)
}
