package graph

import "fmt"

// ValidationResult collects the findings of Validate. Errors make the graph
// invalid; warnings do not.
type ValidationResult struct {
	IsValid  bool     `json:"isValid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Validate checks the structural integrity of a graph: required metadata,
// unique node ids, non-empty node types, and edge referential integrity.
// Unknown node or connection types are reported as warnings so graphs can
// round-trip through newer producers.
func Validate(g *Graph) ValidationResult {
	var res ValidationResult

	if g.Name == "" {
		res.Errors = append(res.Errors, "graph name is required")
	}
	if g.GraphType == "" {
		res.Errors = append(res.Errors, "graph type is required")
	} else if !g.GraphType.Valid() {
		res.Errors = append(res.Errors, fmt.Sprintf("unknown graph type %q", g.GraphType))
	}
	if g.CompanyID == "" {
		res.Errors = append(res.Errors, "company id is required")
	}
	if g.UserID == "" {
		res.Errors = append(res.Errors, "user id is required")
	}

	ids := make(map[string]struct{}, len(g.Nodes))
	for _, n := range g.Nodes {
		if n.ID == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("node %q has no id", n.Name))
			continue
		}
		if _, dup := ids[n.ID]; dup {
			res.Errors = append(res.Errors, fmt.Sprintf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = struct{}{}
	}
	bridges := make(map[string]struct{}, len(g.Bridges))
	for _, b := range g.Bridges {
		bridges[b.ID] = struct{}{}
	}

	for _, n := range g.Nodes {
		if n.NodeType == "" {
			res.Errors = append(res.Errors, fmt.Sprintf("node %q has no type", n.ID))
		} else if !n.NodeType.Valid() {
			res.Warnings = append(res.Warnings, fmt.Sprintf("node %q has unknown type %q", n.ID, n.NodeType))
		}
		if n.Name == "" {
			res.Warnings = append(res.Warnings, fmt.Sprintf("node %q has no name", n.ID))
		}
		for _, e := range n.Edges {
			if e.TargetNode == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("node %q has an edge with no target", n.ID))
				continue
			}
			if _, ok := ids[e.TargetNode]; !ok {
				if _, bridged := bridges[e.TargetNode]; !bridged {
					res.Errors = append(res.Errors,
						fmt.Sprintf("node %q links to unknown target %q", n.ID, e.TargetNode))
				}
			}
			if e.ConnectionType == "" {
				res.Errors = append(res.Errors, fmt.Sprintf("node %q has an edge with no connection type", n.ID))
			} else if !e.ConnectionType.Valid() {
				res.Warnings = append(res.Warnings,
					fmt.Sprintf("node %q uses unknown connection type %q", n.ID, e.ConnectionType))
			}
		}
	}

	res.IsValid = len(res.Errors) == 0
	return res
}
