package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func deltaGraphs() (desired, existing *Graph) {
	desired = &Graph{
		Nodes: []*Node{
			{ID: "api", Name: "api", NodeType: NodeMicroservice, Spec: map[string]any{"replicas": 2}},
			{ID: "db", Name: "orders-db", NodeType: NodeDatabase},
			{ID: "cache", Name: "redis", NodeType: NodeCache},
			{ID: "ext", Name: "stripe", NodeType: NodeExternalDependency},
		},
	}
	existing = &Graph{
		Nodes: []*Node{
			{ID: "api", Name: "api", NodeType: NodeMicroservice, Spec: map[string]any{"replicas": 2}},
			{ID: "db", Name: "orders-db", NodeType: NodeDatabase},
		},
	}
	return
}

func nodeIDs(nodes []*Node) []string {
	ids := make([]string, len(nodes))
	for i, n := range nodes {
		ids[i] = n.ID
	}
	return ids
}

func TestNeededInfrastructureNewNodes(t *testing.T) {
	desired, existing := deltaGraphs()
	needed := NeededInfrastructure(desired, existing, DeltaOptions{})
	require.Equal(t, []string{"cache", "ext"}, nodeIDs(needed))
}

func TestNeededInfrastructureDetectsChanges(t *testing.T) {
	desired, existing := deltaGraphs()

	// Unchanged nodes are skipped entirely.
	needed := NeededInfrastructure(existing, existing, DeltaOptions{})
	require.Empty(t, needed)

	desired.Nodes[0].Spec["replicas"] = 5
	needed = NeededInfrastructure(desired, existing, DeltaOptions{})
	require.Contains(t, nodeIDs(needed), "api")

	desired, _ = deltaGraphs()
	desired.Nodes[1].Name = "orders-db-v2"
	needed = NeededInfrastructure(desired, existing, DeltaOptions{})
	require.Contains(t, nodeIDs(needed), "db")

	desired, _ = deltaGraphs()
	desired.Nodes[1].NodeType = NodeCache
	needed = NeededInfrastructure(desired, existing, DeltaOptions{})
	require.Contains(t, nodeIDs(needed), "db")
}

func TestNeededInfrastructureNilExisting(t *testing.T) {
	desired, _ := deltaGraphs()
	needed := NeededInfrastructure(desired, nil, DeltaOptions{})
	require.Len(t, needed, len(desired.Nodes))
}

func TestNeededInfrastructureFilters(t *testing.T) {
	desired, _ := deltaGraphs()

	needed := NeededInfrastructure(desired, nil, DeltaOptions{Types: []NodeType{NodeDatabase}})
	require.Equal(t, []string{"db"}, nodeIDs(needed))

	needed = NeededInfrastructure(desired, nil, DeltaOptions{ExcludeExternal: true})
	require.NotContains(t, nodeIDs(needed), "ext")

	desired.Nodes[0].Edges = []Edge{{ConnectionType: ConnMicroserviceUsesDatabase, TargetNode: "db"}}
	needed = NeededInfrastructure(desired, nil, DeltaOptions{MinEdges: 1})
	require.Equal(t, []string{"api"}, nodeIDs(needed))
}
