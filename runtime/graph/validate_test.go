package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func validFixture() *Graph {
	return &Graph{
		Name: "shop", GraphType: GraphTypeKubernetes, CompanyID: "c", UserID: "u",
		Nodes: []*Node{
			{ID: "s", Name: "api-service", NodeType: NodeService,
				Edges: []Edge{{ConnectionType: ConnServiceExposesPod, TargetNode: "d"}}},
			{ID: "d", Name: "api-deployment", NodeType: NodeDeployment},
		},
	}
}

func TestValidateOK(t *testing.T) {
	res := Validate(validFixture())
	require.True(t, res.IsValid)
	require.Empty(t, res.Errors)
	require.Empty(t, res.Warnings)
}

func TestValidateRequiredMetadata(t *testing.T) {
	g := validFixture()
	g.Name = ""
	g.GraphType = ""
	g.CompanyID = ""
	g.UserID = ""
	res := Validate(g)
	require.False(t, res.IsValid)
	require.Len(t, res.Errors, 4)
}

func TestValidateDuplicateNodeIDs(t *testing.T) {
	g := validFixture()
	g.Nodes = append(g.Nodes, &Node{ID: "s", Name: "other", NodeType: NodePod})
	res := Validate(g)
	require.False(t, res.IsValid)
	require.Contains(t, res.Errors, `duplicate node id "s"`)
}

func TestValidateEdgeIntegrity(t *testing.T) {
	g := validFixture()
	g.Nodes[0].Edges = append(g.Nodes[0].Edges, Edge{ConnectionType: ConnDependsOn, TargetNode: "nowhere"})
	res := Validate(g)
	require.False(t, res.IsValid)
	require.Contains(t, res.Errors, `node "s" links to unknown target "nowhere"`)

	// A bridge satisfies the reference.
	g.Bridges = []*Bridge{{ID: "nowhere", TargetGraphID: "g2"}}
	res = Validate(g)
	require.True(t, res.IsValid)
}

func TestValidateWarnsOnUnknownTypes(t *testing.T) {
	g := validFixture()
	g.Nodes[1].NodeType = "QUANTUM_POD"
	g.Nodes[0].Edges[0].ConnectionType = "TELEPORTS_TO"
	res := Validate(g)
	require.True(t, res.IsValid, "unknown types warn, they do not invalidate")
	require.Len(t, res.Warnings, 2)
}

func TestValidateEmptyNodeType(t *testing.T) {
	g := validFixture()
	g.Nodes[1].NodeType = ""
	res := Validate(g)
	require.False(t, res.IsValid)
	require.Contains(t, res.Errors, `node "d" has no type`)
}
