package graph

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func hashFixture() *Graph {
	return &Graph{
		Name:      "shop",
		GraphType: GraphTypeMicroservice,
		CompanyID: "c1",
		UserID:    "u1",
		Nodes: []*Node{
			{
				ID: "api", Name: "api", NodeType: NodeMicroservice,
				Spec:  map[string]any{"replicas": 2, "image": "shop/api"},
				Edges: []Edge{{ConnectionType: ConnMicroserviceUsesDatabase, TargetNode: "db"}},
			},
			{ID: "db", Name: "orders-db", NodeType: NodeDatabase},
		},
	}
}

func TestHashDeterministic(t *testing.T) {
	a, err := ComputeGraphHash(hashFixture(), HashOptions{})
	require.NoError(t, err)
	b, err := ComputeGraphHash(hashFixture(), HashOptions{})
	require.NoError(t, err)
	require.Equal(t, a, b)
	require.Len(t, a, 64) // sha256 hex
}

func TestHashIgnoresDeclarationOrder(t *testing.T) {
	base, err := ComputeGraphHash(hashFixture(), HashOptions{})
	require.NoError(t, err)

	reordered := hashFixture()
	reordered.Nodes[0], reordered.Nodes[1] = reordered.Nodes[1], reordered.Nodes[0]
	got, err := ComputeGraphHash(reordered, HashOptions{})
	require.NoError(t, err)
	require.Equal(t, base, got)
}

func TestHashSensitivity(t *testing.T) {
	base, err := ComputeGraphHash(hashFixture(), HashOptions{})
	require.NoError(t, err)

	renamed := hashFixture()
	renamed.Nodes[1].Name = "orders-db-v2"
	got, err := ComputeGraphHash(renamed, HashOptions{})
	require.NoError(t, err)
	require.NotEqual(t, base, got)

	respecced := hashFixture()
	respecced.Nodes[0].Spec["replicas"] = 3
	got, err = ComputeGraphHash(respecced, HashOptions{})
	require.NoError(t, err)
	require.NotEqual(t, base, got)

	relinked := hashFixture()
	relinked.Nodes[0].Edges[0].ConnectionType = ConnMicroserviceReadsDB
	got, err = ComputeGraphHash(relinked, HashOptions{})
	require.NoError(t, err)
	require.NotEqual(t, base, got)
}

func TestHashMetadataScope(t *testing.T) {
	mine := hashFixture()
	theirs := hashFixture()
	theirs.CompanyID = "c2"

	a, err := ComputeGraphHash(mine, HashOptions{})
	require.NoError(t, err)
	b, err := ComputeGraphHash(theirs, HashOptions{})
	require.NoError(t, err)
	require.NotEqual(t, a, b, "ownership is part of the default canonical form")

	a, err = ComputeGraphHash(mine, HashOptions{ExcludeMetadata: true})
	require.NoError(t, err)
	b, err = ComputeGraphHash(theirs, HashOptions{ExcludeMetadata: true})
	require.NoError(t, err)
	require.Equal(t, a, b, "topology-only hashes ignore ownership")
}

func TestHashAlgorithms(t *testing.T) {
	sha, err := ComputeGraphHash(hashFixture(), HashOptions{Algorithm: HashSHA256})
	require.NoError(t, err)
	md, err := ComputeGraphHash(hashFixture(), HashOptions{Algorithm: HashMD5})
	require.NoError(t, err)
	require.Len(t, md, 32)
	require.NotEqual(t, sha, md)

	_, err = ComputeGraphHash(hashFixture(), HashOptions{Algorithm: "crc32"})
	require.Error(t, err)
}
