package graph

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodePayloadDecodedByType(t *testing.T) {
	raw := []byte(`{
		"id": "db-1",
		"name": "orders-db",
		"nodeType": "DATABASE",
		"payload": {"engine": "postgres", "version": "16", "port": 5432, "storageGb": 20}
	}`)

	var n Node
	require.NoError(t, json.Unmarshal(raw, &n))
	require.Equal(t, NodeDatabase, n.NodeType)

	payload, ok := n.Payload.(*DatabasePayload)
	require.True(t, ok, "payload type %T", n.Payload)
	require.Equal(t, "postgres", payload.Engine)
	require.Equal(t, 5432, payload.Port)
	require.Equal(t, 20, payload.StorageGB)
}

func TestNodePayloadRoundTrip(t *testing.T) {
	n := Node{
		ID:       "svc-1",
		Name:     "api",
		NodeType: NodeService,
		Payload: &ServicePayload{
			ServiceType: "ClusterIP",
			Ports:       []PortMapping{{Port: 80, TargetPort: 8080, Protocol: "TCP"}},
		},
	}
	raw, err := json.Marshal(&n)
	require.NoError(t, err)

	var decoded Node
	require.NoError(t, json.Unmarshal(raw, &decoded))
	payload, ok := decoded.Payload.(*ServicePayload)
	require.True(t, ok)
	require.Equal(t, n.Payload, payload)
}

func TestNodePayloadIgnoredForUntypedNodes(t *testing.T) {
	raw := []byte(`{
		"id": "cm-1",
		"name": "settings",
		"nodeType": "CONFIGMAP",
		"spec": {"data": {"LOG_LEVEL": "debug"}},
		"payload": {"anything": true}
	}`)

	var n Node
	require.NoError(t, json.Unmarshal(raw, &n))
	require.Nil(t, n.Payload)
	require.Contains(t, n.Spec, "data")
}

func TestGraphLookups(t *testing.T) {
	g := &Graph{
		Nodes: []*Node{
			{ID: "a", NodeType: NodeService, Edges: []Edge{{ConnectionType: ConnServiceExposesPod, TargetNode: "b"}}},
			{ID: "b", NodeType: NodeDeployment},
		},
		Bridges: []*Bridge{{ID: "br", TargetGraphID: "g2"}},
	}

	require.Equal(t, NodeService, g.Node("a").NodeType)
	require.Nil(t, g.Node("missing"))
	require.Equal(t, "g2", g.Bridge("br").TargetGraphID)
	require.Nil(t, g.Bridge("missing"))

	require.True(t, g.Node("a").HasEdge("b", ConnServiceExposesPod))
	require.False(t, g.Node("a").HasEdge("b", ConnManages))
}

func TestEnumValidity(t *testing.T) {
	require.True(t, NodeMicroservice.Valid())
	require.False(t, NodeType("TOASTER").Valid())
	require.True(t, ConnServiceExposesPod.Valid())
	require.False(t, ConnectionType("LINKS").Valid())
	require.True(t, GraphTypeKubernetes.Valid())
	require.False(t, GraphType("SKETCH").Valid())
}
