// Package graph defines the deployment graph model: typed nodes connected by
// typed edges, owned by a (company, user) pair. It hosts the utilities the
// workflows build on: canonical hashing, delta computation against an
// existing graph, rule-based edge inference, and structural validation.
package graph

import (
	"encoding/json"
	"fmt"
	"time"
)

type (
	// GraphType classifies a graph by its level of abstraction.
	GraphType string

	// NodeType is the closed enumeration of node kinds: Kubernetes
	// primitives, higher-level infrastructure, and external dependencies.
	NodeType string

	// ConnectionType is the closed enumeration of edge kinds.
	ConnectionType string

	// Graph is a named container of nodes owned by (CompanyID, UserID).
	// Bridges link into other graphs; edge targets must resolve to a node id
	// in the same graph or to a bridge id.
	Graph struct {
		ID               string    `json:"id,omitempty"`
		Name             string    `json:"name"`
		Description      string    `json:"description,omitempty"`
		GraphType        GraphType `json:"graphType"`
		CompanyID        string    `json:"companyId"`
		UserID           string    `json:"userId"`
		Nodes            []*Node   `json:"nodes"`
		Bridges          []*Bridge `json:"bridges,omitempty"`
		ContextEmbedding []float64 `json:"contextEmbedding,omitempty"`
		CreatedAt        time.Time `json:"createdAt,omitempty"`
		UpdatedAt        time.Time `json:"updatedAt,omitempty"`
	}

	// Node is one vertex of the graph. Spec is a free-form attribute bag
	// overlaid on the typed payload; Payload carries the per-type
	// configuration and is decoded by NodeType.
	Node struct {
		ID        string         `json:"id"`
		Name      string         `json:"name"`
		NodeType  NodeType       `json:"nodeType"`
		Namespace string         `json:"namespace,omitempty"`
		Spec      map[string]any `json:"spec,omitempty"`
		Edges     []Edge         `json:"edges,omitempty"`
		Payload   Payload        `json:"payload,omitempty"`
		Embedding []float64      `json:"embedding,omitempty"`
		CreatedAt time.Time      `json:"createdAt,omitempty"`
	}

	// Edge is a unidirectional connection to another node, held by id rather
	// than by pointer so graphs stay acyclic in memory. Bidirectional
	// relationships are two edges.
	Edge struct {
		ConnectionType ConnectionType `json:"connectionType"`
		TargetNode     string         `json:"targetNode"`
	}

	// Bridge declares a link target that lives in another graph.
	Bridge struct {
		ID            string `json:"id"`
		TargetGraphID string `json:"targetGraphId"`
		TargetNodeID  string `json:"targetNodeId,omitempty"`
		Name          string `json:"name,omitempty"`
	}
)

const (
	GraphTypeMicroservice   GraphType = "MICROSERVICE"
	GraphTypeKubernetes     GraphType = "KUBERNETES"
	GraphTypeInfrastructure GraphType = "INFRASTRUCTURE"
	GraphTypeAbstract       GraphType = "ABSTRACT"
	GraphTypeDebugging      GraphType = "DEBUGGING"
)

// Kubernetes primitives.
const (
	NodePod                     NodeType = "POD"
	NodeService                 NodeType = "SERVICE"
	NodeDeployment              NodeType = "DEPLOYMENT"
	NodeStatefulSet             NodeType = "STATEFULSET"
	NodeDaemonSet               NodeType = "DAEMONSET"
	NodeReplicaSet              NodeType = "REPLICASET"
	NodeJob                     NodeType = "JOB"
	NodeCronJob                 NodeType = "CRONJOB"
	NodeIngress                 NodeType = "INGRESS"
	NodeConfigMap               NodeType = "CONFIGMAP"
	NodeSecret                  NodeType = "SECRET"
	NodePersistentVolume        NodeType = "PERSISTENT_VOLUME"
	NodePersistentVolumeClaim   NodeType = "PERSISTENT_VOLUME_CLAIM"
	NodeNamespace               NodeType = "NAMESPACE"
	NodeServiceAccount          NodeType = "SERVICE_ACCOUNT"
	NodeNetworkPolicy           NodeType = "NETWORK_POLICY"
	NodeHorizontalPodAutoscaler NodeType = "HORIZONTAL_POD_AUTOSCALER"
)

// Higher-level infrastructure.
const (
	NodeMicroservice       NodeType = "MICROSERVICE"
	NodeDatabase           NodeType = "DATABASE"
	NodeCache              NodeType = "CACHE"
	NodeMessageQueue       NodeType = "MESSAGE_QUEUE"
	NodeProxy              NodeType = "PROXY"
	NodeLoadBalancer       NodeType = "LOAD_BALANCER"
	NodeMonitoring         NodeType = "MONITORING"
	NodeGateway            NodeType = "GATEWAY"
	NodeExternalDependency NodeType = "EXTERNAL_DEPENDENCY"
)

// Workload ownership.
const (
	ConnManages                   ConnectionType = "MANAGES"
	ConnDeploymentManagesReplicas ConnectionType = "DEPLOYMENT_MANAGES_REPLICASET"
	ConnReplicaSetManagesPod      ConnectionType = "REPLICASET_MANAGES_POD"
	ConnDeploymentManagesPod      ConnectionType = "DEPLOYMENT_MANAGES_POD"
	ConnStatefulSetManagesPod     ConnectionType = "STATEFULSET_MANAGES_POD"
	ConnDaemonSetManagesPod       ConnectionType = "DAEMONSET_MANAGES_POD"
	ConnJobManagesPod             ConnectionType = "JOB_MANAGES_POD"
	ConnCronJobManagesJob         ConnectionType = "CRONJOB_MANAGES_JOB"
	ConnHPAScalesDeployment       ConnectionType = "HPA_SCALES_DEPLOYMENT"
	ConnHPAScalesStatefulSet      ConnectionType = "HPA_SCALES_STATEFULSET"
)

// Networking.
const (
	ConnServiceExposesPod         ConnectionType = "SERVICE_EXPOSES_POD"
	ConnServiceRoutesToService    ConnectionType = "SERVICE_ROUTES_TO_SERVICE"
	ConnIngressRoutesToService    ConnectionType = "INGRESS_ROUTES_TO_SERVICE"
	ConnGatewayRoutesToService    ConnectionType = "GATEWAY_ROUTES_TO_SERVICE"
	ConnGatewayRoutesToMS         ConnectionType = "GATEWAY_ROUTES_TO_MICROSERVICE"
	ConnLBRoutesToService         ConnectionType = "LOAD_BALANCER_ROUTES_TO_SERVICE"
	ConnLBRoutesToGateway         ConnectionType = "LOAD_BALANCER_ROUTES_TO_GATEWAY"
	ConnProxyForwardsToService    ConnectionType = "PROXY_FORWARDS_TO_SERVICE"
	ConnProxyForwardsToMS         ConnectionType = "PROXY_FORWARDS_TO_MICROSERVICE"
	ConnNetworkPolicyAppliesToPod ConnectionType = "NETWORK_POLICY_APPLIES_TO_POD"
	ConnNetworkPolicyAppliesToNS  ConnectionType = "NETWORK_POLICY_APPLIES_TO_NAMESPACE"
)

// Configuration and identity.
const (
	ConnPodMountsConfigMap        ConnectionType = "POD_MOUNTS_CONFIGMAP"
	ConnPodMountsSecret           ConnectionType = "POD_MOUNTS_SECRET"
	ConnDeploymentMountsConfigMap ConnectionType = "DEPLOYMENT_MOUNTS_CONFIGMAP"
	ConnDeploymentMountsSecret    ConnectionType = "DEPLOYMENT_MOUNTS_SECRET"
	ConnStatefulSetMountsConfig   ConnectionType = "STATEFULSET_MOUNTS_CONFIGMAP"
	ConnStatefulSetMountsSecret   ConnectionType = "STATEFULSET_MOUNTS_SECRET"
	ConnIngressUsesSecret         ConnectionType = "INGRESS_USES_SECRET"
	ConnPodUsesServiceAccount     ConnectionType = "POD_USES_SERVICE_ACCOUNT"
	ConnDeploymentUsesSA          ConnectionType = "DEPLOYMENT_USES_SERVICE_ACCOUNT"
)

// Storage and placement.
const (
	ConnPodClaimsVolume         ConnectionType = "POD_CLAIMS_VOLUME"
	ConnStatefulSetClaimsVolume ConnectionType = "STATEFULSET_CLAIMS_VOLUME"
	ConnClaimBindsVolume        ConnectionType = "CLAIM_BINDS_VOLUME"
	ConnDatabaseStoresDataOn    ConnectionType = "DATABASE_STORES_DATA_ON"
	ConnCacheStoresDataOn       ConnectionType = "CACHE_STORES_DATA_ON"
	ConnBelongsToNamespace      ConnectionType = "BELONGS_TO_NAMESPACE"
)

// Application level.
const (
	ConnMicroserviceDependsOn    ConnectionType = "MICROSERVICE_DEPENDS_ON"
	ConnMicroserviceCallsMS      ConnectionType = "MICROSERVICE_CALLS_MICROSERVICE"
	ConnMicroserviceUsesDatabase ConnectionType = "MICROSERVICE_USES_DATABASE"
	ConnMicroserviceReadsDB      ConnectionType = "MICROSERVICE_READS_FROM_DATABASE"
	ConnMicroserviceWritesDB     ConnectionType = "MICROSERVICE_WRITES_TO_DATABASE"
	ConnMicroserviceUsesCache    ConnectionType = "MICROSERVICE_USES_CACHE"
	ConnMicroservicePublishes    ConnectionType = "MICROSERVICE_PUBLISHES_TO_QUEUE"
	ConnMicroserviceConsumes     ConnectionType = "MICROSERVICE_CONSUMES_FROM_QUEUE"
	ConnMicroserviceCallsExt     ConnectionType = "MICROSERVICE_CALLS_EXTERNAL"
	ConnDatabaseReplicatesTo     ConnectionType = "DATABASE_REPLICATES_TO_DATABASE"
	ConnCacheFrontsDatabase      ConnectionType = "CACHE_FRONTS_DATABASE"
	ConnQueueDeliversToMS        ConnectionType = "QUEUE_DELIVERS_TO_MICROSERVICE"
)

// Observability.
const (
	ConnMonitoringScrapesPod     ConnectionType = "MONITORING_SCRAPES_POD"
	ConnMonitoringScrapesService ConnectionType = "MONITORING_SCRAPES_SERVICE"
	ConnMonitoringObservesMS     ConnectionType = "MONITORING_OBSERVES_MICROSERVICE"
	ConnMonitoringAlertsExt      ConnectionType = "MONITORING_ALERTS_TO_EXTERNAL"
)

// Generic fallbacks used when no specific variant fits.
const (
	ConnDependsOn    ConnectionType = "DEPENDS_ON"
	ConnConnectsTo   ConnectionType = "CONNECTS_TO"
	ConnRoutesTo     ConnectionType = "ROUTES_TO"
	ConnExposes      ConnectionType = "EXPOSES"
	ConnConfigures   ConnectionType = "CONFIGURES"
	ConnSecures      ConnectionType = "SECURES"
	ConnStoresDataIn ConnectionType = "STORES_DATA_IN"
	ConnTriggers     ConnectionType = "TRIGGERS"
)

// AllNodeTypes lists every node type.
var AllNodeTypes = []NodeType{
	NodePod, NodeService, NodeDeployment, NodeStatefulSet, NodeDaemonSet,
	NodeReplicaSet, NodeJob, NodeCronJob, NodeIngress, NodeConfigMap,
	NodeSecret, NodePersistentVolume, NodePersistentVolumeClaim,
	NodeNamespace, NodeServiceAccount, NodeNetworkPolicy,
	NodeHorizontalPodAutoscaler, NodeMicroservice, NodeDatabase, NodeCache,
	NodeMessageQueue, NodeProxy, NodeLoadBalancer, NodeMonitoring,
	NodeGateway, NodeExternalDependency,
}

// AllConnectionTypes lists every connection type.
var AllConnectionTypes = []ConnectionType{
	ConnManages, ConnDeploymentManagesReplicas, ConnReplicaSetManagesPod,
	ConnDeploymentManagesPod, ConnStatefulSetManagesPod,
	ConnDaemonSetManagesPod, ConnJobManagesPod, ConnCronJobManagesJob,
	ConnHPAScalesDeployment, ConnHPAScalesStatefulSet,

	ConnServiceExposesPod, ConnServiceRoutesToService,
	ConnIngressRoutesToService, ConnGatewayRoutesToService,
	ConnGatewayRoutesToMS, ConnLBRoutesToService, ConnLBRoutesToGateway,
	ConnProxyForwardsToService, ConnProxyForwardsToMS,
	ConnNetworkPolicyAppliesToPod, ConnNetworkPolicyAppliesToNS,

	ConnPodMountsConfigMap, ConnPodMountsSecret,
	ConnDeploymentMountsConfigMap, ConnDeploymentMountsSecret,
	ConnStatefulSetMountsConfig, ConnStatefulSetMountsSecret,
	ConnIngressUsesSecret, ConnPodUsesServiceAccount, ConnDeploymentUsesSA,

	ConnPodClaimsVolume, ConnStatefulSetClaimsVolume, ConnClaimBindsVolume,
	ConnDatabaseStoresDataOn, ConnCacheStoresDataOn, ConnBelongsToNamespace,

	ConnMicroserviceDependsOn, ConnMicroserviceCallsMS,
	ConnMicroserviceUsesDatabase, ConnMicroserviceReadsDB,
	ConnMicroserviceWritesDB, ConnMicroserviceUsesCache,
	ConnMicroservicePublishes, ConnMicroserviceConsumes,
	ConnMicroserviceCallsExt, ConnDatabaseReplicatesTo,
	ConnCacheFrontsDatabase, ConnQueueDeliversToMS,

	ConnMonitoringScrapesPod, ConnMonitoringScrapesService,
	ConnMonitoringObservesMS, ConnMonitoringAlertsExt,

	ConnDependsOn, ConnConnectsTo, ConnRoutesTo, ConnExposes,
	ConnConfigures, ConnSecures, ConnStoresDataIn, ConnTriggers,
}

var nodeTypeSet = func() map[NodeType]struct{} {
	m := make(map[NodeType]struct{}, len(AllNodeTypes))
	for _, t := range AllNodeTypes {
		m[t] = struct{}{}
	}
	return m
}()

var connectionTypeSet = func() map[ConnectionType]struct{} {
	m := make(map[ConnectionType]struct{}, len(AllConnectionTypes))
	for _, c := range AllConnectionTypes {
		m[c] = struct{}{}
	}
	return m
}()

// Valid reports whether t is a declared node type.
func (t NodeType) Valid() bool {
	_, ok := nodeTypeSet[t]
	return ok
}

// Valid reports whether c is a declared connection type.
func (c ConnectionType) Valid() bool {
	_, ok := connectionTypeSet[c]
	return ok
}

// Valid reports whether t is a declared graph type.
func (t GraphType) Valid() bool {
	switch t {
	case GraphTypeMicroservice, GraphTypeKubernetes, GraphTypeInfrastructure,
		GraphTypeAbstract, GraphTypeDebugging:
		return true
	}
	return false
}

// Node returns the node with the given id, or nil.
func (g *Graph) Node(id string) *Node {
	for _, n := range g.Nodes {
		if n.ID == id {
			return n
		}
	}
	return nil
}

// Bridge returns the bridge with the given id, or nil.
func (g *Graph) Bridge(id string) *Bridge {
	for _, b := range g.Bridges {
		if b.ID == id {
			return b
		}
	}
	return nil
}

// HasEdge reports whether src already links to dst with the given type.
func (n *Node) HasEdge(dst string, ct ConnectionType) bool {
	for _, e := range n.Edges {
		if e.TargetNode == dst && e.ConnectionType == ct {
			return true
		}
	}
	return false
}

// UnmarshalJSON decodes a node, dispatching the payload by node type.
// Payloads of types without a declared shape are ignored; their data belongs
// in Spec.
func (n *Node) UnmarshalJSON(data []byte) error {
	type alias Node
	aux := struct {
		Payload json.RawMessage `json:"payload,omitempty"`
		*alias
	}{alias: (*alias)(n)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if len(aux.Payload) == 0 || string(aux.Payload) == "null" {
		return nil
	}
	payload := newPayload(n.NodeType)
	if payload == nil {
		return nil
	}
	if err := json.Unmarshal(aux.Payload, payload); err != nil {
		return fmt.Errorf("decode %s payload: %w", n.NodeType, err)
	}
	n.Payload = payload
	return nil
}
