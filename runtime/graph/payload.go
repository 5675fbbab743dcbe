package graph

type (
	// Payload is the typed configuration a node carries. The concrete type
	// is chosen by the node's NodeType at decode time.
	Payload interface {
		payloadType() NodeType
	}

	// MicroservicePayload configures application workloads.
	MicroservicePayload struct {
		Image    string            `json:"image,omitempty"`
		Replicas int               `json:"replicas,omitempty"`
		Ports    []int             `json:"ports,omitempty"`
		Env      map[string]string `json:"env,omitempty"`
	}

	// DatabasePayload configures database nodes.
	DatabasePayload struct {
		Engine    string `json:"engine,omitempty"`
		Version   string `json:"version,omitempty"`
		Port      int    `json:"port,omitempty"`
		StorageGB int    `json:"storageGb,omitempty"`
		Replicas  int    `json:"replicas,omitempty"`
	}

	// CachePayload configures cache nodes.
	CachePayload struct {
		Engine      string `json:"engine,omitempty"`
		Version     string `json:"version,omitempty"`
		Port        int    `json:"port,omitempty"`
		MaxMemoryMB int    `json:"maxMemoryMb,omitempty"`
	}

	// MessageQueuePayload configures message broker nodes.
	MessageQueuePayload struct {
		Engine     string `json:"engine,omitempty"`
		Version    string `json:"version,omitempty"`
		Port       int    `json:"port,omitempty"`
		Partitions int    `json:"partitions,omitempty"`
	}

	// ServicePayload configures Kubernetes service nodes.
	ServicePayload struct {
		ServiceType string        `json:"serviceType,omitempty"`
		Ports       []PortMapping `json:"ports,omitempty"`
	}

	// PortMapping is one exposed port of a service.
	PortMapping struct {
		Port       int    `json:"port"`
		TargetPort int    `json:"targetPort,omitempty"`
		Protocol   string `json:"protocol,omitempty"`
	}

	// IngressPayload configures ingress nodes.
	IngressPayload struct {
		Host      string `json:"host,omitempty"`
		Path      string `json:"path,omitempty"`
		TLS       bool   `json:"tls,omitempty"`
		TLSSecret string `json:"tlsSecret,omitempty"`
	}

	// ExternalPayload configures external dependency nodes.
	ExternalPayload struct {
		URL  string `json:"url,omitempty"`
		Auth string `json:"auth,omitempty"`
	}
)

func (*MicroservicePayload) payloadType() NodeType { return NodeMicroservice }
func (*DatabasePayload) payloadType() NodeType     { return NodeDatabase }
func (*CachePayload) payloadType() NodeType        { return NodeCache }
func (*MessageQueuePayload) payloadType() NodeType { return NodeMessageQueue }
func (*ServicePayload) payloadType() NodeType      { return NodeService }
func (*IngressPayload) payloadType() NodeType      { return NodeIngress }
func (*ExternalPayload) payloadType() NodeType     { return NodeExternalDependency }

// newPayload returns a zero payload for node types that declare one, nil
// otherwise.
func newPayload(t NodeType) Payload {
	switch t {
	case NodeMicroservice:
		return &MicroservicePayload{}
	case NodeDatabase:
		return &DatabasePayload{}
	case NodeCache:
		return &CachePayload{}
	case NodeMessageQueue:
		return &MessageQueuePayload{}
	case NodeService:
		return &ServicePayload{}
	case NodeIngress:
		return &IngressPayload{}
	case NodeExternalDependency:
		return &ExternalPayload{}
	}
	return nil
}
