package plan

import (
	"fmt"
	"strings"
)

// planSystemPrompt instructs the model to emit the deployment graph as a bare
// JSON object. The node types enumerate the abstract infrastructure tier; the
// planner never emits Kubernetes primitives, those belong to code generation.
const planSystemPrompt = `You are a cloud deployment architect. Given a deployment request, design the infrastructure as a graph of abstract components.

Respond with a single JSON object and nothing else:
{"name": "<graph name>", "description": "<one sentence>", "nodes": [{"id": "<optional>", "name": "<component name>", "nodeType": "<TYPE>", "spec": {<optional attributes>}}]}

Allowed nodeType values:
MICROSERVICE, DATABASE, CACHE, MESSAGE_QUEUE, PROXY, LOAD_BALANCER, MONITORING, GATEWAY, EXTERNAL_DEPENDENCY

Rules:
- Every component of the requested system is one node.
- Use lowercase-hyphenated names (payment-service, orders-db).
- Put sizing, engine, or version hints in spec.
- Do not invent components the request does not need.
- Do not wrap the JSON in markdown fences.`

// analyzeSystemPrompt drives the standalone request analysis.
const analyzeSystemPrompt = `You are a cloud deployment architect. Analyze the deployment request and list:
1. The services and infrastructure components it needs.
2. Data stores and how they are used.
3. External dependencies.
4. Open questions the request leaves unanswered.

Be concise. Plain text, no markdown.`

func analyzeUserPrompt(request string, userContext []string) string {
	if len(userContext) == 0 {
		return request
	}
	var b strings.Builder
	b.WriteString(request)
	b.WriteString("\n\nAdditional context:\n")
	for _, c := range userContext {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	return b.String()
}
