package codegen

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kubegram/kubegram/runtime/graph"
)

// manifestsDoc is the JSON envelope the model is instructed to emit.
type manifestsDoc struct {
	Manifests []*GeneratedNode `json:"manifests"`
}

// decodeManifests parses the model response into generated nodes. Markdown
// fences are stripped first; a parse failure triggers one repair pass for
// truncated output before giving up. Every manifest must carry a file name
// and code; the provenance fields get their defaults here.
func decodeManifests(raw string) ([]*GeneratedNode, error) {
	s := stripFences(raw)
	var doc manifestsDoc
	if err := json.Unmarshal([]byte(s), &doc); err != nil {
		repaired, ok := repairJSON(s)
		if !ok {
			return nil, fmt.Errorf("parse response: %w", err)
		}
		if err := json.Unmarshal([]byte(repaired), &doc); err != nil {
			return nil, fmt.Errorf("parse repaired response: %w", err)
		}
	}
	for i, m := range doc.Manifests {
		if m == nil {
			return nil, fmt.Errorf("manifest %d is null", i)
		}
		if m.FileName == "" {
			return nil, fmt.Errorf("manifest %d has no file_name", i)
		}
		if m.GeneratedCode == "" {
			return nil, fmt.Errorf("manifest %q has no generated_code", m.FileName)
		}
		applyDefaults(m)
	}
	return doc.Manifests, nil
}

// applyDefaults fills the provenance fields: entity name from the file name,
// entity id from the name, entity type from the manifest's kind.
func applyDefaults(m *GeneratedNode) {
	if m.EntityName == "" {
		m.EntityName = fileBase(m.FileName)
	}
	if m.EntityID == "" {
		m.EntityID = m.EntityName
	}
	if m.EntityType == "" {
		m.EntityType = manifestKind(m.GeneratedCode)
	}
	m.EntityType = normalizeEntityType(m.EntityType)
}

// stripFences removes a surrounding markdown code fence, language tag
// included, and trims whitespace.
func stripFences(s string) string {
	t := strings.TrimSpace(s)
	if !strings.HasPrefix(t, "```") {
		return t
	}
	t = strings.TrimPrefix(t, "```")
	if i := strings.IndexByte(t, '\n'); i >= 0 {
		t = t[i+1:]
	} else {
		t = strings.TrimLeft(t, "`")
	}
	if j := strings.LastIndex(t, "```"); j >= 0 {
		t = t[:j]
	}
	return strings.TrimSpace(t)
}

// repairJSON recovers a truncated manifests payload: locate the manifests
// array, cut at the last complete `"},` separator after it, and close the
// array and object. Reports false when the shape is beyond this repair.
func repairJSON(s string) (string, bool) {
	key := strings.Index(s, `"manifests"`)
	if key < 0 {
		return "", false
	}
	open := strings.IndexByte(s[key:], '[')
	if open < 0 {
		return "", false
	}
	last := strings.LastIndex(s, `"},`)
	if last < 0 || last < key+open {
		return "", false
	}
	return s[:last+2] + "]}", true
}

// parseStringArray extracts the first JSON string array from a model
// response. Used by context sanitization; false means fall back.
func parseStringArray(raw string) ([]string, bool) {
	s := stripFences(raw)
	arr, ok := extractJSONArray(s)
	if !ok {
		return nil, false
	}
	var items []string
	if err := json.Unmarshal([]byte(arr), &items); err != nil {
		return nil, false
	}
	return items, true
}

// extractJSONArray returns the first balanced JSON array in s, tracking
// string and escape state so brackets inside values do not count.
func extractJSONArray(s string) (string, bool) {
	start := strings.IndexByte(s, '[')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// wellFormedYAML checks the code parses as YAML, multi-document files
// included. The content is not interpreted.
func wellFormedYAML(code string) error {
	dec := yaml.NewDecoder(strings.NewReader(code))
	for {
		var doc any
		err := dec.Decode(&doc)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// kindNodeTypes maps Kubernetes kinds to node types where plain upper-casing
// is not enough.
var kindNodeTypes = map[string]graph.NodeType{
	"PersistentVolume":        graph.NodePersistentVolume,
	"PersistentVolumeClaim":   graph.NodePersistentVolumeClaim,
	"ServiceAccount":          graph.NodeServiceAccount,
	"NetworkPolicy":           graph.NodeNetworkPolicy,
	"HorizontalPodAutoscaler": graph.NodeHorizontalPodAutoscaler,
}

// manifestKind returns the kind of the first document that declares one.
func manifestKind(code string) string {
	dec := yaml.NewDecoder(strings.NewReader(code))
	for {
		var doc struct {
			Kind string `yaml:"kind"`
		}
		err := dec.Decode(&doc)
		if err != nil {
			return ""
		}
		if doc.Kind != "" {
			return doc.Kind
		}
	}
}

// normalizeEntityType maps a kind or free-form type onto the node type
// enumeration.
func normalizeEntityType(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if t, ok := kindNodeTypes[s]; ok {
		return string(t)
	}
	return strings.ToUpper(s)
}

// fileBase strips the directory and extension from a manifest file name.
func fileBase(name string) string {
	base := path.Base(name)
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		base = base[:i]
	}
	return base
}
