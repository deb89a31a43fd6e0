package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"buildtriage/backend/internal/condition"
	"buildtriage/backend/pkg/models"
)

// Resources are the registries a definition's references are checked
// against. Templates must resolve every prompt_template_ref at load time.
// HandlerNames is optional: when non-nil, statically-declared handler names
// are validated too, leaving run-time UnknownHandler only for registries
// assembled after load.
type Resources struct {
	Templates    interface{ Get(string) (string, bool) }
	HandlerNames interface{ Has(string) bool }
}

// Parse decodes a YAML workflow document without validating it.
func Parse(data []byte) (models.WorkflowDefinition, error) {
	var doc models.WorkflowDefinition
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return models.WorkflowDefinition{}, fmt.Errorf("decode workflow document: %w", err)
	}
	return doc, nil
}

// Compile validates a parsed document and builds its immutable Definition.
func Compile(doc models.WorkflowDefinition, res Resources) (*Definition, error) {
	if doc.ID == "" {
		return nil, &DefinitionError{Workflow: "(unnamed)", Msg: "workflow id is required"}
	}

	def := &Definition{
		doc:   doc,
		nodes: make(map[string]models.Node, len(doc.Nodes)),
		edges: make(map[string][]CompiledEdge),
	}

	for _, node := range doc.Nodes {
		if node.ID == "" {
			return nil, &DefinitionError{Workflow: doc.ID, Msg: "node with empty id"}
		}
		if _, dup := def.nodes[node.ID]; dup {
			return nil, &DefinitionError{Workflow: doc.ID, Node: node.ID, Msg: "duplicate node id"}
		}
		if node.Handler == "" && !node.Terminal {
			return nil, &DefinitionError{Workflow: doc.ID, Node: node.ID, Msg: "non-terminal node declares no handler"}
		}
		if node.MaxRetries != nil && *node.MaxRetries < 0 {
			return nil, &DefinitionError{Workflow: doc.ID, Node: node.ID, Msg: "max_retries must not be negative"}
		}
		def.nodes[node.ID] = node
	}

	if doc.EntryNode == "" {
		return nil, &DefinitionError{Workflow: doc.ID, Msg: "entry_node is required"}
	}
	if _, ok := def.nodes[doc.EntryNode]; !ok {
		return nil, &DefinitionError{Workflow: doc.ID, Msg: fmt.Sprintf("entry_node %q does not exist", doc.EntryNode)}
	}

	for _, edge := range doc.Edges {
		label := fmt.Sprintf("%s->%s", edge.Source, edge.Target)
		if _, ok := def.nodes[edge.Source]; !ok {
			return nil, &DefinitionError{Workflow: doc.ID, Edge: label, Msg: "source node does not exist"}
		}
		if _, ok := def.nodes[edge.Target]; !ok {
			return nil, &DefinitionError{Workflow: doc.ID, Edge: label, Msg: "target node does not exist"}
		}

		existing := def.edges[edge.Source]
		if len(existing) > 0 && existing[len(existing)-1].Default {
			return nil, &DefinitionError{Workflow: doc.ID, Edge: label, Msg: "default edge must be the last edge for its source"}
		}

		compiled := CompiledEdge{Edge: edge}
		switch {
		case edge.Default:
			if edge.Condition != "" {
				return nil, &DefinitionError{Workflow: doc.ID, Edge: label, Msg: "default edge must not declare a condition"}
			}
		case edge.Condition == "":
			return nil, &DefinitionError{Workflow: doc.ID, Edge: label, Msg: "edge needs a condition or default: true"}
		default:
			expr, err := condition.Parse(edge.Condition)
			if err != nil {
				return nil, &DefinitionError{Workflow: doc.ID, Edge: label, Msg: err.Error()}
			}
			compiled.Cond = expr
		}
		def.edges[edge.Source] = append(def.edges[edge.Source], compiled)
	}

	for id, node := range def.nodes {
		if !node.Terminal && len(def.edges[id]) == 0 {
			return nil, &DefinitionError{Workflow: doc.ID, Node: id, Msg: "non-terminal node has no outgoing edges"}
		}
		if node.OnError != "" {
			if _, ok := def.nodes[node.OnError]; !ok {
				return nil, &DefinitionError{Workflow: doc.ID, Node: id, Msg: fmt.Sprintf("on_error target %q does not exist", node.OnError)}
			}
		}
		if node.PromptTemplate != "" && res.Templates != nil {
			if _, ok := res.Templates.Get(node.PromptTemplate); !ok {
				return nil, &DefinitionError{Workflow: doc.ID, Node: id, Msg: fmt.Sprintf("prompt template %q is not registered", node.PromptTemplate)}
			}
		}
		if node.Handler != "" && res.HandlerNames != nil {
			if !res.HandlerNames.Has(node.Handler) {
				return nil, &DefinitionError{Workflow: doc.ID, Node: id, Msg: fmt.Sprintf("handler %q is not registered", node.Handler)}
			}
		}
	}

	return def, nil
}

// Load parses and compiles a single workflow document.
func Load(data []byte, res Resources) (*Definition, error) {
	doc, err := Parse(data)
	if err != nil {
		return nil, err
	}
	return Compile(doc, res)
}

// Registry is the immutable workflow definition cache. It is built once
// before runs start and read-only afterwards.
type Registry struct {
	defs map[string]*Definition
}

// NewRegistry builds a registry from compiled definitions. Duplicate ids are
// rejected.
func NewRegistry(defs ...*Definition) (*Registry, error) {
	r := &Registry{defs: make(map[string]*Definition, len(defs))}
	for _, def := range defs {
		if _, dup := r.defs[def.ID()]; dup {
			return nil, &DefinitionError{Workflow: def.ID(), Msg: "duplicate workflow id"}
		}
		r.defs[def.ID()] = def
	}
	return r, nil
}

// LoadDir loads every *.yaml / *.yml workflow document in dir into a
// registry. A single invalid document fails the whole load: a process should
// not start with a partially-usable workflow set.
func LoadDir(dir string, res Resources) (*Registry, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read workflow dir %s: %w", dir, err)
	}
	var defs []*Definition
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || (!strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml")) {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("read workflow %s: %w", name, err)
		}
		def, err := Load(data, res)
		if err != nil {
			return nil, fmt.Errorf("workflow file %s: %w", name, err)
		}
		defs = append(defs, def)
	}
	return NewRegistry(defs...)
}

// Get returns the definition for a workflow id.
func (r *Registry) Get(id string) (*Definition, bool) {
	def, ok := r.defs[id]
	return def, ok
}

// List returns every definition's declarative document.
func (r *Registry) List() []models.WorkflowDefinition {
	out := make([]models.WorkflowDefinition, 0, len(r.defs))
	for _, def := range r.defs {
		out = append(out, def.doc)
	}
	return out
}
