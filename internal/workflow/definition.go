// Package workflow loads and validates workflow definitions. Validation runs
// once at load time so per-run execution never re-checks structural
// integrity; a compiled Definition is immutable and safely shared by every
// concurrent run of that workflow.
package workflow

import (
	"fmt"

	"buildtriage/backend/internal/condition"
	"buildtriage/backend/pkg/models"
)

// DefinitionError reports a structural problem in a workflow document. It is
// fatal to loading that workflow only.
type DefinitionError struct {
	Workflow string
	Node     string
	Edge     string
	Msg      string
}

func (e *DefinitionError) Error() string {
	switch {
	case e.Edge != "":
		return fmt.Sprintf("workflow %s: edge %s: %s", e.Workflow, e.Edge, e.Msg)
	case e.Node != "":
		return fmt.Sprintf("workflow %s: node %s: %s", e.Workflow, e.Node, e.Msg)
	default:
		return fmt.Sprintf("workflow %s: %s", e.Workflow, e.Msg)
	}
}

// CompiledEdge pairs an edge with its parsed condition. Cond is nil for
// default (unconditional) edges.
type CompiledEdge struct {
	models.Edge
	Cond *condition.Expr
}

// Definition is a validated, immutable workflow graph.
type Definition struct {
	doc   models.WorkflowDefinition
	nodes map[string]models.Node
	edges map[string][]CompiledEdge
}

// ID returns the workflow id.
func (d *Definition) ID() string { return d.doc.ID }

// Version returns the workflow version.
func (d *Definition) Version() int { return d.doc.Version }

// Name returns the human-readable workflow name.
func (d *Definition) Name() string { return d.doc.Name }

// EntryNode returns the id of the starting node.
func (d *Definition) EntryNode() string { return d.doc.EntryNode }

// Document returns the declarative form the definition was compiled from.
func (d *Definition) Document() models.WorkflowDefinition { return d.doc }

// Node looks up a node by id.
func (d *Definition) Node(id string) (models.Node, bool) {
	n, ok := d.nodes[id]
	return n, ok
}

// EdgesFrom returns the outgoing edges of a node in declared order.
func (d *Definition) EdgesFrom(id string) []CompiledEdge {
	return d.edges[id]
}
