// Package models defines the domain models for the workflow execution service.
package models

import (
	"time"
)

// WorkflowDefinition is the declarative description of a workflow graph as it
// appears in a workflow document. It is parsed from YAML, validated once by
// the loader, and shared read-only by every run of that workflow afterwards.
type WorkflowDefinition struct {
	ID          string `yaml:"id" json:"id"`
	Version     int    `yaml:"version" json:"version"`
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	EntryNode   string `yaml:"entry_node" json:"entry_node"`
	Nodes       []Node `yaml:"nodes" json:"nodes"`
	Edges       []Edge `yaml:"edges" json:"edges"`
}

// Node is a single named step in a workflow graph. MaxRetries is a pointer
// so an explicit `max_retries: 0` opts the node out of the engine's default
// retry count, which an unset field inherits.
type Node struct {
	ID             string         `yaml:"id" json:"id"`
	Handler        string         `yaml:"handler" json:"handler"`
	PromptTemplate string         `yaml:"prompt_template,omitempty" json:"prompt_template,omitempty"`
	Terminal       bool           `yaml:"terminal,omitempty" json:"terminal,omitempty"`
	MaxRetries     *int           `yaml:"max_retries,omitempty" json:"max_retries,omitempty"`
	OnError        string         `yaml:"on_error,omitempty" json:"on_error,omitempty"`
	FailOnDeadEnd  bool           `yaml:"fail_on_dead_end,omitempty" json:"fail_on_dead_end,omitempty"`
	Config         map[string]any `yaml:"config,omitempty" json:"config,omitempty"`
}

// Edge is a directed, conditionally-taken connection between two nodes.
// Edges from the same source are evaluated in declared order; the first
// matching condition wins. A default edge matches unconditionally and must
// be declared last for its source.
type Edge struct {
	Source    string `yaml:"from" json:"from"`
	Target    string `yaml:"to" json:"to"`
	Condition string `yaml:"when,omitempty" json:"when,omitempty"`
	Default   bool   `yaml:"default,omitempty" json:"default,omitempty"`
}

// WorkflowRecord is the persisted form of a workflow document, versioned per
// stable workflow concept. Runs never execute from these; the engine serves
// from its in-memory definition cache loaded at startup.
type WorkflowRecord struct {
	ID         string    `json:"id"`          // unique version id
	WorkflowID string    `json:"workflow_id"` // stable concept id
	Version    int       `json:"version"`
	IsLatest   bool      `json:"is_latest"`
	Name       string    `json:"name"`
	Document   string    `json:"document"` // raw YAML
	CreatedBy  string    `json:"created_by"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
