package models

import (
	"encoding/json"
	"fmt"
)

// Scenario is a directed graph of test steps. Exactly one node has type
// start; back-edges into loop nodes are legal, any other cycle is not.
type Scenario struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	PackageID   string       `json:"packageId,omitempty"`
	Nodes       []Node       `json:"nodes"`
	Connections []Connection `json:"connections"`
}

// Node is a single step in a scenario graph. Params stays raw on the
// wire and is decoded into a typed variant at interpretation time.
type Node struct {
	ID     string          `json:"id"`
	Type   NodeType        `json:"type"`
	Label  string          `json:"label,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Connection is a directed edge between two nodes.
type Connection struct {
	From   string     `json:"from"`
	To     string     `json:"to"`
	Branch BranchKind `json:"branch,omitempty"`
}

// NodeType enumerates the node kinds of a scenario graph
type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeAction    NodeType = "action"
	NodeCondition NodeType = "condition"
	NodeLoop      NodeType = "loop"
	NodeEnd       NodeType = "end"
)

// BranchKind labels an outgoing edge of a branching node
type BranchKind string

const (
	BranchYes  BranchKind = "yes"
	BranchNo   BranchKind = "no"
	BranchLoop BranchKind = "loop"
	BranchExit BranchKind = "exit"
)

// StartNode returns the unique start node.
func (s *Scenario) StartNode() (*Node, error) {
	var start *Node
	for i := range s.Nodes {
		if s.Nodes[i].Type == NodeStart {
			if start != nil {
				return nil, fmt.Errorf("scenario %s has multiple start nodes", s.ID)
			}
			start = &s.Nodes[i]
		}
	}
	if start == nil {
		return nil, fmt.Errorf("scenario %s has no start node", s.ID)
	}
	return start, nil
}

// NodeByID looks up a node by id.
func (s *Scenario) NodeByID(id string) (*Node, bool) {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i], true
		}
	}
	return nil, false
}

// ConnectionsFrom returns all outgoing connections of a node.
func (s *Scenario) ConnectionsFrom(nodeID string) []Connection {
	var out []Connection
	for _, c := range s.Connections {
		if c.From == nodeID {
			out = append(out, c)
		}
	}
	return out
}

// NextNode resolves the successor of a node along the given branch.
// An empty branch matches an unlabeled connection first, then any.
func (s *Scenario) NextNode(nodeID string, branch BranchKind) (*Node, bool) {
	conns := s.ConnectionsFrom(nodeID)
	for _, c := range conns {
		if c.Branch == branch {
			return s.followTo(c.To)
		}
	}
	if branch == "" && len(conns) > 0 {
		return s.followTo(conns[0].To)
	}
	return nil, false
}

func (s *Scenario) followTo(id string) (*Node, bool) {
	n, ok := s.NodeByID(id)
	return n, ok
}

// Validate checks structural invariants of the graph.
func (s *Scenario) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("scenario id is required")
	}
	if _, err := s.StartNode(); err != nil {
		return err
	}
	index := make(map[string]*Node, len(s.Nodes))
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("scenario %s has a node with no id", s.ID)
		}
		if _, dup := index[n.ID]; dup {
			return fmt.Errorf("scenario %s has duplicate node id %s", s.ID, n.ID)
		}
		index[n.ID] = n
	}
	for _, c := range s.Connections {
		if _, ok := index[c.From]; !ok {
			return fmt.Errorf("scenario %s connection from unknown node %s", s.ID, c.From)
		}
		if _, ok := index[c.To]; !ok {
			return fmt.Errorf("scenario %s connection to unknown node %s", s.ID, c.To)
		}
	}
	for id, n := range index {
		if n.Type == NodeEnd {
			continue
		}
		conns := s.ConnectionsFrom(id)
		if len(conns) == 0 {
			return fmt.Errorf("scenario %s node %s has no outgoing connection", s.ID, id)
		}
		switch n.Type {
		case NodeCondition:
			if !hasBranch(conns, BranchYes) || !hasBranch(conns, BranchNo) {
				return fmt.Errorf("scenario %s condition %s needs yes and no branches", s.ID, id)
			}
		case NodeLoop:
			if !hasBranch(conns, BranchLoop) || !hasBranch(conns, BranchExit) {
				return fmt.Errorf("scenario %s loop %s needs loop and exit branches", s.ID, id)
			}
		}
	}
	return nil
}

func hasBranch(conns []Connection, b BranchKind) bool {
	for _, c := range conns {
		if c.Branch == b {
			return true
		}
	}
	return false
}

// PackageInfo describes an app package a scenario targets.
type PackageInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	AppPackage string `json:"appPackage"`
	CategoryID string `json:"categoryId,omitempty"`
}

// Category groups packages for reporting.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
