// Package grammar parses the LVM2 text metadata format into a tree.
//
// The format is a nested list of sections and assignments:
//
//	vg0 {
//		id = "mW1dfu-..."
//		seqno = 4
//		status = ["RESIZEABLE", "READ", "WRITE"]
//		physical_volumes {
//			pv0 { ... }
//		}
//	}
//
// Values are double-quoted strings, signed integers or bracketed arrays of
// values. A '#' starts a comment that runs to the end of the line.
package grammar

import "fmt"

// NodeKind distinguishes sections from assignments
type NodeKind int

const (
	SectionNode NodeKind = iota
	AssignmentNode
)

func (k NodeKind) String() string {
	switch k {
	case SectionNode:
		return "section"
	case AssignmentNode:
		return "assignment"
	}
	return fmt.Sprintf("NodeKind(%d)", int(k))
}

// MarshalText renders the kind by name in metadata dumps
func (k NodeKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ValueKind is the type of an assignment's value
type ValueKind int

const (
	StringValue ValueKind = iota
	IntegerValue
	ArrayValue
)

func (k ValueKind) String() string {
	switch k {
	case StringValue:
		return "string"
	case IntegerValue:
		return "integer"
	case ArrayValue:
		return "array"
	}
	return fmt.Sprintf("ValueKind(%d)", int(k))
}

// MarshalText renders the kind by name in metadata dumps
func (k ValueKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Value is a string, integer or array. Only the field matching Kind is set.
type Value struct {
	Kind   ValueKind `json:"kind" yaml:"kind" plist:"kind"`
	Str    string    `json:"string,omitempty" yaml:"string,omitempty" plist:"string,omitempty"`
	Int    int64     `json:"integer,omitempty" yaml:"integer,omitempty" plist:"integer,omitempty"`
	Items  []Value   `json:"items,omitempty" yaml:"items,omitempty" plist:"items,omitempty"`
	Offset int       `json:"offset" yaml:"offset" plist:"offset"`
}

// Node is a section or an assignment. Sections keep their children in
// document order; assignments carry a Value.
type Node struct {
	Kind     NodeKind `json:"kind" yaml:"kind" plist:"kind"`
	Name     string   `json:"name" yaml:"name" plist:"name"`
	Offset   int      `json:"offset" yaml:"offset" plist:"offset"`
	Children []*Node  `json:"children,omitempty" yaml:"children,omitempty" plist:"children,omitempty"`
	Value    *Value   `json:"value,omitempty" yaml:"value,omitempty" plist:"value,omitempty"`
}

// Section returns the first child section called name
func (n *Node) Section(name string) *Node {
	for _, c := range n.Children {
		if c.Kind == SectionNode && c.Name == name {
			return c
		}
	}
	return nil
}

// Sections returns the child sections in document order
func (n *Node) Sections() []*Node {
	var out []*Node
	for _, c := range n.Children {
		if c.Kind == SectionNode {
			out = append(out, c)
		}
	}
	return out
}

// Assignment returns the first child assignment called name
func (n *Node) Assignment(name string) *Node {
	for _, c := range n.Children {
		if c.Kind == AssignmentNode && c.Name == name {
			return c
		}
	}
	return nil
}

// String returns the string assigned to name
func (n *Node) String(name string) (string, bool) {
	a := n.Assignment(name)
	if a == nil || a.Value.Kind != StringValue {
		return "", false
	}
	return a.Value.Str, true
}

// Int returns the integer assigned to name
func (n *Node) Int(name string) (int64, bool) {
	a := n.Assignment(name)
	if a == nil || a.Value.Kind != IntegerValue {
		return 0, false
	}
	return a.Value.Int, true
}

// StringList returns the strings of a flat array assigned to name. Non-string
// items make the lookup fail.
func (n *Node) StringList(name string) ([]string, bool) {
	a := n.Assignment(name)
	if a == nil || a.Value.Kind != ArrayValue {
		return nil, false
	}
	out := make([]string, 0, len(a.Value.Items))
	for _, v := range a.Value.Items {
		if v.Kind != StringValue {
			return nil, false
		}
		out = append(out, v.Str)
	}
	return out, true
}

// Array returns the items of the array assigned to name
func (n *Node) Array(name string) ([]Value, bool) {
	a := n.Assignment(name)
	if a == nil || a.Value.Kind != ArrayValue {
		return nil, false
	}
	return a.Value.Items, true
}
