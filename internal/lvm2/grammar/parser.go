package grammar

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/deploymenttheory/go-lvm-extractor/internal/lvm2/pkg/types"
)

// MaxDepth bounds section and array nesting. LVM2 metadata nests five
// levels deep; anything far beyond that is damage.
const MaxDepth = 64

type parser struct {
	data  []byte
	pos   int
	depth int
}

// Parse parses a metadata text blob. The returned root is a synthetic
// section with an empty name whose children are the top-level statements.
// Everything from the first NUL byte onward is ignored.
func Parse(data []byte) (*Node, error) {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		data = data[:i]
	}
	p := &parser{data: data}
	root := &Node{Kind: SectionNode}
	if err := p.statements(root, false); err != nil {
		return nil, err
	}
	return root, nil
}

// statements parses statements into parent until '}' (nested) or end of input
func (p *parser) statements(parent *Node, nested bool) error {
	for {
		p.skipSpace()
		if p.pos >= len(p.data) {
			if nested {
				return p.errorf("'}'")
			}
			return nil
		}
		if p.data[p.pos] == '}' {
			if !nested {
				return p.errorf("identifier")
			}
			p.pos++
			return nil
		}

		start := p.pos
		name := p.identifier()
		if name == "" {
			return p.errorf("identifier")
		}
		p.skipSpace()
		if p.pos >= len(p.data) {
			return p.errorf("'{' or '='")
		}

		switch p.data[p.pos] {
		case '{':
			p.pos++
			if p.depth++; p.depth > MaxDepth {
				return p.errorAt(start, "shallower nesting")
			}
			section := &Node{Kind: SectionNode, Name: name, Offset: start}
			if err := p.statements(section, true); err != nil {
				return err
			}
			p.depth--
			parent.Children = append(parent.Children, section)
		case '=':
			p.pos++
			p.skipSpace()
			v, err := p.value()
			if err != nil {
				return err
			}
			parent.Children = append(parent.Children, &Node{Kind: AssignmentNode, Name: name, Offset: start, Value: &v})
		default:
			return p.errorf("'{' or '='")
		}
	}
}

func (p *parser) value() (Value, error) {
	if p.pos >= len(p.data) {
		return Value{}, p.errorf("value")
	}
	start := p.pos
	c := p.data[p.pos]
	switch {
	case c == '"':
		s, err := p.str()
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: StringValue, Str: s, Offset: start}, nil
	case c == '[':
		return p.array()
	case c == '-' || c == '+' || isDigit(c):
		return p.integer()
	}
	return Value{}, p.errorf("value")
}

func (p *parser) str() (string, error) {
	start := p.pos
	p.pos++ // opening quote
	var b strings.Builder
	for p.pos < len(p.data) {
		c := p.data[p.pos]
		switch c {
		case '"':
			p.pos++
			return b.String(), nil
		case '\\':
			if p.pos+1 >= len(p.data) {
				return "", p.errorAt(start, "closing '\"'")
			}
			b.WriteByte(p.data[p.pos+1])
			p.pos += 2
		default:
			b.WriteByte(c)
			p.pos++
		}
	}
	return "", p.errorAt(start, "closing '\"'")
}

func (p *parser) integer() (Value, error) {
	start := p.pos
	if c := p.data[p.pos]; c == '-' || c == '+' {
		p.pos++
	}
	digits := p.pos
	for p.pos < len(p.data) && isDigit(p.data[p.pos]) {
		p.pos++
	}
	if p.pos == digits {
		return Value{}, p.errorf("digit")
	}
	n, err := strconv.ParseInt(string(p.data[start:p.pos]), 10, 64)
	if err != nil {
		return Value{}, p.errorAt(start, "64-bit integer")
	}
	return Value{Kind: IntegerValue, Int: n, Offset: start}, nil
}

func (p *parser) array() (Value, error) {
	start := p.pos
	p.pos++ // '['
	if p.depth++; p.depth > MaxDepth {
		return Value{}, p.errorAt(start, "shallower nesting")
	}
	defer func() { p.depth-- }()

	v := Value{Kind: ArrayValue, Offset: start}
	p.skipSpace()
	if p.pos < len(p.data) && p.data[p.pos] == ']' {
		p.pos++
		return v, nil
	}
	for {
		p.skipSpace()
		item, err := p.value()
		if err != nil {
			return Value{}, err
		}
		v.Items = append(v.Items, item)
		p.skipSpace()
		if p.pos >= len(p.data) {
			return Value{}, p.errorf("',' or ']'")
		}
		switch p.data[p.pos] {
		case ',':
			p.pos++
		case ']':
			p.pos++
			return v, nil
		default:
			return Value{}, p.errorf("',' or ']'")
		}
	}
}

// identifier consumes a section or key name
func (p *parser) identifier() string {
	start := p.pos
	for p.pos < len(p.data) && isIdentByte(p.data[p.pos]) {
		p.pos++
	}
	return string(p.data[start:p.pos])
}

func (p *parser) skipSpace() {
	for p.pos < len(p.data) {
		switch c := p.data[p.pos]; {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r' || c == '\f' || c == '\v':
			p.pos++
		case c == '#':
			for p.pos < len(p.data) && p.data[p.pos] != '\n' {
				p.pos++
			}
		default:
			return
		}
	}
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func isIdentByte(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || isDigit(c) ||
		c == '_' || c == '-' || c == '.' || c == '+' || c == '/'
}

func (p *parser) errorf(expected string) error {
	return p.errorAt(p.pos, expected)
}

func (p *parser) errorAt(off int, expected string) error {
	line, col := 1, 1
	for _, c := range p.data[:off] {
		if c == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	found := "end of input"
	if off < len(p.data) {
		end := off + 16
		if end > len(p.data) {
			end = len(p.data)
		}
		found = strconv.Quote(string(p.data[off:end]))
	}
	return &types.ParseError{Offset: off, Line: line, Column: col, Expected: expected, Found: found}
}
