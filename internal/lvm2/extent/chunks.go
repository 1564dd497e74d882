package extent

// Coalescer merges a stream of chunks in logical order, passing on
// neighbouring chunks that continue each other both logically and, for
// data, physically on the same PV as one chunk. It lets a walk of a large
// volume issue fewer, longer reads without collecting its chunks.
type Coalescer struct {
	fn   func(Chunk) error
	cur  Chunk
	have bool
}

// NewCoalescer returns a Coalescer that hands merged chunks to fn
func NewCoalescer(fn func(Chunk) error) *Coalescer {
	return &Coalescer{fn: fn}
}

// Add takes the next chunk. It has the signature Walk expects.
func (m *Coalescer) Add(c Chunk) error {
	if m.have && joins(m.cur, c) {
		m.cur.Length += c.Length
		return nil
	}
	if m.have {
		if err := m.fn(m.cur); err != nil {
			return err
		}
	}
	m.cur, m.have = c, true
	return nil
}

// Flush passes on the chunk still held back
func (m *Coalescer) Flush() error {
	if !m.have {
		return nil
	}
	m.have = false
	return m.fn(m.cur)
}

func joins(a, b Chunk) bool {
	if a.Kind != b.Kind || a.Reason != b.Reason || a.End() != b.Logical {
		return false
	}
	if a.Kind != Data {
		return true
	}
	return a.PV == b.PV && a.Offset+a.Length == b.Offset
}

// Split cuts chunks longer than limit into pieces of at most limit bytes
func Split(chunks []Chunk, limit uint64) []Chunk {
	if limit == 0 {
		return chunks
	}
	out := make([]Chunk, 0, len(chunks))
	for _, c := range chunks {
		for c.Length > limit {
			piece := c
			piece.Length = limit
			out = append(out, piece)
			c.Logical += limit
			if c.Kind == Data {
				c.Offset += limit
			}
			c.Length -= limit
		}
		out = append(out, c)
	}
	return out
}
