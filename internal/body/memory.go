package body

import "bytes"

// Memory is an in-memory capture
type Memory struct {
	*bytes.Reader
}

// NewMemory wraps data as a source
func NewMemory(data []byte) *Memory {
	return &Memory{Reader: bytes.NewReader(data)}
}

func (m *Memory) Close() error { return nil }
