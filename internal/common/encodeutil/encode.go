// Package encodeutil renders metadata dumps as json, yaml or property lists
package encodeutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"
	"howett.net/plist"

	commonerrors "github.com/deploymenttheory/go-lvm-extractor/internal/common/errors"
)

// Format is an output encoding
type Format string

const (
	// JSON output, indented
	JSON Format = "json"
	// YAML output
	YAML Format = "yaml"
	// Plist is an XML property list
	Plist Format = "plist"
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case JSON, YAML, Plist:
		return f, nil
	case "yml":
		return YAML, nil
	}
	return "", fmt.Errorf("%w: output format %q", commonerrors.ErrUnsupportedFormat, s)
}

// Encode writes v to w in the given format
func Encode(w io.Writer, f Format, v interface{}) error {
	switch f {
	case JSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)

	case YAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()

	case Plist:
		tree, err := plistTree(v)
		if err != nil {
			return err
		}
		enc := plist.NewEncoderForFormat(w, plist.XMLFormat)
		enc.Indent("\t")
		return enc.Encode(tree)
	}
	return fmt.Errorf("%w: output format %q", commonerrors.ErrUnsupportedFormat, f)
}

// Marshal returns v encoded in the given format
func Marshal(f Format, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, f, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// plistTree converts v into maps, slices and scalars through its json form.
// Property lists have no null, so nil values are dropped, and json numbers
// are restored as integers where they fit.
func plistTree(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var tree interface{}
	if err := dec.Decode(&tree); err != nil {
		return nil, err
	}
	return normalize(tree), nil
}

func normalize(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, item := range t {
			if item == nil {
				delete(t, k)
				continue
			}
			t[k] = normalize(item)
		}
		return t
	case []interface{}:
		out := t[:0]
		for _, item := range t {
			if item != nil {
				out = append(out, normalize(item))
			}
		}
		return out
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	}
	return v
}
