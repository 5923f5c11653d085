package v1alpha1

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format is a serialization of Graph.
type Format int

const (
	// FormatBinary is the protobuf wire encoding (see wire.go).
	FormatBinary Format = iota
	// FormatYAML also reads JSON documents.
	FormatYAML
)

func (f Format) String() string {
	switch f {
	case FormatBinary:
		return "binary"
	case FormatYAML:
		return "yaml"
	default:
		return fmt.Sprintf("Format(%d)", int(f))
	}
}

// FormatForPath picks the format from the file extension.
func FormatForPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml", ".json":
		return FormatYAML
	default:
		return FormatBinary
	}
}

func Decode(data []byte, format Format) (*Graph, error) {
	switch format {
	case FormatYAML:
		g := &Graph{}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(g); err != nil {
			return nil, fmt.Errorf("decoding yaml graph: %w", err)
		}
		return g, nil
	case FormatBinary:
		g := &Graph{}
		if err := UnmarshalBinary(data, g); err != nil {
			return nil, fmt.Errorf("decoding binary graph: %w", err)
		}
		return g, nil
	default:
		return nil, fmt.Errorf("unsupported format %v", format)
	}
}

func Encode(g *Graph, format Format) ([]byte, error) {
	switch format {
	case FormatYAML:
		var buf bytes.Buffer
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(g); err != nil {
			return nil, fmt.Errorf("encoding yaml graph: %w", err)
		}
		if err := enc.Close(); err != nil {
			return nil, fmt.Errorf("encoding yaml graph: %w", err)
		}
		return buf.Bytes(), nil
	case FormatBinary:
		return MarshalBinary(g), nil
	default:
		return nil, fmt.Errorf("unsupported format %v", format)
	}
}
