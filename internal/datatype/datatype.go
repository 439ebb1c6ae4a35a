// Package datatype implements the Connector data-type contract (spec
// §6.2): the fixed transform a connector message's raw bytes go through
// on the way into the pipeline (toTransformable) and back out on
// dispatch (fromTransformable). Only JSON, XML, and a minimal
// delimited (CSV-style) codec are implemented; HL7/EDI/NCPDP are out of
// scope per spec.md §1 but would implement the same interface.
package datatype

import "context"

// DataType converts between a connector's wire bytes and the pipeline's
// transformable representation (XML-shaped text scripts navigate via
// internal/script.DomNode).
type DataType interface {
	// Name identifies the codec ("JSON", "XML", "DELIMITED").
	Name() string
	// ToTransformable converts raw wire bytes into XML-shaped text
	// suitable for internal/script.ParseXMLDom.
	ToTransformable(ctx context.Context, raw []byte) ([]byte, error)
	// FromTransformable converts transformed XML-shaped text back into
	// this data type's wire bytes for dispatch.
	FromTransformable(ctx context.Context, transformable []byte) ([]byte, error)
	// GetMetaData extracts any codec-specific metadata worth exposing
	// on sourceMap (e.g. top-level JSON keys, XML root element name).
	GetMetaData(ctx context.Context, raw []byte) (map[string]interface{}, error)
	// Validate reports whether raw is well-formed for this data type.
	Validate(ctx context.Context, raw []byte) error
}

// Registry resolves a DataType implementation by name.
type Registry struct {
	types map[string]DataType
}

// NewRegistry builds a registry pre-populated with JSON, XML, and
// delimited codecs.
func NewRegistry() *Registry {
	r := &Registry{types: make(map[string]DataType)}
	r.Register(NewJSON())
	r.Register(NewXML())
	r.Register(NewDelimited(DelimitedConfig{}))
	return r
}

// Register adds or replaces a codec under its own Name().
func (r *Registry) Register(dt DataType) { r.types[dt.Name()] = dt }

// Get returns the codec registered under name, or ok=false.
func (r *Registry) Get(name string) (DataType, bool) {
	dt, ok := r.types[name]
	return dt, ok
}

// MustGet returns the codec registered under name, panicking if absent.
// Intended for composition-root wiring and tests where the name is a
// compile-time constant, not user input.
func (r *Registry) MustGet(name string) DataType {
	dt, ok := r.types[name]
	if !ok {
		panic("datatype: no codec registered for " + name)
	}
	return dt
}
