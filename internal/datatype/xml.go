package datatype

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
)

// XMLDataType is the identity codec for already XML-shaped messages
// (generic XML, and the XML-lifted form HL7/EDI/NCPDP codecs would
// produce if implemented): the transformable form is the raw bytes
// unchanged, validated as well-formed XML.
type XMLDataType struct{}

var _ DataType = XMLDataType{}

// NewXML builds the XML codec.
func NewXML() XMLDataType { return XMLDataType{} }

func (XMLDataType) Name() string { return "XML" }

func (d XMLDataType) ToTransformable(ctx context.Context, raw []byte) ([]byte, error) {
	if err := d.Validate(ctx, raw); err != nil {
		return nil, err
	}
	return raw, nil
}

func (d XMLDataType) FromTransformable(ctx context.Context, transformable []byte) ([]byte, error) {
	if err := d.Validate(ctx, transformable); err != nil {
		return nil, err
	}
	return transformable, nil
}

func (XMLDataType) GetMetaData(ctx context.Context, raw []byte) (map[string]interface{}, error) {
	root, err := parseSimpleXML(raw)
	if err != nil {
		return map[string]interface{}{}, nil
	}
	return map[string]interface{}{"rootElement": root.name}, nil
}

func (XMLDataType) Validate(ctx context.Context, raw []byte) error {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	for {
		_, err := dec.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("datatype xml: %w", err)
		}
	}
}
