package datatype

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
)

// DelimitedConfig controls the CSV-style codec's field/record shape.
type DelimitedConfig struct {
	FieldDelimiter  rune // defaults to ','
	HasHeaderRow    bool
	ColumnNamePrefix string // used when HasHeaderRow is false, defaults to "column"
}

// DelimitedDataType implements the minimal CSV-style codec (spec §6.2):
// each record becomes a <row> element, each field a <columnN> or named
// child element.
type DelimitedDataType struct {
	cfg DelimitedConfig
}

var _ DataType = DelimitedDataType{}

// NewDelimited builds the delimited codec.
func NewDelimited(cfg DelimitedConfig) DelimitedDataType {
	if cfg.FieldDelimiter == 0 {
		cfg.FieldDelimiter = ','
	}
	if cfg.ColumnNamePrefix == "" {
		cfg.ColumnNamePrefix = "column"
	}
	return DelimitedDataType{cfg: cfg}
}

func (DelimitedDataType) Name() string { return "DELIMITED" }

func (d DelimitedDataType) ToTransformable(ctx context.Context, raw []byte) ([]byte, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.Comma = d.cfg.FieldDelimiter
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("datatype delimited: %w", err)
	}

	var header []string
	if d.cfg.HasHeaderRow && len(records) > 0 {
		header = records[0]
		records = records[1:]
	}

	var sb strings.Builder
	sb.WriteString("<delimited>")
	for _, rec := range records {
		sb.WriteString("<row>")
		for i, field := range rec {
			name := columnName(header, i, d.cfg.ColumnNamePrefix)
			sb.WriteString("<")
			sb.WriteString(name)
			sb.WriteString(">")
			sb.WriteString(escapeXML(field))
			sb.WriteString("</")
			sb.WriteString(name)
			sb.WriteString(">")
		}
		sb.WriteString("</row>")
	}
	sb.WriteString("</delimited>")
	return []byte(sb.String()), nil
}

func columnName(header []string, i int, prefix string) string {
	if i < len(header) && header[i] != "" {
		return xmlSafeTag(header[i])
	}
	return prefix + strconv.Itoa(i+1)
}

func (d DelimitedDataType) FromTransformable(ctx context.Context, transformable []byte) ([]byte, error) {
	root, err := parseSimpleXML(transformable)
	if err != nil {
		return nil, fmt.Errorf("datatype delimited: %w", err)
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = d.cfg.FieldDelimiter

	for _, row := range root.children {
		if row.name != "row" {
			continue
		}
		rec := make([]string, len(row.children))
		for i, field := range row.children {
			rec[i] = field.text
		}
		if err := w.Write(rec); err != nil {
			return nil, fmt.Errorf("datatype delimited: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (DelimitedDataType) GetMetaData(ctx context.Context, raw []byte) (map[string]interface{}, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return map[string]interface{}{}, nil
	}
	return map[string]interface{}{"recordCount": len(records)}, nil
}

func (d DelimitedDataType) Validate(ctx context.Context, raw []byte) error {
	r := csv.NewReader(bytes.NewReader(raw))
	r.Comma = d.cfg.FieldDelimiter
	r.FieldsPerRecord = -1
	_, err := r.ReadAll()
	if err != nil {
		return fmt.Errorf("datatype delimited: %w", err)
	}
	return nil
}
