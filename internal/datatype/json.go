package datatype

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// JSONDataType converts JSON documents to and from an XML-shaped
// transformable form so scripts can navigate them via the same
// internal/script.DomNode tree used for native XML messages.
type JSONDataType struct{}

var _ DataType = JSONDataType{}

// NewJSON builds the JSON codec.
func NewJSON() JSONDataType { return JSONDataType{} }

func (JSONDataType) Name() string { return "JSON" }

// ToTransformable decodes raw as JSON and re-encodes it as an XML tree
// rooted at <json>, objects becoming elements named by key and arrays
// becoming repeated <item> elements.
func (JSONDataType) ToTransformable(ctx context.Context, raw []byte) ([]byte, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("datatype json: invalid JSON: %w", err)
	}
	var sb strings.Builder
	sb.WriteString("<json>")
	writeJSONNode(&sb, doc)
	sb.WriteString("</json>")
	return []byte(sb.String()), nil
}

func writeJSONNode(sb *strings.Builder, v interface{}) {
	switch val := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			tag := xmlSafeTag(k)
			sb.WriteString("<")
			sb.WriteString(tag)
			sb.WriteString(">")
			writeJSONNode(sb, val[k])
			sb.WriteString("</")
			sb.WriteString(tag)
			sb.WriteString(">")
		}
	case []interface{}:
		for _, item := range val {
			sb.WriteString("<item>")
			writeJSONNode(sb, item)
			sb.WriteString("</item>")
		}
	case nil:
	case string:
		sb.WriteString(escapeXML(val))
	case bool:
		sb.WriteString(strconv.FormatBool(val))
	case float64:
		sb.WriteString(strconv.FormatFloat(val, 'f', -1, 64))
	default:
		sb.WriteString(fmt.Sprintf("%v", val))
	}
}

func xmlSafeTag(key string) string {
	if key == "" {
		return "_"
	}
	var sb strings.Builder
	for i, r := range key {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || r == '_' || (i > 0 && r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteRune('_')
		}
	}
	return sb.String()
}

func escapeXML(s string) string {
	r := strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
	return r.Replace(s)
}

// FromTransformable is a best-effort inverse: the transformed XML tree
// is re-flattened into a JSON object keyed by each top-level element's
// tag name, with repeated elements collapsing into arrays. Scripts
// needing exact JSON shape control should emit msgRaw via a transformer
// and rely on the destination connector sending raw bytes directly.
func (JSONDataType) FromTransformable(ctx context.Context, transformable []byte) ([]byte, error) {
	root, err := parseSimpleXML(transformable)
	if err != nil {
		return nil, fmt.Errorf("datatype json: cannot parse transformable: %w", err)
	}
	return json.Marshal(nodeToJSON(root))
}

func nodeToJSON(n *simpleNode) interface{} {
	if len(n.children) == 0 {
		return n.text
	}
	counts := make(map[string]int)
	for _, c := range n.children {
		counts[c.name]++
	}
	out := make(map[string]interface{})
	for _, c := range n.children {
		val := nodeToJSON(c)
		if counts[c.name] > 1 {
			arr, _ := out[c.name].([]interface{})
			out[c.name] = append(arr, val)
		} else {
			out[c.name] = val
		}
	}
	return out
}

func (JSONDataType) GetMetaData(ctx context.Context, raw []byte) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return map[string]interface{}{}, nil
	}
	keys := make([]string, 0, len(doc))
	for k := range doc {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return map[string]interface{}{"topLevelKeys": keys}, nil
}

func (JSONDataType) Validate(ctx context.Context, raw []byte) error {
	var doc interface{}
	return json.Unmarshal(raw, &doc)
}
