// Package script bridges the channel pipeline's four script hooks
// (filter, transformer, response transformer, global pre/postprocessor)
// into a sandboxed JavaScript runtime (spec §4.9), grounded on the
// teacher's goja-based script engine.
package script

import (
	"encoding/xml"
	"fmt"
	"strings"
	"sync"

	"github.com/hcengine/integration-engine/internal/cluster/kvmap"
	"github.com/hcengine/integration-engine/internal/logging"
	"github.com/hcengine/integration-engine/internal/model"
)

// MapView is the read/write surface a script sees for one of the named
// maps (sourceMap, channelMap, globalMap, ...). Backed either by a
// plain in-memory map (sourceMap, responseMap, connectorMap, the
// per-message channelMap) or by a kvmap.Backend-backed cache (globalMap,
// globalChannelMap, configurationMap).
type MapView struct {
	mu       sync.RWMutex
	values   map[string]interface{}
	readOnly bool

	// fallback, when set, is consulted on a get miss (channelMap falling
	// back to sourceMap, spec §4.9, DESIGN.md Open Question #2).
	fallback *MapView
	warnOnce map[string]struct{}
	warnFn   func(key string)

	// sink, when set, mirrors every Put/Remove through to a backing
	// write-through map (globalMap/globalChannelMap/configurationMap);
	// see NewBackendMapView.
	sinkPut    func(key string, value interface{})
	sinkRemove func(key string)
}

// NewMapView builds a plain in-memory map view.
func NewMapView(values map[string]interface{}, readOnly bool) *MapView {
	if values == nil {
		values = make(map[string]interface{})
	}
	return &MapView{values: values, readOnly: readOnly}
}

// WithFallback returns a view that falls back to other on a miss,
// invoking warnFn (if non-nil) at most once per key for this view.
func (m *MapView) WithFallback(other *MapView, warnFn func(key string)) *MapView {
	m.fallback = other
	m.warnFn = warnFn
	m.warnOnce = make(map[string]struct{})
	return m
}

// Get returns the value for key, or nil if absent (falling back per
// WithFallback if configured).
func (m *MapView) Get(key string) interface{} {
	m.mu.RLock()
	v, ok := m.values[key]
	m.mu.RUnlock()
	if ok {
		return v
	}
	if m.fallback == nil {
		return nil
	}
	if fv := m.fallback.Get(key); fv != nil {
		m.mu.Lock()
		if _, warned := m.warnOnce[key]; !warned {
			m.warnOnce[key] = struct{}{}
			if m.warnFn != nil {
				m.warnFn(key)
			}
		}
		m.mu.Unlock()
		return fv
	}
	return nil
}

// Put stores value under key. Put on a read-only view is a no-op,
// matching sourceMap's documented read-only contract (spec §4.9).
func (m *MapView) Put(key string, value interface{}) {
	if m.readOnly {
		return
	}
	m.mu.Lock()
	m.values[key] = value
	m.mu.Unlock()
	if m.sinkPut != nil {
		m.sinkPut(key, value)
	}
}

// Remove deletes key. No-op on a read-only view.
func (m *MapView) Remove(key string) {
	if m.readOnly {
		return
	}
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	if m.sinkRemove != nil {
		m.sinkRemove(key)
	}
}

// ContainsKey reports whether key is present locally (not considering
// fallback), matching Mirth-style map semantics scripts expect.
func (m *MapView) ContainsKey(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.values[key]
	return ok
}

// Snapshot returns a shallow copy of the local values, for diagnostics
// and for handing the underlying map to goja's reflection bridge.
func (m *MapView) Snapshot() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]interface{}, len(m.values))
	for k, v := range m.values {
		out[k] = v
	}
	return out
}

// NewBackendMapView wraps a write-through map (globalMap,
// globalChannelMap, configurationMap all share this shape) as a
// MapView: reads come from a snapshot of the cache taken when the view is
// built,
// writes are mirrored straight through to the write-through map so they
// are visible to the next script invocation without waiting for the
// background replication round-trip.
func NewBackendMapView(wt *kvmap.WriteThroughMap) *MapView {
	values := make(map[string]interface{})
	for k, v := range wt.GetAll() {
		values[k] = v
	}
	view := NewMapView(values, false)
	view.sinkPut = func(key string, value interface{}) {
		wt.Set(key, fmt.Sprintf("%v", value))
	}
	view.sinkRemove = func(key string) { wt.Remove(key) }
	return view
}

// DomNode is the DOM-like tree scripts navigate for XML/HL7/EDI/NCPDP
// messages (spec §4.9 "msg").
type DomNode struct {
	Name     string
	Text     string
	Attrs    map[string]string
	Children []*DomNode
	parent   *DomNode
}

// ParseXMLDom builds a DomNode tree from raw XML bytes. Non-XML wire
// formats (HL7, EDI, NCPDP) are expected to have already been lifted to
// an equivalent XML shape by their datatype codec (internal/datatype)
// before reaching the script bridge.
func ParseXMLDom(raw []byte) (*DomNode, error) {
	dec := xml.NewDecoder(strings.NewReader(string(raw)))
	var root *DomNode
	var stack []*DomNode

	for {
		tok, err := dec.Token()
		if err != nil {
			break
		}
		switch t := tok.(type) {
		case xml.StartElement:
			node := &DomNode{Name: t.Name.Local, Attrs: make(map[string]string)}
			for _, a := range t.Attr {
				node.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				node.parent = parent
				parent.Children = append(parent.Children, node)
			} else {
				root = node
			}
			stack = append(stack, node)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].Text += string(t)
			}
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if root == nil {
		return nil, fmt.Errorf("script: no root element in message")
	}
	return root, nil
}

// Child returns the first child named name, or nil.
func (n *DomNode) Child(name string) *DomNode {
	for _, c := range n.Children {
		if c.Name == name {
			return c
		}
	}
	return nil
}

// ChildAt returns the child at index i, or nil if out of range.
func (n *DomNode) ChildAt(i int) *DomNode {
	if i < 0 || i >= len(n.Children) {
		return nil
	}
	return n.Children[i]
}

// Attr returns the attribute value for name, "" if absent.
func (n *DomNode) Attr(name string) string { return n.Attrs[name] }

// Descendants returns every node in the subtree rooted at n, including n.
func (n *DomNode) Descendants() []*DomNode {
	out := []*DomNode{n}
	for _, c := range n.Children {
		out = append(out, c.Descendants()...)
	}
	return out
}

// Filter returns every descendant (including n) for which pred returns true.
func (n *DomNode) Filter(pred func(*DomNode) bool) []*DomNode {
	var out []*DomNode
	for _, d := range n.Descendants() {
		if pred(d) {
			out = append(out, d)
		}
	}
	return out
}

// TextValue returns the node's own character data.
func (n *DomNode) TextValue() string { return n.Text }

// XMLString serializes the subtree back to XML, escaping text content.
func (n *DomNode) XMLString() string {
	var sb strings.Builder
	n.writeXML(&sb)
	return sb.String()
}

func (n *DomNode) writeXML(sb *strings.Builder) {
	sb.WriteByte('<')
	sb.WriteString(n.Name)
	for k, v := range n.Attrs {
		fmt.Fprintf(sb, ` %s="%s"`, k, escapeXML(v))
	}
	sb.WriteByte('>')
	sb.WriteString(escapeXML(n.Text))
	for _, c := range n.Children {
		c.writeXML(sb)
	}
	sb.WriteString("</")
	sb.WriteString(n.Name)
	sb.WriteByte('>')
}

func escapeXML(s string) string {
	var buf strings.Builder
	xml.EscapeText(&buf, []byte(s))
	return buf.String()
}

// Scope is the full set of bindings injected into a script invocation's
// goja runtime (spec §4.9).
type Scope struct {
	Msg           *DomNode
	MsgRaw        string
	SourceMap     *MapView
	ChannelMap    *MapView
	ResponseMap   *MapView
	ConnectorMap  *MapView
	GlobalMap     *MapView
	GlobalChannelMap *MapView
	ConfigurationMap *MapView

	Logger        *logging.Logger
	ChannelID     string
	ChannelName   string
	ConnectorName string
	MetaDataID    int
}

// StatusConstants exposes model.Status values under the names scripts
// reference as `Status.RECEIVED` etc.
var StatusConstants = map[string]string{
	"RECEIVED":    string(model.StatusReceived),
	"FILTERED":    string(model.StatusFiltered),
	"TRANSFORMED": string(model.StatusTransformed),
	"SENT":        string(model.StatusSent),
	"QUEUED":      string(model.StatusQueued),
	"ERROR":       string(model.StatusError),
	"PENDING":     string(model.StatusPending),
}

// ContentTypeConstants exposes model.ContentType values under the names
// scripts reference as `ContentType.RAW` etc.
var ContentTypeConstants = map[string]string{
	"RAW":                   string(model.ContentRaw),
	"PROCESSED_RAW":         string(model.ContentProcessedRaw),
	"TRANSFORMED":           string(model.ContentTransformed),
	"ENCODED":               string(model.ContentEncoded),
	"SENT":                  string(model.ContentSent),
	"RESPONSE":              string(model.ContentResponse),
	"RESPONSE_TRANSFORMED":  string(model.ContentResponseTransformed),
	"PROCESSING_ERROR":      string(model.ContentProcessingError),
	"RESPONSE_ERROR":        string(model.ContentResponseError),
	"POSTPROCESSOR_ERROR":   string(model.ContentPostprocessorError),
	"SOURCE_MAP_CONTENT":    string(model.ContentSourceMap),
	"CHANNEL_MAP_CONTENT":   string(model.ContentChannelMap),
	"RESPONSE_MAP_CONTENT":  string(model.ContentResponseMap),
}
