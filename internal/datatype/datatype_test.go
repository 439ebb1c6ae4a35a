package datatype

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSON_ToTransformableProducesXMLTree(t *testing.T) {
	dt := NewJSON()
	out, err := dt.ToTransformable(context.Background(), []byte(`{"patient":{"id":"123","name":"Jo"}}`))
	require.NoError(t, err)

	root, err := parseSimpleXML(out)
	require.NoError(t, err)
	assert.Equal(t, "json", root.name)
	patient := root.children[0]
	assert.Equal(t, "patient", patient.name)
}

func TestJSON_RoundTripPreservesFlatObject(t *testing.T) {
	dt := NewJSON()
	raw := []byte(`{"a":"1","b":"2"}`)

	transformable, err := dt.ToTransformable(context.Background(), raw)
	require.NoError(t, err)

	back, err := dt.FromTransformable(context.Background(), transformable)
	require.NoError(t, err)

	var got map[string]interface{}
	require.NoError(t, json.Unmarshal(back, &got))
	assert.Equal(t, "1", got["a"])
	assert.Equal(t, "2", got["b"])
}

func TestJSON_InvalidJSONFailsValidate(t *testing.T) {
	dt := NewJSON()
	assert.Error(t, dt.Validate(context.Background(), []byte(`{not json`)))
}

func TestXML_ToTransformableIsIdentityForWellFormed(t *testing.T) {
	dt := NewXML()
	raw := []byte(`<root><a>1</a></root>`)
	out, err := dt.ToTransformable(context.Background(), raw)
	require.NoError(t, err)
	assert.Equal(t, raw, out)
}

func TestXML_MalformedFailsValidate(t *testing.T) {
	dt := NewXML()
	_, err := dt.ToTransformable(context.Background(), []byte(`<root><a></root>`))
	assert.Error(t, err)
}

func TestDelimited_ToTransformableWithHeaderRow(t *testing.T) {
	dt := NewDelimited(DelimitedConfig{HasHeaderRow: true})
	out, err := dt.ToTransformable(context.Background(), []byte("name,age\nAda,30\nGrace,85\n"))
	require.NoError(t, err)

	root, err := parseSimpleXML(out)
	require.NoError(t, err)
	assert.Equal(t, "delimited", root.name)
	require.Len(t, root.children, 2)
	row1 := root.children[0]
	assert.Equal(t, "name", row1.children[0].name)
	assert.Equal(t, "Ada", row1.children[0].text)
	assert.Equal(t, "30", row1.children[1].text)
}

func TestDelimited_RoundTripWithoutHeader(t *testing.T) {
	dt := NewDelimited(DelimitedConfig{})
	raw := []byte("a,b,c\n1,2,3\n")

	transformable, err := dt.ToTransformable(context.Background(), raw)
	require.NoError(t, err)

	back, err := dt.FromTransformable(context.Background(), transformable)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\n1,2,3\n", string(back))
}

func TestDelimited_GetMetaDataCountsRecords(t *testing.T) {
	dt := NewDelimited(DelimitedConfig{})
	meta, err := dt.GetMetaData(context.Background(), []byte("1,2\n3,4\n5,6\n"))
	require.NoError(t, err)
	assert.Equal(t, 3, meta["recordCount"])
}

func TestRegistry_ResolvesRegisteredCodecsByName(t *testing.T) {
	reg := NewRegistry()
	for _, name := range []string{"JSON", "XML", "DELIMITED"} {
		dt, ok := reg.Get(name)
		require.True(t, ok, name)
		assert.Equal(t, name, dt.Name())
	}
	_, ok := reg.Get("HL7V2")
	assert.False(t, ok)
}
