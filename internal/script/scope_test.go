package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMapView_ReadOnlyPutIsNoop(t *testing.T) {
	view := NewMapView(map[string]interface{}{"a": "1"}, true)
	view.Put("b", "2")
	assert.Nil(t, view.Get("b"))
	assert.Equal(t, "1", view.Get("a"))
}

func TestMapView_FallbackWarnsOncePerKey(t *testing.T) {
	source := NewMapView(map[string]interface{}{"k": "v"}, true)
	channel := NewMapView(nil, false)
	warnCount := 0
	channel = channel.WithFallback(source, func(key string) { warnCount++ })

	assert.Equal(t, "v", channel.Get("k"))
	assert.Equal(t, "v", channel.Get("k"))
	assert.Equal(t, "v", channel.Get("k"))
	assert.Equal(t, 1, warnCount, "fallback deprecation warning must fire once per key")
}

func TestMapView_LocalValueTakesPrecedenceOverFallback(t *testing.T) {
	source := NewMapView(map[string]interface{}{"k": "from-source"}, true)
	channel := NewMapView(map[string]interface{}{"k": "from-channel"}, false)
	channel = channel.WithFallback(source, nil)
	assert.Equal(t, "from-channel", channel.Get("k"))
}

func TestMapView_ContainsKeyIgnoresFallback(t *testing.T) {
	source := NewMapView(map[string]interface{}{"k": "v"}, true)
	channel := NewMapView(nil, false).WithFallback(source, nil)
	assert.False(t, channel.ContainsKey("k"), "ContainsKey must reflect local presence only")
	assert.Equal(t, "v", channel.Get("k"))
}
