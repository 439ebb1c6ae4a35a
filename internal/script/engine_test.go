package script

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcengine/integration-engine/internal/logging"
)

func testScope() *Scope {
	return &Scope{
		MsgRaw:           "raw-bytes",
		SourceMap:        NewMapView(map[string]interface{}{"fileName": "a.txt"}, true),
		ChannelMap:       NewMapView(nil, false),
		ResponseMap:      NewMapView(nil, false),
		ConnectorMap:     NewMapView(nil, false),
		GlobalMap:        NewMapView(nil, false),
		GlobalChannelMap: NewMapView(nil, false),
		ConfigurationMap: NewMapView(nil, false),
		Logger:           logging.NewDefault("script-test"),
		ChannelID:        "chan-1",
		ChannelName:      "Test Channel",
		ConnectorName:    "HTTP Sender",
		MetaDataID:       1,
	}
}

func TestEngine_FilterTrueKeepsMessage(t *testing.T) {
	eng := New(Config{}, nil)
	out, err := eng.Invoke(context.Background(), HookFilter, `function doFilter() { return true; }`, "doFilter", testScope())
	require.NoError(t, err)
	assert.False(t, out.Filtered)
}

func TestEngine_FilterFalseMarksFiltered(t *testing.T) {
	eng := New(Config{}, nil)
	out, err := eng.Invoke(context.Background(), HookFilter, `function doFilter() { return false; }`, "doFilter", testScope())
	require.NoError(t, err)
	assert.True(t, out.Filtered)
}

func TestEngine_TransformerMutatesChannelMap(t *testing.T) {
	eng := New(Config{}, nil)
	scope := testScope()
	_, err := eng.Invoke(context.Background(), HookTransformer,
		`function doTransform() { channelMap.Put("k", "v"); return true; }`, "doTransform", scope)
	require.NoError(t, err)
	assert.Equal(t, "v", scope.ChannelMap.Get("k"))
}

func TestEngine_ChannelMapFallsBackToSourceMap(t *testing.T) {
	scope := testScope()
	scope.ChannelMap = scope.ChannelMap.WithFallback(scope.SourceMap, func(key string) {})
	eng := New(Config{}, nil)
	out, err := eng.Invoke(context.Background(), HookTransformer,
		`function doTransform() { return channelMap.Get("fileName"); }`, "doTransform", scope)
	require.NoError(t, err)
	assert.Equal(t, "SENT", out.Status)
	assert.Equal(t, "a.txt", out.Body)
}

func TestEngine_DestinationScriptReturnsStringAsSent(t *testing.T) {
	eng := New(Config{}, nil)
	out, err := eng.Invoke(context.Background(), HookResponseTransformer,
		`function doSend() { return "ack"; }`, "doSend", testScope())
	require.NoError(t, err)
	assert.Equal(t, "SENT", out.Status)
	assert.Equal(t, "ack", out.Body)
}

func TestEngine_DestinationScriptReturnsUndefinedAsSent(t *testing.T) {
	eng := New(Config{}, nil)
	out, err := eng.Invoke(context.Background(), HookResponseTransformer,
		`function doSend() { }`, "doSend", testScope())
	require.NoError(t, err)
	assert.Equal(t, "SENT", out.Status)
}

func TestEngine_TimeoutInterruptsRunawayScript(t *testing.T) {
	eng := New(Config{DefaultTimeout: 50 * time.Millisecond}, nil)
	_, err := eng.Invoke(context.Background(), HookTransformer,
		`function doTransform() { while (true) {} }`, "doTransform", testScope())
	assert.ErrorIs(t, err, ErrScriptTimeout)
}

func TestEngine_StatusConstantsAreExposed(t *testing.T) {
	eng := New(Config{}, nil)
	out, err := eng.Invoke(context.Background(), HookResponseTransformer,
		`function doSend() { return Status.ERROR; }`, "doSend", testScope())
	require.NoError(t, err)
	assert.Equal(t, "ERROR", out.Body)
}
