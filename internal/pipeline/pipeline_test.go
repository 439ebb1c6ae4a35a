package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcengine/integration-engine/internal/connector"
	"github.com/hcengine/integration-engine/internal/datatype"
	"github.com/hcengine/integration-engine/internal/model"
	"github.com/hcengine/integration-engine/internal/script"
	"github.com/hcengine/integration-engine/internal/store"
	"github.com/hcengine/integration-engine/internal/store/sequence"
)

type fakeDestConn struct {
	mu       sync.Mutex
	name     string
	received []string
	fail     bool
	delay    time.Duration
}

func (f *fakeDestConn) Name() string                   { return f.name }
func (f *fakeDestConn) Start(ctx context.Context) error { return nil }
func (f *fakeDestConn) Stop(ctx context.Context) error  { return nil }
func (f *fakeDestConn) Dispatch(ctx context.Context, payload []byte) connector.Response {
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	f.mu.Lock()
	f.received = append(f.received, string(payload))
	f.mu.Unlock()
	if f.fail {
		return connector.Response{Status: "ERROR", Err: assertErr("boom")}
	}
	return connector.Response{Status: "SENT"}
}

type assertErr string

func (e assertErr) Error() string { return string(e) }

func buildPipeline(t *testing.T, ch *model.Channel, destConn *fakeDestConn) (*Pipeline, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	require.NoError(t, st.EnsureCoreSchema(context.Background()))
	require.NoError(t, st.DeployChannel(context.Background(), ch))

	seq := sequence.New(st, 10)
	se := script.New(script.Config{}, nil)
	dt := datatype.NewRegistry()

	var dests []*Destination
	if len(ch.Destinations) > 0 {
		dests = append(dests, &Destination{Config: ch.Destinations[0], Conn: destConn, DataType: dt.MustGet("JSON")})
	}

	maps := Maps{
		GlobalMap:        script.NewMapView(nil, false),
		GlobalChannelMap: script.NewMapView(nil, false),
		ConfigurationMap: script.NewMapView(nil, false),
	}
	return New(ch, st, seq, se, dt, dests, maps, nil), st
}

func testChannel() *model.Channel {
	return &model.Channel{
		ID: "chan1", Name: "Test Channel", Enabled: true,
		Source: model.ConnectorConfig{MetaDataID: 0, Name: "Source", DataType: "JSON"},
		Destinations: []model.ConnectorConfig{
			{MetaDataID: 1, Name: "Fake Destination", DataType: "JSON"},
		},
	}
}

func TestPipeline_SimpleReceiveReachesSent(t *testing.T) {
	ch := testChannel()
	destConn := &fakeDestConn{}
	p, st := buildPipeline(t, ch, destConn)

	err := p.Receive(context.Background(), []byte(`{"a":"1"}`), map[string]interface{}{"fileName": "a.txt"})
	require.NoError(t, err)

	cm, err := st.GetConnectorMessage(context.Background(), ch.ID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, cm.Status)
}

func TestPipeline_DestinationFailureMarksError(t *testing.T) {
	ch := testChannel()
	destConn := &fakeDestConn{fail: true}
	p, st := buildPipeline(t, ch, destConn)

	err := p.Receive(context.Background(), []byte(`{"a":"1"}`), nil)
	require.NoError(t, err)

	cm, err := st.GetConnectorMessage(context.Background(), ch.ID, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, cm.Status)
}

func TestPipeline_FilterRejectsMarksSourceFiltered(t *testing.T) {
	ch := testChannel()
	ch.Source.FilterScript = `function doFilter() { return false; }`
	destConn := &fakeDestConn{}
	p, st := buildPipeline(t, ch, destConn)

	err := p.Receive(context.Background(), []byte(`{"a":"1"}`), nil)
	require.NoError(t, err)

	sourceCM, err := st.GetConnectorMessage(context.Background(), ch.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFiltered, sourceCM.Status)
	assert.Empty(t, destConn.received, "destination must not be reached when the source filter rejects")
}

func TestPipeline_MessageIDsAreMonotonicPerChannel(t *testing.T) {
	ch := testChannel()
	destConn := &fakeDestConn{}
	p, st := buildPipeline(t, ch, destConn)

	require.NoError(t, p.Receive(context.Background(), []byte(`{"a":"1"}`), nil))
	require.NoError(t, p.Receive(context.Background(), []byte(`{"a":"2"}`), nil))

	assert.Equal(t, []string{`{"a":"1"}`, `{"a":"2"}`}, destConn.received)

	first, err := st.GetConnectorMessage(context.Background(), ch.ID, 1, model.SourceMetaDataID)
	require.NoError(t, err)
	second, err := st.GetConnectorMessage(context.Background(), ch.ID, 2, model.SourceMetaDataID)
	require.NoError(t, err)
	assert.Equal(t, `{"a":"1"}`, first.Content[model.ContentRaw].Value, "the first message received gets the lower id")
	assert.Equal(t, `{"a":"2"}`, second.Content[model.ContentRaw].Value)
}

func TestPipeline_WaitForPreviousBlocksUntilPredecessorTerminal(t *testing.T) {
	ch := testChannel()
	ch.Destinations = []model.ConnectorConfig{
		{MetaDataID: 1, Name: "Slow First", DataType: "JSON"},
		{MetaDataID: 2, Name: "Waits", DataType: "JSON", WaitForPrevious: true},
	}
	slow := &fakeDestConn{name: "Slow First", delay: 50 * time.Millisecond}
	fast := &fakeDestConn{name: "Waits"}

	st := store.NewMemoryStore()
	require.NoError(t, st.EnsureCoreSchema(context.Background()))
	require.NoError(t, st.DeployChannel(context.Background(), ch))
	seq := sequence.New(st, 10)
	se := script.New(script.Config{}, nil)
	dt := datatype.NewRegistry()
	dests := []*Destination{
		{Config: ch.Destinations[0], Conn: slow, DataType: dt.MustGet("JSON")},
		{Config: ch.Destinations[1], Conn: fast, DataType: dt.MustGet("JSON")},
	}
	maps := Maps{
		GlobalMap:        script.NewMapView(nil, false),
		GlobalChannelMap: script.NewMapView(nil, false),
		ConfigurationMap: script.NewMapView(nil, false),
	}
	p := New(ch, st, seq, se, dt, dests, maps, nil)

	start := time.Now()
	require.NoError(t, p.Receive(context.Background(), []byte(`{"a":"1"}`), nil))
	elapsed := time.Since(start)

	assert.GreaterOrEqual(t, elapsed, slow.delay, "the waiting destination must not finish before its predecessor's delay elapses")

	cmSlow, err := st.GetConnectorMessage(context.Background(), ch.ID, 1, 1)
	require.NoError(t, err)
	cmFast, err := st.GetConnectorMessage(context.Background(), ch.ID, 1, 2)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSent, cmSlow.Status)
	assert.Equal(t, model.StatusSent, cmFast.Status)
}

func TestPipeline_NonWaitingDestinationsRunConcurrently(t *testing.T) {
	ch := testChannel()
	ch.Destinations = []model.ConnectorConfig{
		{MetaDataID: 1, Name: "Slow First", DataType: "JSON"},
		{MetaDataID: 2, Name: "Independent", DataType: "JSON"},
	}
	slow := &fakeDestConn{name: "Slow First", delay: 50 * time.Millisecond}
	fast := &fakeDestConn{name: "Independent"}

	st := store.NewMemoryStore()
	require.NoError(t, st.EnsureCoreSchema(context.Background()))
	require.NoError(t, st.DeployChannel(context.Background(), ch))
	seq := sequence.New(st, 10)
	se := script.New(script.Config{}, nil)
	dt := datatype.NewRegistry()
	dests := []*Destination{
		{Config: ch.Destinations[0], Conn: slow, DataType: dt.MustGet("JSON")},
		{Config: ch.Destinations[1], Conn: fast, DataType: dt.MustGet("JSON")},
	}
	maps := Maps{
		GlobalMap:        script.NewMapView(nil, false),
		GlobalChannelMap: script.NewMapView(nil, false),
		ConfigurationMap: script.NewMapView(nil, false),
	}
	p := New(ch, st, seq, se, dt, dests, maps, nil)

	start := time.Now()
	require.NoError(t, p.Receive(context.Background(), []byte(`{"a":"1"}`), nil))
	elapsed := time.Since(start)

	assert.Less(t, elapsed, slow.delay+25*time.Millisecond, "a destination without WaitForPrevious must not be held up by a slower predecessor")
}

func TestPipeline_RunDeployScriptInvokesDeployHook(t *testing.T) {
	ch := testChannel()
	ch.DeployScript = `function doDeploy() { globalChannelMap.Put("deployed", "true"); }`
	p, _ := buildPipeline(t, ch, &fakeDestConn{})

	require.NoError(t, p.RunDeployScript(context.Background()))
	assert.Equal(t, "true", p.Maps.GlobalChannelMap.Get("deployed"))
}

func TestPipeline_RunDeployScriptWithNoScriptIsNoop(t *testing.T) {
	ch := testChannel()
	p, _ := buildPipeline(t, ch, &fakeDestConn{})
	assert.NoError(t, p.RunDeployScript(context.Background()))
	assert.NoError(t, p.RunUndeployScript(context.Background()))
}

func TestPipeline_RunUndeployScriptFailurePropagates(t *testing.T) {
	ch := testChannel()
	ch.UndeployScript = `function doUndeploy() { throw new Error("cleanup failed"); }`
	p, _ := buildPipeline(t, ch, &fakeDestConn{})

	err := p.RunUndeployScript(context.Background())
	require.Error(t, err)
}
