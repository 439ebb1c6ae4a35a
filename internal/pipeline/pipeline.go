// Package pipeline drives one message end-to-end through a channel
// (spec §4.3): source hand-off, preprocessor, filter, transformer, the
// ordered destination chain, and the postprocessor.
package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hcengine/integration-engine/internal/connector"
	"github.com/hcengine/integration-engine/internal/datatype"
	"github.com/hcengine/integration-engine/internal/engineerr"
	"github.com/hcengine/integration-engine/internal/logging"
	"github.com/hcengine/integration-engine/internal/model"
	"github.com/hcengine/integration-engine/internal/queue"
	"github.com/hcengine/integration-engine/internal/script"
	"github.com/hcengine/integration-engine/internal/store"
)

// SequenceAllocator is the subset of internal/store/sequence.Allocator
// the pipeline needs.
type SequenceAllocator interface {
	AllocateID(ctx context.Context, channelID string) (int64, error)
}

// Destination binds one configured destination to its runtime
// connector, optional queue, and data-type codec.
type Destination struct {
	Config   model.ConnectorConfig
	Conn     connector.Destination
	Queue    *queue.Queue // nil when QueueEnabled is false
	DataType datatype.DataType
}

// Maps bundles the named map surfaces a script invocation needs (spec
// §4.9); GlobalMap/GlobalChannelMap/ConfigurationMap are shared across
// messages, SourceMap/ChannelMap/ResponseMap/ConnectorMap are rebuilt
// per message.
type Maps struct {
	GlobalMap        *script.MapView
	GlobalChannelMap *script.MapView
	ConfigurationMap *script.MapView
}

// Pipeline drives one channel's messages through receive → dispatch.
type Pipeline struct {
	Channel      *model.Channel
	Store        store.Store
	Sequence     SequenceAllocator
	ScriptEngine *script.Engine
	DataTypes    *datatype.Registry
	Destinations []*Destination
	Maps         Maps
	Log          *logging.Logger
}

// New builds a pipeline for one deployed channel. Destinations must be
// supplied in the channel's configured order.
func New(ch *model.Channel, st store.Store, seq SequenceAllocator, se *script.Engine, dt *datatype.Registry, dests []*Destination, maps Maps, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.NewDefault("pipeline").With("channel", ch.ID)
	}
	return &Pipeline{
		Channel: ch, Store: st, Sequence: seq, ScriptEngine: se,
		DataTypes: dt, Destinations: dests, Maps: maps, Log: log,
	}
}

// RunDeployScript executes the channel's deploy script, if configured
// (spec §4.8 "run deploy script"). There is no in-flight message at
// deploy time, so Msg/MsgRaw/SourceMap/ResponseMap/ConnectorMap are
// empty; the script gets the channel identity plus the shared maps.
func (p *Pipeline) RunDeployScript(ctx context.Context) error {
	return p.runLifecycleScript(ctx, script.HookDeploy, p.Channel.DeployScript, "doDeploy")
}

// RunUndeployScript executes the channel's undeploy script, if configured.
func (p *Pipeline) RunUndeployScript(ctx context.Context) error {
	return p.runLifecycleScript(ctx, script.HookUndeploy, p.Channel.UndeployScript, "doUndeploy")
}

func (p *Pipeline) runLifecycleScript(ctx context.Context, kind script.HookKind, src, entryPoint string) error {
	if src == "" {
		return nil
	}
	scope := &script.Scope{
		SourceMap: script.NewMapView(nil, true), ChannelMap: script.NewMapView(nil, false),
		ResponseMap: script.NewMapView(nil, false), ConnectorMap: script.NewMapView(nil, false),
		GlobalMap: p.Maps.GlobalMap, GlobalChannelMap: p.Maps.GlobalChannelMap,
		ConfigurationMap: p.Maps.ConfigurationMap, Logger: p.Log,
		ChannelID: p.Channel.ID, ChannelName: p.Channel.Name,
	}
	if _, err := p.ScriptEngine.Invoke(ctx, kind, src, entryPoint, scope); err != nil {
		return engineerr.ScriptWrap(string(kind)+" script", err)
	}
	return nil
}

// Receive is called by the source connector with one raw message (spec
// §4.3 "receive(raw, sourceMap)").
func (p *Pipeline) Receive(ctx context.Context, raw []byte, sourceMap map[string]interface{}) error {
	messageID, err := p.Sequence.AllocateID(ctx, p.Channel.ID)
	if err != nil {
		return err
	}

	msg := &model.Message{ChannelID: p.Channel.ID, ID: messageID, ReceivedAt: timeNow()}
	if err := p.Store.InsertMessage(ctx, msg); err != nil {
		return engineerr.IntegrityWrap("insert message", err)
	}

	sourceCM := model.NewConnectorMessage(p.Channel.ID, messageID, model.SourceMetaDataID)
	sourceCM.Status = model.StatusReceived
	sourceCM.SetContent(model.ContentRaw, p.Channel.Source.DataType, string(raw))
	if err := p.persist(ctx, sourceCM); err != nil {
		return err
	}

	sourceMapView := script.NewMapView(sourceMap, true)
	channelMapView := script.NewMapView(nil, false).WithFallback(sourceMapView, func(key string) {
		p.Log.Warnf("channelMap.get(%q): falling back to sourceMap; declare the key on channelMap instead", key)
	})

	transformable := raw
	if dt, ok := p.DataTypes.Get(p.Channel.Source.DataType); ok {
		out, err := dt.ToTransformable(ctx, raw)
		if err != nil {
			return p.errorOut(ctx, sourceCM, err)
		}
		transformable = out
	}

	scope := p.baseScope(sourceMapView, channelMapView, string(raw), sourceCM.ChannelID, model.SourceMetaDataID, p.Channel.Source.Name)
	domRoot, _ := script.ParseXMLDom(transformable)
	scope.Msg = domRoot

	if p.Channel.PreprocessorScript != "" {
		if _, err := p.ScriptEngine.Invoke(ctx, script.HookPreprocessor, p.Channel.PreprocessorScript, "doPreprocess", scope); err != nil {
			return p.errorOut(ctx, sourceCM, err)
		}
	}

	if p.Channel.Source.FilterScript != "" {
		out, err := p.ScriptEngine.Invoke(ctx, script.HookFilter, p.Channel.Source.FilterScript, "doFilter", scope)
		if err != nil {
			return p.errorOut(ctx, sourceCM, err)
		}
		if out.Filtered {
			sourceCM.Status = model.StatusFiltered
			if err := p.persist(ctx, sourceCM); err != nil {
				return err
			}
			return p.runPostprocessor(ctx, messageID, scope)
		}
	}

	if p.Channel.Source.TransformerScript != "" {
		if _, err := p.ScriptEngine.Invoke(ctx, script.HookTransformer, p.Channel.Source.TransformerScript, "doTransform", scope); err != nil {
			return p.errorOut(ctx, sourceCM, err)
		}
	}
	sourceCM.Status = model.StatusTransformed
	sourceCM.SetContent(model.ContentTransformed, p.Channel.Source.DataType, string(transformable))
	if err := p.persist(ctx, sourceCM); err != nil {
		return err
	}

	responseMapView := script.NewMapView(nil, false)
	connectorMapView := script.NewMapView(nil, false)

	p.dispatchDestinations(ctx, messageID, scope, responseMapView, connectorMapView, channelMapView)

	if err := p.runPostprocessor(ctx, messageID, scope); err != nil {
		return err
	}
	return p.Store.MarkMessageProcessed(ctx, p.Channel.ID, messageID)
}

func (p *Pipeline) runPostprocessor(ctx context.Context, messageID int64, scope *script.Scope) error {
	if p.Channel.PostprocessorScript == "" {
		return p.Store.MarkMessageProcessed(ctx, p.Channel.ID, messageID)
	}
	if _, err := p.ScriptEngine.Invoke(ctx, script.HookPostprocessor, p.Channel.PostprocessorScript, "doPostprocess", scope); err != nil {
		p.Log.WithError(err).Warn("postprocessor failed")
	}
	return p.Store.MarkMessageProcessed(ctx, p.Channel.ID, messageID)
}

// dispatchDestinations fans a received message out to every configured
// destination. Each destination runs on its own goroutine; one marked
// WaitForPrevious blocks until the destination immediately before it in
// configured order has reached a terminal or queued state, while one
// without the flag starts as soon as its own filter/transform is ready,
// independent of how far along its predecessor is. Receive returns only
// once every destination has finished.
func (p *Pipeline) dispatchDestinations(ctx context.Context, messageID int64, scope *script.Scope, responseMap, connectorMap, channelMap *script.MapView) {
	var wg sync.WaitGroup
	var prevDone chan struct{}

	for _, dest := range p.Destinations {
		done := make(chan struct{})
		waitOn := prevDone
		dest := dest

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(done)
			if dest.Config.WaitForPrevious && waitOn != nil {
				select {
				case <-waitOn:
				case <-ctx.Done():
				}
			}
			if err := p.dispatchDestination(ctx, dest, messageID, scope, responseMap, connectorMap, channelMap); err != nil {
				p.Log.WithError(err).Warnf("destination %s failed", dest.Config.Name)
			}
		}()

		prevDone = done
	}

	wg.Wait()
}

// dispatchDestination runs one destination's filter/transformer then
// either dispatches synchronously or enqueues, per spec §4.3's state
// machine.
func (p *Pipeline) dispatchDestination(ctx context.Context, dest *Destination, messageID int64, sourceScope *script.Scope, responseMap, connectorMap, channelMap *script.MapView) error {
	cm := model.NewConnectorMessage(p.Channel.ID, messageID, dest.Config.MetaDataID)
	cm.Status = model.StatusPending
	if err := p.persist(ctx, cm); err != nil {
		return err
	}

	destScope := &script.Scope{
		Msg: sourceScope.Msg, MsgRaw: sourceScope.MsgRaw,
		SourceMap: sourceScope.SourceMap, ChannelMap: channelMap,
		ResponseMap: responseMap, ConnectorMap: connectorMap,
		GlobalMap: p.Maps.GlobalMap, GlobalChannelMap: p.Maps.GlobalChannelMap,
		ConfigurationMap: p.Maps.ConfigurationMap, Logger: p.Log,
		ChannelID: p.Channel.ID, ChannelName: p.Channel.Name,
		ConnectorName: dest.Config.Name, MetaDataID: dest.Config.MetaDataID,
	}

	if dest.Config.FilterScript != "" {
		out, err := p.ScriptEngine.Invoke(ctx, script.HookFilter, dest.Config.FilterScript, "doFilter", destScope)
		if err != nil {
			return p.errorOut(ctx, cm, err)
		}
		if out.Filtered {
			cm.Status = model.StatusFiltered
			return p.persist(ctx, cm)
		}
	}

	payload := []byte(sourceScope.MsgRaw)
	if dest.Config.TransformerScript != "" {
		out, err := p.ScriptEngine.Invoke(ctx, script.HookTransformer, dest.Config.TransformerScript, "doTransform", destScope)
		if err != nil {
			return p.errorOut(ctx, cm, err)
		}
		if out.Body != "" {
			payload = []byte(out.Body)
		}
	}
	if dest.DataType != nil {
		if out, err := dest.DataType.FromTransformable(ctx, payload); err == nil {
			payload = out
		}
	}

	cm.Status = model.StatusTransformed
	cm.SetContent(model.ContentTransformed, dest.Config.DataType, string(payload))
	if err := p.persist(ctx, cm); err != nil {
		return err
	}

	if dest.Queue != nil {
		cm.Status = model.StatusQueued
		if err := p.persist(ctx, cm); err != nil {
			return err
		}
		if err := dest.Queue.Enqueue(ctx, messageID, dest.Config.MetaDataID); err != nil {
			return p.errorOut(ctx, cm, err)
		}
		if dest.Queue.SendFirstEnabled() {
			dest.Queue.TrySendFirst(ctx, messageID, dest.Config.MetaDataID, func(ctx context.Context) queue.Result {
				resp := dest.Conn.Dispatch(ctx, payload)
				return queue.Result{Sent: resp.Err == nil, Err: resp.Err}
			})
		}
		return nil
	}

	resp := dest.Conn.Dispatch(ctx, payload)
	return p.applyResponse(ctx, cm, resp, destScope, dest)
}

func (p *Pipeline) applyResponse(ctx context.Context, cm *model.ConnectorMessage, resp connector.Response, destScope *script.Scope, dest *Destination) error {
	if resp.Err != nil {
		cm.Status = model.StatusError
		cm.ProcessingError = resp.Err.Error()
	} else {
		cm.Status = model.StatusSent
		cm.SendDate = timeNowPtr()
	}
	cm.SetContent(model.ContentResponse, "TEXT", resp.Message)

	if dest.Config.ResponseTransformerScript != "" {
		destScope.ResponseMap.Put(dest.Config.Name, resp.Message)
		if _, err := p.ScriptEngine.Invoke(ctx, script.HookResponseTransformer,
			dest.Config.ResponseTransformerScript, "doTransformResponse", destScope); err != nil {
			p.Log.WithError(err).Warn("response transformer failed")
		}
	}
	return p.persist(ctx, cm)
}

func (p *Pipeline) errorOut(ctx context.Context, cm *model.ConnectorMessage, cause error) error {
	cm.Status = model.StatusError
	cm.ProcessingError = cause.Error()
	cm.SetContent(model.ContentProcessingError, "TEXT", cause.Error())
	if err := p.persist(ctx, cm); err != nil {
		return err
	}
	return fmt.Errorf("pipeline %s: %w", p.Channel.ID, cause)
}

func (p *Pipeline) persist(ctx context.Context, cm *model.ConnectorMessage) error {
	if err := p.Store.UpsertConnectorMessage(ctx, cm); err != nil {
		return engineerr.IntegrityWrap("persist connector message", err)
	}
	return nil
}

func (p *Pipeline) baseScope(sourceMap, channelMap *script.MapView, msgRaw, channelID string, metaDataID int, connectorName string) *script.Scope {
	return &script.Scope{
		MsgRaw: msgRaw, SourceMap: sourceMap, ChannelMap: channelMap,
		ResponseMap: script.NewMapView(nil, false), ConnectorMap: script.NewMapView(nil, false),
		GlobalMap: p.Maps.GlobalMap, GlobalChannelMap: p.Maps.GlobalChannelMap,
		ConfigurationMap: p.Maps.ConfigurationMap, Logger: p.Log,
		ChannelID: channelID, ChannelName: p.Channel.Name,
		ConnectorName: connectorName, MetaDataID: metaDataID,
	}
}

// HandleQueueResult is the queue.ResultHandler the composition root
// wires for each destination's queue.Queue: it records the terminal
// SENT/ERROR outcome of an async dispatch back onto the destination's
// ConnectorMessage row.
func (p *Pipeline) HandleQueueResult(ctx context.Context, messageID int64, metaDataID int, terminal string, cause error) {
	cm, err := p.Store.GetConnectorMessage(ctx, p.Channel.ID, messageID, metaDataID)
	if err != nil {
		p.Log.WithError(err).Warnf("queue result: cannot load connector message %d/%d", messageID, metaDataID)
		return
	}
	cm.Status = model.Status(terminal)
	if cause != nil {
		cm.ProcessingError = cause.Error()
		cm.SetContent(model.ContentProcessingError, "TEXT", cause.Error())
	} else if cm.Status == model.StatusSent {
		cm.SendDate = timeNowPtr()
	}
	if err := p.persist(ctx, cm); err != nil {
		p.Log.WithError(err).Warn("queue result: failed to persist terminal status")
	}
}

// DispatchFromQueue adapts a destination's connector.Destination into
// the queue.DispatchFunc shape, looking up the already-transformed
// payload from the TRANSFORMED content row written during enqueue.
func (p *Pipeline) DispatchFromQueue(dest *Destination) func(ctx context.Context, messageID int64, metaDataID int) queue.Result {
	return func(ctx context.Context, messageID int64, metaDataID int) queue.Result {
		content, err := p.Store.ReadContent(ctx, p.Channel.ID, messageID, metaDataID, model.ContentTransformed)
		if err != nil {
			return queue.Result{Sent: false, Err: err}
		}
		resp := dest.Conn.Dispatch(ctx, []byte(content.Value))
		if resp.Err != nil {
			return queue.Result{Sent: false, Err: resp.Err}
		}
		return queue.Result{Sent: true}
	}
}

func timeNow() (t time.Time) { return time.Now() }
func timeNowPtr() *time.Time { t := time.Now(); return &t }
