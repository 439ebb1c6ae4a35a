// Package engine drives the channel lifecycle state machine and shadow
// mode gating (spec §4.8): UNDEPLOYED → DEPLOYED → STARTED →
// [PAUSED | STOPPING → DEPLOYED] → HALTED.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hcengine/integration-engine/internal/cluster/eventbus"
	"github.com/hcengine/integration-engine/internal/cluster/lease"
	"github.com/hcengine/integration-engine/internal/connector"
	"github.com/hcengine/integration-engine/internal/engineerr"
	"github.com/hcengine/integration-engine/internal/logging"
	"github.com/hcengine/integration-engine/internal/model"
	"github.com/hcengine/integration-engine/internal/store"
)

// defaultStopGracePeriod applies when Config.StopGracePeriod is unset.
const defaultStopGracePeriod = 30 * time.Second

// State is one channel's lifecycle state (spec §4.8).
type State string

const (
	StateUndeployed State = "UNDEPLOYED"
	StateDeployed   State = "DEPLOYED"
	StateStarted    State = "STARTED"
	StatePaused     State = "PAUSED"
	StateStopping   State = "STOPPING"
	StateHalted     State = "HALTED"
)

// Receiver is the subset of pipeline.Pipeline the engine drives: the
// entry point a started source connector hands messages to.
type Receiver interface {
	Receive(ctx context.Context, raw []byte, sourceMap map[string]interface{}) error
}

// ScriptRunner is implemented by pipelines carrying a deploy or undeploy
// script (spec §4.8 "run deploy script" / "run undeploy script"). Deploy
// and Undeploy check for it via a type assertion so Receiver
// implementations without scripts, like tests' fakes, are unaffected.
type ScriptRunner interface {
	RunDeployScript(ctx context.Context) error
	RunUndeployScript(ctx context.Context) error
}

// entry is one deployed channel's runtime state.
type entry struct {
	channel  *model.Channel
	pipeline Receiver
	source   connector.Source
	state    State
	cancel   context.CancelFunc
}

// Config controls engine-wide defaults.
type Config struct {
	// ShadowMode starts the engine with shadow mode enabled: deployed
	// channels refuse to start their source connector until promoted
	// (spec §4.8 "takeover gating").
	ShadowMode bool
	ServerID   string
	// StopGracePeriod bounds how long Stop waits for a channel's source
	// connector to stop cleanly before escalating to Halt (spec §4.8
	// "stop waits up to a configurable grace period"). Defaults to
	// defaultStopGracePeriod when zero.
	StopGracePeriod time.Duration
}

// Engine owns the in-process channel registry, shadow-mode gate, and
// lease coordination for poll-driven sources.
type Engine struct {
	serverID        string
	leases          *lease.Manager
	bus             eventbus.Bus
	store           store.Store
	stopGracePeriod time.Duration
	log             *logging.Logger

	mu        sync.Mutex
	channels  map[string]*entry
	shadow    bool
	promoted  map[string]bool
}

// New builds an engine. serverID is minted with google/uuid if cfg's is
// empty. st may be nil (in-flight connector messages simply won't be
// marked halted on a grace-period expiry); it is used only for
// MarkInFlightHalted.
func New(cfg Config, leases *lease.Manager, bus eventbus.Bus, st store.Store, log *logging.Logger) *Engine {
	serverID := cfg.ServerID
	if serverID == "" {
		serverID = uuid.NewString()
	}
	if log == nil {
		log = logging.NewDefault("engine").With("serverId", serverID)
	}
	grace := cfg.StopGracePeriod
	if grace <= 0 {
		grace = defaultStopGracePeriod
	}
	return &Engine{
		serverID: serverID, leases: leases, bus: bus, store: st,
		stopGracePeriod: grace, log: log,
		channels: make(map[string]*entry), shadow: cfg.ShadowMode,
		promoted: make(map[string]bool),
	}
}

// ServerID returns this process's cluster identity.
func (e *Engine) ServerID() string { return e.serverID }

// Deploy registers channel ch with its already-built pipeline and
// source connector, in DEPLOYED (stopped) state (spec §4.8 "deploy").
func (e *Engine) Deploy(ctx context.Context, ch *model.Channel, pipeline Receiver, source connector.Source) error {
	if err := ch.Validate(); err != nil {
		return engineerr.ConfigurationWrap("deploy channel "+ch.ID, err)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.channels[ch.ID]; exists {
		return engineerr.Conflict("channel " + ch.ID + " already deployed")
	}
	e.channels[ch.ID] = &entry{channel: ch, pipeline: pipeline, source: source, state: StateDeployed}

	if sr, ok := pipeline.(ScriptRunner); ok {
		if err := sr.RunDeployScript(ctx); err != nil {
			delete(e.channels, ch.ID)
			return err
		}
	}

	e.publish(ch.ID, "DEPLOYED")
	return nil
}

// Undeploy removes a deployed channel, stopping it first if needed
// (spec §4.8 "undeploy").
func (e *Engine) Undeploy(ctx context.Context, channelID string) error {
	e.mu.Lock()
	ent, ok := e.channels[channelID]
	e.mu.Unlock()
	if !ok {
		return engineerr.Configuration("channel " + channelID + " not deployed")
	}
	if ent.state == StateStarted || ent.state == StatePaused {
		if err := e.Stop(ctx, channelID); err != nil {
			return err
		}
	}

	if sr, ok := ent.pipeline.(ScriptRunner); ok {
		if err := sr.RunUndeployScript(ctx); err != nil {
			return err
		}
	}

	e.mu.Lock()
	delete(e.channels, channelID)
	delete(e.promoted, channelID)
	e.mu.Unlock()
	if e.leases != nil {
		e.leases.Stop(channelID)
	}
	e.publish(channelID, "UNDEPLOYED")
	return nil
}

// Start transitions a channel to STARTED, launching its source
// connector directly (event-driven) or behind the polling lease
// (poll-driven), gated by shadow mode (spec §4.8).
func (e *Engine) Start(ctx context.Context, channelID string) error {
	e.mu.Lock()
	ent, ok := e.channels[channelID]
	if !ok {
		e.mu.Unlock()
		return engineerr.Configuration("channel " + channelID + " not deployed")
	}
	if ent.state != StateDeployed && ent.state != StatePaused {
		e.mu.Unlock()
		return engineerr.Conflict(fmt.Sprintf("channel %s cannot start from state %s", channelID, ent.state))
	}
	if e.shadow && !e.promoted[channelID] {
		e.mu.Unlock()
		return engineerr.Conflict("channel " + channelID + " is not promoted; shadow mode blocks source start")
	}
	runCtx, cancel := context.WithCancel(ctx)
	ent.cancel = cancel
	ent.state = StateStarted
	e.mu.Unlock()

	receive := func(ctx context.Context, raw []byte, sourceMap map[string]interface{}) error {
		return ent.pipeline.Receive(ctx, raw, sourceMap)
	}

	if ent.source.PollDriven() && e.leases != nil {
		e.leases.Run(runCtx, channelID, func(held bool) {
			if held {
				if err := ent.source.Start(runCtx, receive); err != nil {
					e.log.WithError(err).Warnf("channel %s: source start failed after acquiring lease", channelID)
				}
			} else {
				_ = ent.source.Stop(runCtx)
			}
		})
	} else if err := ent.source.Start(runCtx, receive); err != nil {
		e.mu.Lock()
		ent.state = StateDeployed
		e.mu.Unlock()
		return engineerr.TransportWrap("start source for channel "+channelID, err)
	}

	e.publish(channelID, "STARTED")
	return nil
}

// Stop transitions STARTED/PAUSED → DEPLOYED, waiting up to the
// configured grace period for the source to stop cleanly. If the source
// has not stopped by the time the grace period expires, Stop escalates
// to Halt: in-flight dispatches are interrupted via context cancellation
// and their connector messages are marked ERROR with a Halted error code
// (spec §4.8 "stop waits up to a configurable grace period").
func (e *Engine) Stop(ctx context.Context, channelID string) error {
	e.mu.Lock()
	ent, ok := e.channels[channelID]
	e.mu.Unlock()
	if !ok {
		return engineerr.Configuration("channel " + channelID + " not deployed")
	}

	e.mu.Lock()
	ent.state = StateStopping
	e.mu.Unlock()

	if e.leases != nil && ent.source.PollDriven() {
		e.leases.Stop(channelID)
	}

	stopped := make(chan error, 1)
	go func() { stopped <- ent.source.Stop(ctx) }()

	select {
	case err := <-stopped:
		if err != nil {
			e.log.WithError(err).Warnf("channel %s: source stop returned an error", channelID)
		}
	case <-time.After(e.stopGracePeriod):
		e.log.Warnf("channel %s: stop grace period of %s expired; halting", channelID, e.stopGracePeriod)
		if err := e.Halt(ctx, channelID); err != nil {
			return err
		}
		return engineerr.Halted(fmt.Sprintf("channel %s: stop grace period expired", channelID))
	}

	if ent.cancel != nil {
		ent.cancel()
	}

	e.mu.Lock()
	ent.state = StateDeployed
	e.mu.Unlock()
	e.publish(channelID, "DEPLOYED")
	return nil
}

// Pause transitions STARTED → PAUSED: the source connector is stopped
// (no new messages accepted) but the channel stays registered, able to
// resume without a full redeploy.
func (e *Engine) Pause(ctx context.Context, channelID string) error {
	e.mu.Lock()
	ent, ok := e.channels[channelID]
	e.mu.Unlock()
	if !ok {
		return engineerr.Configuration("channel " + channelID + " not deployed")
	}
	if ent.state != StateStarted {
		return engineerr.Conflict(fmt.Sprintf("channel %s cannot pause from state %s", channelID, ent.state))
	}
	if e.leases != nil && ent.source.PollDriven() {
		e.leases.Stop(channelID)
	}
	if err := ent.source.Stop(ctx); err != nil {
		e.log.WithError(err).Warnf("channel %s: source stop returned an error during pause", channelID)
	}
	e.mu.Lock()
	ent.state = StatePaused
	e.mu.Unlock()
	e.publish(channelID, "PAUSED")
	return nil
}

// Resume transitions PAUSED → STARTED.
func (e *Engine) Resume(ctx context.Context, channelID string) error {
	return e.Start(ctx, channelID)
}

// Halt forcibly aborts a channel regardless of state, marking it
// HALTED; in-flight dispatches are expected to observe context
// cancellation and move to ERROR with a Halted error code (spec §4.8,
// §5 cancellation).
func (e *Engine) Halt(ctx context.Context, channelID string) error {
	e.mu.Lock()
	ent, ok := e.channels[channelID]
	e.mu.Unlock()
	if !ok {
		return engineerr.Configuration("channel " + channelID + " not deployed")
	}
	if e.leases != nil {
		e.leases.Stop(channelID)
	}
	if ent.cancel != nil {
		ent.cancel()
	}
	_ = ent.source.Stop(ctx)

	e.markInFlightHalted(ctx, channelID)

	e.mu.Lock()
	ent.state = StateHalted
	e.mu.Unlock()
	e.publish(channelID, "HALTED")
	return nil
}

// markInFlightHalted moves every non-terminal connector message for
// channelID to ERROR with the Halted error code (spec §4.8, §5
// cancellation). A nil store (e.g. in tests) makes this a no-op.
func (e *Engine) markInFlightHalted(ctx context.Context, channelID string) {
	if e.store == nil {
		return
	}
	n, err := e.store.MarkInFlightHalted(ctx, channelID, string(engineerr.CodeHalted))
	if err != nil {
		e.log.WithError(err).Warnf("channel %s: failed to mark in-flight connector messages halted", channelID)
		return
	}
	if n > 0 {
		e.log.Warnf("channel %s: marked %d in-flight connector message(s) ERROR/%s", channelID, n, engineerr.CodeHalted)
	}
}

// State returns channelID's current lifecycle state.
func (e *Engine) State(channelID string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ent, ok := e.channels[channelID]
	if !ok {
		return StateUndeployed, false
	}
	return ent.state, true
}

// ChannelIDs returns every currently-deployed channel id.
func (e *Engine) ChannelIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.channels))
	for id := range e.channels {
		ids = append(ids, id)
	}
	return ids
}

// StartAll starts every deployed channel, collecting per-channel errors
// (spec §4.8 "deployAll / ... / redeployAll — iterate").
func (e *Engine) StartAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, id := range e.ChannelIDs() {
		results[id] = e.Start(ctx, id)
	}
	return results
}

// StopAll stops every deployed channel, collecting per-channel errors.
func (e *Engine) StopAll(ctx context.Context) map[string]error {
	results := make(map[string]error)
	for _, id := range e.ChannelIDs() {
		results[id] = e.Stop(ctx, id)
	}
	return results
}

// Promote marks channelID eligible to start its source connector while
// shadow mode is active (spec §4.8 "Promotion is per-channel").
func (e *Engine) Promote(channelID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.promoted[channelID] = true
}

// ShadowMode reports whether shadow mode is currently active.
func (e *Engine) ShadowMode() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shadow
}

// Promoted reports whether channelID is promoted.
func (e *Engine) Promoted(channelID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.promoted[channelID]
}

// Cutover promotes every deployed channel and disables shadow mode
// atomically from the caller's perspective, then best-effort starts
// every channel in the DEPLOYED state; paused or halted channels are
// left as they are (spec §4.8 "a full cutover
// promotes every deployed channel and disables shadow mode atomically
// ...; errors reported per channel").
func (e *Engine) Cutover(ctx context.Context) map[string]error {
	e.mu.Lock()
	for id := range e.channels {
		e.promoted[id] = true
	}
	e.shadow = false
	ids := make([]string, 0, len(e.channels))
	for id, ent := range e.channels {
		if ent.state == StateDeployed {
			ids = append(ids, id)
		}
	}
	e.mu.Unlock()

	results := make(map[string]error)
	for _, id := range ids {
		results[id] = e.Start(ctx, id)
	}
	return results
}

func (e *Engine) publish(channelID, event string) {
	if e.bus == nil {
		return
	}
	payload := fmt.Sprintf(`{"channelId":%q,"event":%q,"serverId":%q}`, channelID, event, e.serverID)
	if err := e.bus.Publish(context.Background(), channelID, []byte(payload)); err != nil {
		e.log.WithError(err).Warn("failed to publish channel lifecycle event")
	}
}
