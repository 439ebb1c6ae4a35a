// Package app is the engine's composition root: it wires the store,
// cluster coordination primitives, queueing, connectors, the script
// engine, and the channel pipeline into a running Engine, the way the
// teacher's cmd/appserver/main.go plus internal/app.New composes its
// own application object.
package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/hcengine/integration-engine/internal/cluster/eventbus"
	"github.com/hcengine/integration-engine/internal/cluster/kvmap"
	"github.com/hcengine/integration-engine/internal/cluster/lease"
	"github.com/hcengine/integration-engine/internal/config"
	"github.com/hcengine/integration-engine/internal/crypto"
	"github.com/hcengine/integration-engine/internal/datatype"
	"github.com/hcengine/integration-engine/internal/engine"
	"github.com/hcengine/integration-engine/internal/engineerr"
	"github.com/hcengine/integration-engine/internal/logging"
	"github.com/hcengine/integration-engine/internal/metrics"
	"github.com/hcengine/integration-engine/internal/model"
	"github.com/hcengine/integration-engine/internal/pipeline"
	"github.com/hcengine/integration-engine/internal/queue"
	"github.com/hcengine/integration-engine/internal/script"
	"github.com/hcengine/integration-engine/internal/store"
	"github.com/hcengine/integration-engine/internal/store/sequence"
)

// App owns every long-lived collaborator the engine needs and exposes
// DeployChannel as the one entry point cmd/enginectl uses to
// bring a configured channel to life.
type App struct {
	Config    *config.Config
	Store     store.Store
	Sequence  *sequence.Allocator
	Encryptor crypto.Encryptor
	EventBus  eventbus.Bus
	Leases    *lease.Manager
	DataTypes *datatype.Registry
	Script    *script.Engine
	Metrics   *metrics.Metrics
	Engine    *engine.Engine
	Log       *logging.Logger

	globalMap        *kvmap.WriteThroughMap
	globalChannelMaps map[string]*kvmap.WriteThroughMap
	configMap        *kvmap.ConfigurationMap
	mapBackend       kvmap.Backend
}

// New builds every collaborator from cfg and returns a ready-to-deploy App.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	log := logging.New(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format, Output: cfg.Logging.Output})

	encryptor, err := buildEncryptor(cfg)
	if err != nil {
		return nil, err
	}

	st, err := buildStore(ctx, cfg, encryptor)
	if err != nil {
		return nil, err
	}

	mapBackend, err := buildMapBackend(cfg, st)
	if err != nil {
		return nil, err
	}

	bus, err := buildEventBus(ctx, cfg, st, log)
	if err != nil {
		return nil, err
	}

	reg := datatype.NewRegistry()
	seq := sequence.New(st, cfg.Sequence.BlockSize)
	leases := lease.New(st, cfg.Cluster.ServerID, cfg.Cluster.LeaseTTL, log.With("component", "lease"))
	scriptEngine := script.New(script.Config{}, log.With("component", "script"))
	m := metrics.New(prometheus.NewRegistry())
	eng := engine.New(engine.Config{
		ShadowMode:      cfg.Engine.ShadowMode,
		ServerID:        cfg.Cluster.ServerID,
		StopGracePeriod: cfg.Engine.StopGracePeriod,
	}, leases, bus, st, log.With("component", "engine"))

	globalMap := kvmap.NewWriteThroughMap(mapBackend, kvmap.GlobalScope, log)
	if err := globalMap.Refresh(ctx); err != nil {
		log.WithError(err).Warn("initial globalMap refresh failed")
	}
	configMap := kvmap.NewConfigurationMap(ctx, mapBackend, 30*time.Second, log)

	a := &App{
		Config: cfg, Store: st, Sequence: seq, Encryptor: encryptor,
		EventBus: bus, Leases: leases, DataTypes: reg, Script: scriptEngine,
		Metrics: m, Engine: eng, Log: log,
		globalMap: globalMap, globalChannelMaps: make(map[string]*kvmap.WriteThroughMap),
		configMap: configMap, mapBackend: mapBackend,
	}
	return a, nil
}

func buildEncryptor(cfg *config.Config) (crypto.Encryptor, error) {
	if cfg.Security.MasterKeyPath == "" {
		return crypto.NoopEncryptor{}, nil
	}
	secret, err := os.ReadFile(cfg.Security.MasterKeyPath)
	if err != nil {
		return nil, engineerr.ConfigurationWrap("read master key material", err)
	}
	return crypto.NewAESGCM(secret, "integration-engine/content")
}

func buildStore(ctx context.Context, cfg *config.Config, encryptor crypto.Encryptor) (store.Store, error) {
	if cfg.Database.DSN == "" {
		return store.NewMemoryStore(), nil
	}
	return store.Open(ctx, cfg.Database.DSN, encryptor)
}

func buildMapBackend(cfg *config.Config, st store.Store) (kvmap.Backend, error) {
	switch cfg.Cluster.MapBackend {
	case "", "memory":
		return kvmap.NewInMemory(), nil
	case "database":
		return kvmap.NewDatabase(st), nil
	case "redis":
		client, err := newRedisClient(cfg)
		if err != nil {
			return nil, err
		}
		return kvmap.NewRedis(client), nil
	default:
		return nil, engineerr.Configuration("unknown cluster map backend: " + cfg.Cluster.MapBackend)
	}
}

func buildEventBus(ctx context.Context, cfg *config.Config, st store.Store, log *logging.Logger) (eventbus.Bus, error) {
	switch cfg.Cluster.EventBusBackend {
	case "", "local":
		return eventbus.NewLocal(), nil
	case "database":
		return eventbus.NewDatabasePolling(ctx, eventStoreAdapter{st: st}, cfg.Cluster.ServerID, 2*time.Second, log), nil
	case "redis":
		client, err := newRedisClient(cfg)
		if err != nil {
			return nil, err
		}
		return eventbus.NewRedis(client, log), nil
	default:
		return nil, engineerr.Configuration("unknown cluster event bus backend: " + cfg.Cluster.EventBusBackend)
	}
}

func newRedisClient(cfg *config.Config) (*redis.Client, error) {
	if cfg.Redis.Address == "" {
		return nil, engineerr.Configuration("redis address not configured")
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}), nil
}

// DeployChannel builds a pipeline and its source/destination
// connectors for ch and registers it with the Engine in DEPLOYED state
// (spec §4.8 "deploy").
func (a *App) DeployChannel(ctx context.Context, ch *model.Channel) error {
	if err := a.Store.DeployChannel(ctx, ch); err != nil {
		return err
	}

	src, err := buildSource(ch.Source)
	if err != nil {
		return err
	}

	dests := make([]*pipeline.Destination, 0, len(ch.Destinations))
	for _, destCfg := range ch.Destinations {
		conn, err := buildDestination(destCfg)
		if err != nil {
			return err
		}
		if err := conn.Start(ctx); err != nil {
			return engineerr.TransportWrap(fmt.Sprintf("start destination %s", destCfg.Name), err)
		}

		dt := a.DataTypes.MustGet(destCfg.DataType)
		d := &pipeline.Destination{Config: destCfg, Conn: conn, DataType: dt}
		dests = append(dests, d)
	}

	maps := pipeline.Maps{
		GlobalMap:        script.NewBackendMapView(a.globalMapFor()),
		GlobalChannelMap: script.NewBackendMapView(a.channelMapFor(ch.ID)),
		ConfigurationMap: script.NewBackendMapView(a.configMap.WriteThroughMap),
	}

	pl := pipeline.New(ch, a.Store, a.Sequence, a.Script, a.DataTypes, dests, maps, a.Log.With("channel", ch.ID))

	// Destination queues need the pipeline's dispatch/result callbacks,
	// so they're built after pl exists and assigned onto the same
	// *Destination pointers pl already holds.
	for i, destCfg := range ch.Destinations {
		if !destCfg.QueueEnabled {
			continue
		}
		d := dests[i]
		backend := queueStoreAdapter{st: a.Store, channelID: ch.ID, destinationName: destCfg.Name}
		qCfg := queue.Config{
			Policy:          queue.Policy(destCfg.QueuePolicy),
			RetryCount:      destCfg.RetryCount,
			RetryInterval:   time.Duration(destCfg.RetryIntervalMS) * time.Millisecond,
			Parallelism:     destCfg.Parallelism,
			RateLimitPerSec: destCfg.RateLimitPerSec,
			SendFirst:       destCfg.SendFirst,
		}
		onResult := func(messageID int64, metaDataID int, terminal string, err error) {
			pl.HandleQueueResult(context.Background(), messageID, metaDataID, terminal, err)
		}
		d.Queue = queue.New(qCfg, backend, pl.DispatchFromQueue(d), onResult, a.Log.With("destination", destCfg.Name))
		d.Queue.Start(ctx)
	}

	return a.Engine.Deploy(ctx, ch, pl, src)
}

func (a *App) globalMapFor() *kvmap.WriteThroughMap { return a.globalMap }

func (a *App) channelMapFor(channelID string) *kvmap.WriteThroughMap {
	if m, ok := a.globalChannelMaps[channelID]; ok {
		return m
	}
	m := kvmap.NewWriteThroughMap(a.mapBackend, kvmap.ChannelScope(channelID), a.Log)
	a.globalChannelMaps[channelID] = m
	return m
}
