// Package server assembles the controller: stores, the alarm machine,
// the rule engine and dispatcher, the integration clients and the HTTP
// API. main builds a Server, calls Run and waits.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-logr/zapr"
	"go.uber.org/zap"

	"github.com/hearthside-labs/vigil/internal/actions"
	"github.com/hearthside-labs/vigil/internal/alarm"
	"github.com/hearthside-labs/vigil/internal/broadcast"
	"github.com/hearthside-labs/vigil/internal/clock"
	"github.com/hearthside-labs/vigil/internal/config"
	"github.com/hearthside-labs/vigil/internal/detection"
	"github.com/hearthside-labs/vigil/internal/dispatch"
	"github.com/hearthside-labs/vigil/internal/engine"
	"github.com/hearthside-labs/vigil/internal/entity"
	"github.com/hearthside-labs/vigil/internal/events"
	"github.com/hearthside-labs/vigil/internal/integrations/frigate"
	"github.com/hearthside-labs/vigil/internal/integrations/homeassistant"
	"github.com/hearthside-labs/vigil/internal/integrations/zigbee2mqtt"
	"github.com/hearthside-labs/vigil/internal/integrations/zwavejs"
	"github.com/hearthside-labs/vigil/internal/notify"
	"github.com/hearthside-labs/vigil/internal/rulelog"
	"github.com/hearthside-labs/vigil/internal/rules"
	"github.com/hearthside-labs/vigil/internal/settings"
)

// Build metadata, injected at link time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// mirrorEntityID is the synthetic panel entity the alarm machine's
// transitions are reflected into, so state-triggered rules can react
// to the alarm like any other entity.
const mirrorEntityID = "alarm_control_panel.vigil"

// notifyRatePerHour bounds outbound notifications across all providers.
const notifyRatePerHour = 60

// Server owns every subsystem of the controller.
type Server struct {
	cfg config.Config
	log *zap.Logger
	bus *events.Bus

	entities   *entity.Store
	detections *detection.Store
	settings   *settings.Store
	alarmStore *alarm.Store
	ruleStore  *rules.Store
	runtime    *rules.RuntimeStore
	ruleLog    *rulelog.Store

	machine     *alarm.Machine
	notifier    *notify.Dispatcher
	executor    *actions.Executor
	engine      *engine.Engine
	dispatcher  *dispatch.Dispatcher
	hub         *broadcast.Hub
	broadcaster *broadcast.Broadcaster

	ha  *homeassistant.Client
	z2m *zigbee2mqtt.Bridge
	frg *frigate.Bridge
	zw  *zwavejs.Client

	httpServer *http.Server
	started    time.Time
}

// New wires a Server from configuration. Nothing is started yet; Run
// does that.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		log:     logger,
		bus:     events.NewBus(256),
		started: time.Now(),
	}

	if err := s.initStores(); err != nil {
		s.Close()
		return nil, err
	}
	if err := s.initAlarm(); err != nil {
		s.Close()
		return nil, err
	}
	s.initIntegrations()
	s.initEngine()
	if err := s.initDispatcher(); err != nil {
		s.Close()
		return nil, err
	}
	s.initBroadcast()

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      maxBodySizeMiddleware(mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
	return s, nil
}

func (s *Server) initStores() error {
	var err error
	if s.entities, err = openStore(s.log, s.storePath("entities.db"), entity.NewStore); err != nil {
		return fmt.Errorf("open entity store: %w", err)
	}
	if s.detections, err = openStore(s.log, s.storePath("detections.db"), detection.NewStore); err != nil {
		return fmt.Errorf("open detection store: %w", err)
	}
	if s.settings, err = openStore(s.log, s.storePath("settings.db"), settings.NewStore); err != nil {
		return fmt.Errorf("open settings store: %w", err)
	}
	if s.alarmStore, err = openStore(s.log, s.storePath("alarm.db"), alarm.NewStore); err != nil {
		return fmt.Errorf("open alarm store: %w", err)
	}
	if s.ruleStore, err = openStore(s.log, s.storePath("rules.db"), rules.NewStore); err != nil {
		return fmt.Errorf("open rule store: %w", err)
	}
	if s.runtime, err = openStore(s.log, s.storePath("rule_runtime.db"), rules.NewRuntimeStore); err != nil {
		return fmt.Errorf("open rule runtime store: %w", err)
	}
	if s.ruleLog, err = openStore(s.log, s.storePath("rule_logs.db"), rulelog.NewStore); err != nil {
		return fmt.Errorf("open rule log store: %w", err)
	}
	return nil
}

// storePath places a database under the data dir, or in memory when the
// directory cannot be created.
func (s *Server) storePath(name string) string {
	if err := os.MkdirAll(s.cfg.DataDir, 0o750); err != nil {
		s.log.Warn("data dir unavailable, using in-memory database",
			zap.String("dir", s.cfg.DataDir), zap.Error(err))
		return ":memory:"
	}
	return filepath.Join(s.cfg.DataDir, name)
}

// openStore opens a database-backed store, falling back to in-memory
// when the on-disk file cannot be opened.
func openStore[T any](log *zap.Logger, path string, open func(string) (T, error)) (T, error) {
	st, err := open(path)
	if err == nil || path == ":memory:" {
		return st, err
	}
	log.Warn("cannot open database, falling back to in-memory",
		zap.String("path", path), zap.Error(err))
	return open(":memory:")
}

func (s *Server) initAlarm() error {
	machine, err := alarm.NewMachine(s.alarmStore, s.settings, s.bus, clock.System(), s.log.Named("alarm"))
	if err != nil {
		return fmt.Errorf("alarm machine: %w", err)
	}
	s.machine = machine
	return nil
}

func (s *Server) initIntegrations() {
	sub := dispatcherSubmitter{s: s}
	if s.cfg.HasHomeAssistant() {
		s.ha = homeassistant.New(s.cfg.HomeAssistant.URL, s.cfg.HomeAssistant.Token,
			s.entities, sub, s.bus, s.log.Named("homeassistant"))
	} else if s.cfg.HomeAssistant.URL != "" {
		s.log.Warn("home assistant URL set without token, integration disabled")
	}
	if s.cfg.HasMQTT() {
		if s.cfg.MQTT.Zigbee2mqttTopic != "" {
			s.z2m = zigbee2mqtt.New(s.cfg.MQTT, s.entities, sub, s.bus, s.log.Named("zigbee2mqtt"))
		}
		if s.cfg.MQTT.FrigateTopic != "" {
			s.frg = frigate.New(s.cfg.MQTT, s.detections, s.entities, sub, s.bus, s.log.Named("frigate"))
		}
	}
	if s.cfg.HasZWaveJS() {
		s.zw = zwavejs.New(s.cfg.ZWaveJS.URL, s.entities, sub, s.bus, s.log.Named("zwavejs"))
	}
}

func (s *Server) initEngine() {
	s.notifier = s.buildNotifier()

	gw := actions.Gateways{Alarm: s.machine, Notifier: s.notifier}
	if s.ha != nil {
		gw.HomeAssistant = s.ha
	}
	if s.z2m != nil {
		gw.Zigbee2mqtt = s.z2m
	}
	if s.zw != nil {
		gw.ZWave = s.zw
	}
	s.executor = actions.NewExecutor(actions.DefaultRegistry(), gw, s.log.Named("actions"))

	s.engine = engine.New(engine.Config{
		Runtime:    s.runtime,
		Executor:   s.executor,
		History:    s.ruleLog,
		Bus:        s.bus,
		Detections: s.detections,
		Alarm:      s.machine,
		Policy:     rules.DefaultPolicy(),
		Log:        s.log.Named("engine"),
	})
}

func (s *Server) buildNotifier() *notify.Dispatcher {
	providers, err := notify.FromConfig(s.cfg.Notify)
	if err != nil {
		s.log.Warn("notification providers disabled", zap.Error(err))
		providers = nil
	}
	limiter := notify.NewRateLimiter(notifyRatePerHour)
	return notify.NewDispatcher(providers, limiter, zapr.NewLogger(s.log.Named("notify")))
}

func (s *Server) initDispatcher() error {
	doc, err := s.settings.Document()
	if err != nil {
		return fmt.Errorf("load settings: %w", err)
	}

	var locker dispatch.BatchLocker
	if s.cfg.HasRedis() {
		rl, err := dispatch.NewRedisLocker(s.cfg.Redis.Addr, s.cfg.Redis.Password, s.cfg.Redis.DB)
		if err != nil {
			s.log.Warn("redis locker unavailable, using in-process locks", zap.Error(err))
		} else {
			locker = rl
		}
	}

	s.dispatcher = dispatch.New(dispatch.ConfigFrom(doc.Dispatcher), dispatch.Deps{
		Rules:    s.ruleStore,
		Runtime:  s.runtime,
		Entities: s.entities,
		Engine:   s.engine,
		Locker:   locker,
		Clock:    clock.System(),
		Bus:      s.bus,
		Log:      s.log.Named("dispatch"),
	})
	return nil
}

func (s *Server) initBroadcast() {
	s.hub = broadcast.NewHub(s.log.Named("ws"))
	s.broadcaster = broadcast.New(s.hub, s.bus, s.log.Named("broadcast"))
}

// dispatcherSubmitter defers the dispatcher lookup to call time so the
// integration clients can be built before the dispatcher exists.
type dispatcherSubmitter struct{ s *Server }

func (d dispatcherSubmitter) Submit(source string, entityIDs []string, changedAt *time.Time) {
	if d.s.dispatcher != nil {
		d.s.dispatcher.Submit(source, entityIDs, changedAt)
	}
}

// Run starts every subsystem and serves HTTP until ctx is cancelled or
// the listener fails.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.machine.Run(ctx)
	go s.dispatcher.Run(ctx)
	go s.broadcaster.Run(ctx)
	go s.notifier.Run(ctx)
	go s.alarmMirrorLoop(ctx)
	go s.maintenanceLoop(ctx)

	if s.ha != nil {
		go func() { _ = s.ha.Run(ctx) }()
	}
	if s.z2m != nil {
		go func() { _ = s.z2m.Run(ctx) }()
	}
	if s.frg != nil {
		go func() { _ = s.frg.Run(ctx) }()
	}
	if s.zw != nil {
		go func() { _ = s.zw.Run(ctx) }()
	}

	s.log.Info("vigil listening",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.String("commit", Commit))

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.HasTLS() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return s.httpServer.Shutdown(shutdownCtx)
}

// alarmMirrorLoop reflects committed alarm transitions into the entity
// store and feeds them back through the dispatcher, so rules can key
// off the panel entity like any sensor.
func (s *Server) alarmMirrorLoop(ctx context.Context) {
	ch := s.bus.Subscribe("alarm-mirror")
	defer s.bus.Unsubscribe("alarm-mirror")
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			if evt.Type != events.AlarmStateCommitted {
				continue
			}
			snap, ok := evt.Detail.(alarm.Snapshot)
			if !ok {
				continue
			}
			s.mirrorAlarm(snap, evt.Timestamp)
		}
	}
}

func (s *Server) mirrorAlarm(snap alarm.Snapshot, at time.Time) {
	if at.IsZero() {
		at = time.Now().UTC()
	}
	attrs := map[string]any{
		"previous_state": string(snap.Previous),
		"profile_id":     snap.ProfileID,
		"changed_by":     snap.LastTransitionBy,
		"reason":         snap.LastTransitionReason,
	}
	res, err := s.entities.Upsert(mirrorEntityID, string(snap.State), at, "alarm", attrs)
	if err != nil {
		s.log.Warn("mirror alarm state", zap.Error(err))
		return
	}
	if res.Changed {
		s.dispatcher.Submit("alarm", []string{mirrorEntityID}, &at)
	}
}

// Close releases store handles. Safe on a partially-built Server, so
// New can call it on its own failure paths.
func (s *Server) Close() {
	if s.ruleLog != nil {
		_ = s.ruleLog.Close()
	}
	if s.runtime != nil {
		_ = s.runtime.Close()
	}
	if s.ruleStore != nil {
		_ = s.ruleStore.Close()
	}
	if s.alarmStore != nil {
		_ = s.alarmStore.Close()
	}
	if s.settings != nil {
		_ = s.settings.Close()
	}
	if s.detections != nil {
		_ = s.detections.Close()
	}
	if s.entities != nil {
		_ = s.entities.Close()
	}
}
