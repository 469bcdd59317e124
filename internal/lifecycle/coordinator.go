// Package lifecycle drives the framework's state machine: bring-up,
// registration, server connection, synchronization, steady state and
// recovery. The host calls Tick once per loop iteration; everything that
// mutates coordinator state runs on that goroutine.
package lifecycle

import (
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"apframework.dev/internal/apserver"
	"apframework.dev/internal/capability"
	"apframework.dev/internal/config"
	"apframework.dev/internal/ipc"
	"apframework.dev/internal/logging"
	"apframework.dev/internal/poller"
	"apframework.dev/internal/protocol"
	"apframework.dev/internal/registry"
	"apframework.dev/internal/router"
	"apframework.dev/internal/session"
)

const saveInterval = 30 * time.Second

// Recorder receives material events for out-of-band persistence (journal,
// index database). Implementations must not block.
type Recorder interface {
	RecordTransition(from, to, message string)
	RecordItem(itemID int64, itemName, sender, modID string)
	RecordCheck(locationID int64, modID string)
	RecordError(code, message, details string)
}

type Coordinator struct {
	log     *logging.Logger
	cfg     config.Config
	baseDir string

	registry *registry.Registry
	caps     *capability.Table
	store    *session.Store
	ipc      *ipc.Server
	adapter  *apserver.Adapter
	worker   *poller.Worker
	router   *router.Router

	recorders []Recorder

	state   atomic.Int32
	entered time.Time // main-goroutine only

	// Main-goroutine bookkeeping.
	stateLoaded        bool
	reconnectAttempted bool
	lastSave           time.Time
	lastSlotInfo       *apserver.SlotInfo
	lastIPCDropped     uint64
	lastEventDropped   uint64
	pendingActions     map[int64]router.PendingAction
}

// New wires the component graph. Nothing is started until Init.
func New(cfg config.Config, baseDir string, log *logging.Logger) *Coordinator {
	c := &Coordinator{
		log:            log,
		cfg:            cfg,
		baseDir:        baseDir,
		pendingActions: make(map[int64]router.PendingAction),
	}

	c.registry = registry.New(log)
	c.caps = capability.NewTable(log)
	c.store = session.NewStore(filepath.Join(baseDir, "session_state.json"), log)
	c.ipc = ipc.NewServer(log, cfg.Threading.QueueMaxSize,
		time.Duration(cfg.Timeouts.IPCMessageMS)*time.Millisecond)
	c.adapter = apserver.New(log, cfg.Retry)
	c.worker = poller.NewWorker(log, c.adapter,
		time.Duration(cfg.Threading.PollingIntervalMS)*time.Millisecond,
		cfg.Threading.QueueMaxSize)
	c.router = router.New(log, c.caps, c.store)

	c.router.IPCSend = c.ipc.Send
	c.router.IPCBroadcast = c.ipc.Broadcast
	c.router.APLocationChecks = c.adapter.SendLocationChecks
	c.router.APLocationScouts = c.adapter.SendLocationScouts

	c.adapter.SetNameResolver(func(itemID int64) string {
		if item, ok := c.caps.ItemByID(itemID); ok {
			return item.ItemName
		}
		return ""
	})

	c.ipc.SetMessageHandler(c.handleIPCMessage)

	return c
}

// AddRecorder attaches a journal or index sink. Call before Init.
func (c *Coordinator) AddRecorder(r Recorder) {
	c.recorders = append(c.recorders, r)
}

func (c *Coordinator) State() State { return State(c.state.Load()) }

func (c *Coordinator) IsActive() bool {
	s := c.State()
	return s == Active || s == Resyncing
}

func (c *Coordinator) IsError() bool { return c.State() == ErrorState }

// Component accessors, mainly for the host process and tests.
func (c *Coordinator) Registry() *registry.Registry    { return c.registry }
func (c *Coordinator) Capabilities() *capability.Table { return c.caps }
func (c *Coordinator) Store() *session.Store           { return c.store }
func (c *Coordinator) Router() *router.Router          { return c.router }
func (c *Coordinator) IPC() *ipc.Server                { return c.ipc }
func (c *Coordinator) Adapter() *apserver.Adapter      { return c.adapter }
func (c *Coordinator) Worker() *poller.Worker          { return c.worker }

func (c *Coordinator) gameName() string {
	if c.cfg.GameName != "" {
		return c.cfg.GameName
	}
	return "APFramework"
}

// Init walks bring-up through the registration window: start the IPC
// channel, discover manifests, validate, assign ids, emit the capabilities
// config. Validation conflicts land in ERROR_STATE; Init still returns nil
// so the host keeps ticking and a priority client can cmd_restart.
func (c *Coordinator) Init() error {
	c.transitionTo(Initialization, "starting framework")

	if err := c.ipc.Start("APFramework_" + c.gameName()); err != nil {
		c.transitionTo(ErrorState, "IPC bind failed")
		c.router.BroadcastError(protocol.CodeIPCFailed, "failed to bind IPC channel", err.Error())
		return err
	}

	c.bootstrap()
	return nil
}

// bootstrap runs DISCOVERY through the registration window. Shared by Init
// and cmd_restart.
func (c *Coordinator) bootstrap() {
	c.transitionTo(Discovery, "scanning for mods")
	c.caps.Clear()
	c.registry.Clear()
	c.registry.Discover(filepath.Join(c.baseDir, "mods"))
	for _, m := range c.registry.EnabledManifests() {
		c.caps.Add(m)
	}

	c.transitionTo(Validation, "validating capabilities")
	validation := c.caps.Validate()
	if !validation.OK {
		for _, conflict := range validation.Conflicts {
			c.log.Errorf("conflict: %s", conflict.Description)
		}
		c.transitionTo(ErrorState, "capability conflicts detected")
		first := validation.Conflicts[0]
		c.router.BroadcastError(protocol.CodeConflictDetected,
			"capability conflict in mod ecosystem", first.Description)
		c.recordError(protocol.CodeConflictDetected, "capability conflict", first.Description)
		return
	}

	c.transitionTo(Generation, "generating capabilities")
	base := c.cfg.IDBase
	if base == 0 {
		base = capability.DefaultBaseID
	}
	c.caps.AssignIDs(base)

	slot := c.cfg.APServer.SlotName
	game := c.gameName()
	checksum := c.caps.Checksum(game, slot)
	c.store.SetChecksum(checksum)
	c.store.SetIdentity(game, slot)

	if slot != "" {
		if _, err := c.caps.WriteConfig(c.baseDir, slot, game, time.Now()); err != nil {
			c.log.Errorf("write capabilities config: %v", err)
		}
	}

	c.transitionTo(PriorityRegistration, "waiting for priority clients")
	if len(c.registry.PriorityClients()) == 0 {
		c.transitionTo(Registration, "no priority clients")
	}
}

// Tick performs the per-iteration duties: drain both inbound queues, surface
// queue overflow, evaluate the current state's timeout, and heartbeat the
// session store while active.
func (c *Coordinator) Tick() {
	c.ipc.Poll()
	if c.worker.IsRunning() {
		c.worker.ProcessEvents(c.handleEvent)
	}
	c.reportDrops()
	c.expireActions()

	elapsed := time.Since(c.entered)

	switch c.State() {
	case PriorityRegistration:
		c.tickPriorityRegistration(elapsed)
	case Registration:
		c.tickRegistration(elapsed)
	case Connecting:
		c.tickConnecting(elapsed)
	case Syncing:
		c.tickSyncing()
	case Active:
		c.tickActive()
	case Resyncing:
		c.tickResyncing(elapsed)
	case ErrorState:
		// Held until cmd_restart or cmd_reconnect.
	}
}

func (c *Coordinator) tickPriorityRegistration(elapsed time.Duration) {
	if c.registry.AllPriorityRegistered() {
		c.transitionTo(Registration, "all priority clients registered")
		return
	}
	if elapsed >= time.Duration(c.cfg.Timeouts.PriorityRegistrationMS)*time.Millisecond {
		c.log.Warnf("priority registration timeout; continuing")
		c.router.BroadcastError(protocol.CodeRegistrationTimeout,
			"priority registration timed out", "")
		c.transitionTo(Registration, "priority registration timeout")
	}
}

func (c *Coordinator) tickRegistration(elapsed time.Duration) {
	if c.registry.AllRegistered() {
		c.transitionTo(Connecting, "all mods registered")
		c.startConnection()
		return
	}
	if elapsed >= time.Duration(c.cfg.Timeouts.RegistrationMS)*time.Millisecond {
		pending := c.registry.Pending()
		c.log.Warnf("registration timeout; %d mods pending: %v", len(pending), pending)
		c.router.BroadcastError(protocol.CodeRegistrationTimeout,
			"registration timed out", "")
		c.transitionTo(Connecting, "registration timeout")
		c.startConnection()
	}
}

func (c *Coordinator) tickConnecting(elapsed time.Duration) {
	if c.adapter.IsSlotAuthenticated() {
		c.transitionTo(Syncing, "connected to server")
		return
	}
	if elapsed >= time.Duration(c.cfg.Timeouts.ConnectionMS)*time.Millisecond {
		c.transitionTo(ErrorState, "connection timeout")
		c.router.BroadcastError(protocol.CodeConnectionFailed,
			"failed to connect to server", "connection timed out")
		c.recordError(protocol.CodeConnectionFailed, "connection timeout", "")
	}
}

func (c *Coordinator) tickSyncing() {
	if !c.stateLoaded {
		if _, err := c.store.Load(); err != nil {
			c.log.Errorf("load session state: %v", err)
		}
		c.stateLoaded = true
	}

	current := c.caps.Checksum(c.gameName(), c.cfg.APServer.SlotName)
	if !c.store.ValidateChecksum(current) {
		c.transitionTo(ErrorState, "checksum mismatch")
		c.router.BroadcastError(protocol.CodeChecksumMismatch,
			"mod ecosystem changed since generation", "regenerate the multiworld")
		c.recordError(protocol.CodeChecksumMismatch, "checksum mismatch", "")
		return
	}
	if c.store.Checksum() == "" {
		c.store.SetChecksum(current)
	}

	// The server is authoritative for the checked set on connect.
	if c.lastSlotInfo != nil {
		c.store.SetCheckedLocations(c.lastSlotInfo.CheckedLocations)
	}
	c.store.SetServerInfo(c.cfg.APServer.Server, c.cfg.APServer.Port)

	c.transitionTo(Active, "sync complete")
	c.adapter.SendStatus(apserver.StatusPlaying)
	c.saveState()
}

func (c *Coordinator) tickActive() {
	if time.Since(c.lastSave) >= saveInterval {
		c.saveState()
	}
}

func (c *Coordinator) tickResyncing(elapsed time.Duration) {
	if c.adapter.IsSlotAuthenticated() {
		if c.lastSlotInfo != nil {
			c.store.SetCheckedLocations(c.lastSlotInfo.CheckedLocations)
		}
		c.transitionTo(Active, "reconnected")
		return
	}
	if !c.reconnectAttempted {
		c.startConnection()
		c.reconnectAttempted = true
	}
	if elapsed >= 2*time.Duration(c.cfg.Timeouts.ConnectionMS)*time.Millisecond {
		c.transitionTo(ErrorState, "reconnection failed")
		c.router.BroadcastError(protocol.CodeConnectionFailed,
			"failed to reconnect to server", "")
		c.recordError(protocol.CodeConnectionFailed, "reconnection failed", "")
	}
}

// startConnection points the adapter at the configured server, stores slot
// credentials for the room_info handshake and makes sure the polling worker
// is running.
func (c *Coordinator) startConnection() {
	ap := c.cfg.APServer
	c.adapter.Connect(ap.Server, ap.Port, c.gameName(), "APFramework_"+uuid.NewString())
	c.adapter.ConnectSlot(ap.SlotName, ap.Password, apserver.ItemsHandlingAll)
	c.store.SetServerInfo(ap.Server, ap.Port)
	if !c.worker.IsRunning() {
		c.worker.Start()
	}
}

// Shutdown persists state, stops both workers and releases the IPC channel.
func (c *Coordinator) Shutdown() {
	c.log.Infof("framework shutting down")
	c.store.Touch()
	if err := c.store.Save(); err != nil {
		c.log.Errorf("save session state: %v", err)
	}
	c.worker.Stop(time.Duration(c.cfg.Threading.ShutdownTimeoutMS) * time.Millisecond)
	c.adapter.Disconnect()
	c.ipc.Stop()
	c.log.Infof("framework shutdown complete")
}

func (c *Coordinator) transitionTo(next State, message string) {
	old := c.State()
	c.state.Store(int32(next))
	c.entered = time.Now()

	c.log.Infof("state: %s -> %s (%s)", old, next, message)
	for _, r := range c.recorders {
		r.RecordTransition(old.String(), next.String(), message)
	}
	c.router.BroadcastLifecycle(next.String(), message)
}

func (c *Coordinator) saveState() {
	c.store.Touch()
	if err := c.store.Save(); err != nil {
		c.log.Errorf("save session state: %v", err)
	}
	c.lastSave = time.Now()
}

func (c *Coordinator) reportDrops() {
	if n := c.ipc.DroppedMessages(); n > c.lastIPCDropped {
		c.router.BroadcastError(protocol.CodeMessageDropped,
			"inbound IPC queue overflow", "")
		c.lastIPCDropped = n
	}
	if n := c.worker.DroppedEvents(); n > c.lastEventDropped {
		c.router.BroadcastError(protocol.CodeMessageDropped,
			"server event queue overflow", "")
		c.lastEventDropped = n
	}
}

// expireActions sweeps dispatched actions whose result never arrived within
// the configured deadline.
func (c *Coordinator) expireActions() {
	limit := time.Duration(c.cfg.Timeouts.ActionExecutionMS) * time.Millisecond
	if limit <= 0 || len(c.pendingActions) == 0 {
		return
	}
	for id, pa := range c.pendingActions {
		if time.Since(pa.StartedAt) < limit {
			continue
		}
		delete(c.pendingActions, id)
		c.log.Warnf("no action_result from %s for %s within %s", pa.ModID, pa.ItemName, limit)
		c.router.BroadcastError(protocol.CodeActionTimeout,
			"action did not complete: "+pa.ItemName, pa.ModID)
	}
}

func (c *Coordinator) recordError(code, message, details string) {
	for _, r := range c.recorders {
		r.RecordError(code, message, details)
	}
}
