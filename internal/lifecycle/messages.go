package lifecycle

import (
	"apframework.dev/internal/logging"
	"apframework.dev/internal/poller"
	"apframework.dev/internal/protocol"
)

// handleIPCMessage dispatches one inbound client message. It runs on the
// main goroutine via IPC Poll.
func (c *Coordinator) handleIPCMessage(clientID string, msg protocol.Message) {
	c.log.Debugf("IPC message from %s: %s", clientID, msg.Type)

	switch msg.Type {
	case protocol.TypeRegister:
		p, err := protocol.DecodePayload[protocol.RegisterPayload](msg)
		if err != nil {
			c.log.Warnf("bad register payload from %s: %v", clientID, err)
			return
		}
		c.registerMod(p.ModID, p.Version)

	case protocol.TypeLocationCheck:
		p, err := protocol.DecodePayload[protocol.LocationCheckPayload](msg)
		if err != nil {
			return
		}
		instance := p.Instance
		if instance < 1 {
			instance = 1
		}
		if id := c.router.RouteCheck(clientID, p.Location, instance); id != 0 {
			for _, r := range c.recorders {
				r.RecordCheck(id, clientID)
			}
			c.saveState()
		}

	case protocol.TypeLocationScout:
		p, err := protocol.DecodePayload[protocol.LocationScoutPayload](msg)
		if err != nil {
			return
		}
		c.router.RouteScouts(clientID, p.Locations, p.AsHint)

	case protocol.TypeActionResult:
		p, err := protocol.DecodePayload[protocol.ActionResultPayload](msg)
		if err != nil {
			return
		}
		delete(c.pendingActions, p.ItemID)
		c.router.HandleActionResult(clientID, p)
		c.saveState()

	case protocol.TypeLog:
		p, err := protocol.DecodePayload[protocol.LogPayload](msg)
		if err != nil {
			return
		}
		c.log.Logf(logging.ParseLevel(p.Level), "[%s] %s", clientID, p.Message)

	case protocol.TypeCallbackError:
		p, err := protocol.DecodePayload[protocol.CallbackErrorPayload](msg)
		if err != nil {
			return
		}
		c.log.Errorf("client callback error from %s: %s (%s)", clientID, p.ErrorType, p.Details)
		if p.ErrorType == "property" {
			c.router.BroadcastError(protocol.CodePropertyFailed,
				"property evaluation failed in "+clientID, p.Details)
		}

	case protocol.TypeGetMods:
		if !c.registry.IsPriority(clientID) {
			return
		}
		c.sendModList(clientID)

	case protocol.TypeCmdRestart:
		if c.registry.IsPriority(clientID) {
			c.CmdRestart()
		}
	case protocol.TypeCmdResync:
		if c.registry.IsPriority(clientID) {
			c.CmdResync()
		}
	case protocol.TypeCmdReconnect:
		if c.registry.IsPriority(clientID) {
			c.CmdReconnect()
		}

	default:
		c.log.Warnf("unknown IPC message type %q from %s; dropped", msg.Type, clientID)
	}
}

// registerMod applies the registration gating: registrations are accepted
// only inside the registration window, and regular mods must wait for
// REGISTRATION proper.
func (c *Coordinator) registerMod(modID, version string) {
	state := c.State()

	reject := func(reason string) {
		c.log.Warnf("registration rejected for %s: %s", modID, reason)
		c.sendRegistrationResponse(modID, false, reason)
	}

	if state != PriorityRegistration && state != Registration {
		reject("not in a registration phase")
		return
	}
	if state == PriorityRegistration && !c.registry.IsPriority(modID) {
		reject("regular mods register in REGISTRATION")
		return
	}
	if !c.registry.MarkRegistered(modID) {
		reject("unknown mod_id")
		return
	}

	c.log.Infof("mod registered: %s v%s", modID, version)
	c.sendRegistrationResponse(modID, true, "")
}

func (c *Coordinator) sendRegistrationResponse(modID string, success bool, reason string) {
	msg, err := protocol.NewMessage(protocol.TypeRegistrationResponse,
		protocol.TargetFramework, modID,
		protocol.RegistrationResponsePayload{Success: success, ModID: modID, Reason: reason})
	if err != nil {
		return
	}
	_ = c.ipc.Send(modID, msg)
}

func (c *Coordinator) sendModList(clientID string) {
	infos := c.registry.ModInfos()
	rows := make([]protocol.ModInfoRow, 0, len(infos))
	for _, info := range infos {
		rows = append(rows, protocol.ModInfoRow{
			ModID:      info.ModID,
			Name:       info.Name,
			Version:    info.Version,
			Priority:   info.Priority,
			Registered: info.Registered,
		})
	}
	msg, err := protocol.NewMessage(protocol.TypeGetModsResponse,
		protocol.TargetFramework, clientID,
		protocol.GetModsResponsePayload{Mods: rows})
	if err != nil {
		return
	}
	_ = c.ipc.Send(clientID, msg)
}

// handleEvent consumes one polling-worker event on the main goroutine.
func (c *Coordinator) handleEvent(ev poller.Event) {
	switch e := ev.(type) {
	case poller.ItemReceived:
		pending := c.router.RouteItemReceipt(e.Item.ItemID, e.Item.ItemName, e.Item.PlayerName)
		c.store.IncrementReceivedItemIndex()
		modID := ""
		if pending != nil {
			modID = pending.ModID
			c.pendingActions[pending.ItemID] = *pending
		} else if item, ok := c.caps.ItemByID(e.Item.ItemID); ok {
			modID = item.ModID
		}
		for _, r := range c.recorders {
			r.RecordItem(e.Item.ItemID, e.Item.ItemName, e.Item.PlayerName, modID)
		}
		c.saveState()

	case poller.LocationScout:
		rows := make([]protocol.ScoutResultRow, 0, len(e.Results))
		for _, res := range e.Results {
			rows = append(rows, protocol.ScoutResultRow{
				LocationID: res.LocationID,
				ItemID:     res.ItemID,
				ItemName:   res.ItemName,
				PlayerName: res.PlayerName,
			})
		}
		c.router.HandleScoutResults(rows)

	case poller.LifecycleSignal:
		c.handleLifecycleSignal(e)

	case poller.ErrorEvent:
		c.router.BroadcastError(e.Code, e.Message, e.Details)
		c.recordError(e.Code, e.Message, e.Details)

	case poller.APMessage:
		c.router.BroadcastAPMessage(e.Type, e.Message)
	}
}

func (c *Coordinator) handleLifecycleSignal(sig poller.LifecycleSignal) {
	if sig.SlotInfo != nil {
		c.lastSlotInfo = sig.SlotInfo
		switch c.State() {
		case Connecting:
			c.transitionTo(Syncing, sig.Message)
		case Resyncing:
			c.store.SetCheckedLocations(sig.SlotInfo.CheckedLocations)
			c.transitionTo(Active, "reconnected")
		}
		return
	}
	if sig.Disconnected && c.State() == Active {
		c.reconnectAttempted = false
		c.transitionTo(Resyncing, sig.Message)
	}
}

// CmdRestart resets registrations and walks the bring-up pipeline again from
// discovery. Honored only for priority clients by the IPC dispatcher.
func (c *Coordinator) CmdRestart() {
	c.log.Infof("restart command received")
	c.registry.ResetRegistrations()
	c.stateLoaded = false
	c.lastSlotInfo = nil
	c.bootstrap()
}

// CmdResync forces a resynchronization pass against the server.
func (c *Coordinator) CmdResync() {
	c.log.Infof("resync command received")
	c.reconnectAttempted = false
	c.transitionTo(Resyncing, "manual resync requested")
}

// CmdReconnect drops the server connection and dials again.
func (c *Coordinator) CmdReconnect() {
	c.log.Infof("reconnect command received")
	c.adapter.Disconnect()
	c.transitionTo(Connecting, "reconnecting to server")
	c.startConnection()
}
