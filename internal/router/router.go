// Package router translates between the identifier space and mod-local
// names, dispatches item actions to their owning clients and forwards checks
// and scouts to the server.
package router

import (
	"encoding/json"
	"sync"
	"time"

	"apframework.dev/internal/capability"
	"apframework.dev/internal/logging"
	"apframework.dev/internal/protocol"
	"apframework.dev/internal/session"
)

// Action-argument placeholders, substituted only when they are the exact
// full string value of an argument.
const (
	PlaceholderItemID           = "<GET_ITEM_ID>"
	PlaceholderItemName         = "<GET_ITEM_NAME>"
	PlaceholderProgressionCount = "<GET_PROGRESSION_COUNT>"
)

// PendingAction records an execute_action dispatch awaiting its result.
type PendingAction struct {
	ModID     string
	ItemID    int64
	ItemName  string
	Action    string
	Args      []protocol.ActionArg
	StartedAt time.Time
}

type Router struct {
	log   *logging.Logger
	caps  *capability.Table
	store *session.Store

	// Outbound hooks, wired by the coordinator.
	IPCSend          func(target string, msg protocol.Message) error
	IPCBroadcast     func(msg protocol.Message)
	APLocationChecks func(ids []int64)
	APLocationScouts func(ids []int64, asHint bool)

	scoutMu       sync.Mutex
	pendingScouts map[int64][]string // location id -> requesting mod ids
}

func New(log *logging.Logger, caps *capability.Table, store *session.Store) *Router {
	return &Router{
		log:           log,
		caps:          caps,
		store:         store,
		pendingScouts: make(map[int64][]string),
	}
}

// RouteItemReceipt looks up the owning mod for a received item and, when the
// item declares an action, dispatches execute_action with resolved
// arguments. Counting the receipt in the session store is the coordinator's
// job.
func (r *Router) RouteItemReceipt(itemID int64, itemName, sender string) *PendingAction {
	item, ok := r.caps.ItemByID(itemID)
	if !ok {
		r.log.Warnf("unknown item id: %d", itemID)
		return nil
	}
	if itemName == "" {
		itemName = item.ItemName
	}
	if item.Action == "" {
		r.log.Debugf("item has no action: %s", itemName)
		return nil
	}

	resolved := r.resolveArgs(item, itemName)

	pending := &PendingAction{
		ModID:     item.ModID,
		ItemID:    itemID,
		ItemName:  itemName,
		Action:    item.Action,
		Args:      resolved,
		StartedAt: time.Now(),
	}

	if r.IPCSend != nil {
		msg, err := protocol.NewMessage(protocol.TypeExecuteAction, protocol.TargetFramework, item.ModID,
			protocol.ExecuteActionPayload{
				ItemID:   itemID,
				ItemName: itemName,
				Action:   item.Action,
				Args:     resolved,
				Sender:   sender,
			})
		if err == nil {
			_ = r.IPCSend(item.ModID, msg)
		}
	}

	r.log.Debugf("routed item to %s: %s (action %s)", item.ModID, itemName, item.Action)
	return pending
}

// resolveArgs substitutes the placeholder values. A placeholder only counts
// when it is the whole string; property paths and everything else pass
// through untouched.
func (r *Router) resolveArgs(item capability.ItemOwnership, itemName string) []protocol.ActionArg {
	resolved := make([]protocol.ActionArg, 0, len(item.Args))
	for _, arg := range item.Args {
		out := protocol.ActionArg{Name: arg.Name, Type: arg.Type, Value: arg.Value}

		var s string
		if json.Unmarshal(arg.Value, &s) == nil {
			switch s {
			case PlaceholderItemID:
				out.Value, _ = json.Marshal(item.ItemID)
			case PlaceholderItemName:
				out.Value, _ = json.Marshal(itemName)
			case PlaceholderProgressionCount:
				out.Value, _ = json.Marshal(r.store.ProgressionCount(item.ItemID))
			}
		}
		resolved = append(resolved, out)
	}
	return resolved
}

// RouteCheck resolves a location check to its id and forwards it once.
// Returns 0 when the location is unknown or already checked.
func (r *Router) RouteCheck(modID, locationName string, instance int) int64 {
	id := r.caps.LocationID(modID, locationName, instance)
	if id == 0 {
		r.log.Warnf("unknown location: %s/%s #%d", modID, locationName, instance)
		return 0
	}
	if r.store.IsLocationChecked(id) {
		r.log.Debugf("location already checked: %s", locationName)
		return 0
	}
	r.store.AddCheckedLocation(id)
	if r.APLocationChecks != nil {
		r.APLocationChecks([]int64{id})
	}
	r.log.Infof("location checked: %s (id %d)", locationName, id)
	return id
}

// RouteChecks is the bulk, by-id variant: already-checked ids are skipped
// and the rest forwarded in one batch.
func (r *Router) RouteChecks(ids []int64) []int64 {
	var fresh []int64
	for _, id := range ids {
		if r.store.IsLocationChecked(id) {
			continue
		}
		r.store.AddCheckedLocation(id)
		fresh = append(fresh, id)
	}
	if len(fresh) > 0 && r.APLocationChecks != nil {
		r.APLocationChecks(fresh)
	}
	return fresh
}

// RouteScouts resolves scout names (instance 1), silently dropping unknowns,
// records the requester per id and forwards the batch. The same id scouted
// by several mods delivers a copy of the results to each.
func (r *Router) RouteScouts(modID string, locationNames []string, asHint bool) []int64 {
	var ids []int64
	for _, name := range locationNames {
		if id := r.caps.LocationID(modID, name, 1); id != 0 {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	r.scoutMu.Lock()
	for _, id := range ids {
		already := false
		for _, m := range r.pendingScouts[id] {
			if m == modID {
				already = true
				break
			}
		}
		if !already {
			r.pendingScouts[id] = append(r.pendingScouts[id], modID)
		}
	}
	r.scoutMu.Unlock()

	if r.APLocationScouts != nil {
		r.APLocationScouts(ids, asHint)
	}
	return ids
}

// HandleScoutResults groups incoming scout rows by the mods that asked for
// them and sends each its scout_results message. Delivered ids are cleared
// from the pending map.
func (r *Router) HandleScoutResults(results []protocol.ScoutResultRow) {
	perMod := make(map[string][]protocol.ScoutResultRow)

	r.scoutMu.Lock()
	for _, row := range results {
		for _, modID := range r.pendingScouts[row.LocationID] {
			perMod[modID] = append(perMod[modID], row)
		}
		delete(r.pendingScouts, row.LocationID)
	}
	r.scoutMu.Unlock()

	if r.IPCSend == nil {
		return
	}
	for modID, rows := range perMod {
		msg, err := protocol.NewMessage(protocol.TypeScoutResults, protocol.TargetFramework, modID,
			protocol.ScoutResultsPayload{Results: rows})
		if err != nil {
			continue
		}
		_ = r.IPCSend(modID, msg)
	}
}

// HandleActionResult settles a dispatched action: success bumps the item's
// progression count, failure is surfaced as an ACTION_FAILED broadcast.
func (r *Router) HandleActionResult(modID string, result protocol.ActionResultPayload) {
	if result.Success {
		r.log.Debugf("action succeeded for %s: %s", modID, result.ItemName)
		if result.ItemID != 0 {
			r.store.IncrementProgressionCount(result.ItemID)
		}
		return
	}
	r.log.Warnf("action failed for %s: %s - %s", modID, result.ItemName, result.Error)
	r.BroadcastError(protocol.CodeActionFailed,
		"action failed: "+result.ItemName, result.Error)
}

func (r *Router) BroadcastLifecycle(state, message string) {
	if r.IPCBroadcast == nil {
		return
	}
	msg, err := protocol.NewMessage(protocol.TypeLifecycle, protocol.TargetFramework, protocol.TargetBroadcast,
		protocol.LifecyclePayload{State: state, Message: message})
	if err != nil {
		return
	}
	r.IPCBroadcast(msg)
	r.log.Infof("lifecycle -> %s: %s", state, message)
}

func (r *Router) BroadcastError(code, message, details string) {
	if r.IPCBroadcast == nil {
		return
	}
	msg, err := protocol.NewMessage(protocol.TypeError, protocol.TargetFramework, protocol.TargetBroadcast,
		protocol.ErrorPayload{Code: code, Message: message, Details: details})
	if err != nil {
		return
	}
	r.IPCBroadcast(msg)
	r.log.Errorf("error [%s]: %s (%s)", code, message, details)
}

func (r *Router) BroadcastAPMessage(msgType, message string) {
	if r.IPCBroadcast == nil {
		return
	}
	msg, err := protocol.NewMessage(protocol.TypeAPMessage, protocol.TargetFramework, protocol.TargetBroadcast,
		protocol.APMessagePayload{Type: msgType, Message: message})
	if err != nil {
		return
	}
	r.IPCBroadcast(msg)
}

// PendingScoutCount reports outstanding scout requests (tests and metrics).
func (r *Router) PendingScoutCount() int {
	r.scoutMu.Lock()
	defer r.scoutMu.Unlock()
	return len(r.pendingScouts)
}
