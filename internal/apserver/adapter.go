// Package apserver adapts the remote Archipelago server's WebSocket protocol
// into typed callbacks. Poll must be driven from exactly one goroutine (the
// polling worker); every callback fires there. Outbound sends are safe from
// any goroutine.
package apserver

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"apframework.dev/internal/config"
	"apframework.dev/internal/logging"
)

// ClientStatus values understood by the server.
const (
	StatusUnknown   = 0
	StatusConnected = 5
	StatusReady     = 10
	StatusPlaying   = 20
	StatusGoal      = 30
)

// ItemsHandlingAll requests remote items, own-world items and starting
// inventory.
const ItemsHandlingAll = 0x7

type ReceivedItem struct {
	ItemID     int64
	LocationID int64
	PlayerID   int
	ItemName   string
	PlayerName string
	Index      int
}

type ScoutResult struct {
	LocationID int64
	ItemID     int64
	PlayerID   int
	ItemName   string
	PlayerName string
}

type RoomInfo struct {
	Version          string
	SeedName         string
	PasswordRequired bool
	Tags             []string
}

type SlotInfo struct {
	SlotID           int
	SlotName         string
	Game             string
	CheckedLocations []int64
	MissingLocations []int64
}

type Callbacks struct {
	RoomInfo        func(RoomInfo)
	SlotConnected   func(SlotInfo)
	SlotRefused     func(errors []string)
	ItemReceived    func(ReceivedItem)
	LocationScouted func([]ScoutResult)
	Disconnected    func()
	Print           func(text string)
	PrintJSON       func(msgType, text string, data json.RawMessage)
	Bounced         func(data json.RawMessage)
}

// NameResolver maps an item id back to a display name; the framework wires
// its capability table here. Unknown ids resolve to "".
type NameResolver func(itemID int64) string

// readResult is one frame (or terminal error) handed from the read pump to
// Poll.
type readResult struct {
	data []byte
	err  error
}

// Adapter owns one server connection. Dialing happens inside Poll; a read
// pump goroutine feeds raw frames into a channel that Poll drains, so every
// callback fires on the polling goroutine.
type Adapter struct {
	log   *logging.Logger
	retry config.Retry

	cb      Callbacks
	resolve NameResolver

	writeMu sync.Mutex
	conn    *websocket.Conn

	frames   chan readResult
	pumpStop chan struct{}

	socketOpen atomic.Bool
	slotAuthed atomic.Bool

	// Connection intent, owned by the polling goroutine after Connect.
	mu            sync.Mutex
	wantConnect   bool
	host          string
	port          int
	game          string
	uuid          string
	slotName      string
	password      string
	itemsHandling int

	dialAttempts int
	nextDialAt   time.Time

	playerNames   map[int]string
	receivedIndex int
}

func New(log *logging.Logger, retry config.Retry) *Adapter {
	return &Adapter{
		log:         log,
		retry:       retry,
		playerNames: make(map[int]string),
	}
}

// SetCallbacks must be called before the first Poll.
func (a *Adapter) SetCallbacks(cb Callbacks) { a.cb = cb }

// SetNameResolver wires item-name resolution for received items and scouts.
func (a *Adapter) SetNameResolver(r NameResolver) { a.resolve = r }

// Connect records the dial target; the actual dial happens on the next Poll.
func (a *Adapter) Connect(host string, port int, game, uuid string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.host, a.port, a.game, a.uuid = host, port, game, uuid
	a.wantConnect = true
	a.dialAttempts = 0
	a.nextDialAt = time.Time{}
	a.log.Infof("AP client connecting to ws://%s:%d", host, port)
}

// ConnectSlot stores slot credentials. When the socket is already open it
// issues the slot handshake immediately; otherwise handleRoomInfo sends it
// once room info arrives. The coordinator calls this from startConnection,
// right after Connect.
func (a *Adapter) ConnectSlot(slotName, password string, itemsHandling int) {
	a.mu.Lock()
	a.slotName, a.password, a.itemsHandling = slotName, password, itemsHandling
	a.mu.Unlock()
	if a.socketOpen.Load() {
		a.sendConnect()
	}
}

// Disconnect tears the socket down without touching the dial target.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	a.wantConnect = false
	a.mu.Unlock()
	a.closeConn()
}

func (a *Adapter) closeConn() {
	a.writeMu.Lock()
	conn := a.conn
	a.conn = nil
	stop := a.pumpStop
	a.pumpStop = nil
	a.writeMu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if stop != nil {
		close(stop)
	}
	a.socketOpen.Store(false)
	a.slotAuthed.Store(false)
}

func (a *Adapter) IsSocketOpen() bool        { return a.socketOpen.Load() }
func (a *Adapter) IsSlotAuthenticated() bool { return a.slotAuthed.Load() }

// ReceivedItemIndex reports the index after the last received item.
func (a *Adapter) ReceivedItemIndex() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.receivedIndex
}

// Poll pumps the connection: dials when needed, then drains whatever the
// read pump has collected. Call from exactly one goroutine.
func (a *Adapter) Poll() {
	a.mu.Lock()
	want := a.wantConnect
	a.mu.Unlock()

	if want && !a.socketOpen.Load() {
		a.tryDial()
	}
	if !a.socketOpen.Load() {
		return
	}

	a.writeMu.Lock()
	frames := a.frames
	a.writeMu.Unlock()
	if frames == nil {
		return
	}

	for {
		select {
		case r := <-frames:
			if r.err != nil {
				a.log.Warnf("socket disconnected: %v", r.err)
				a.closeConn()
				if a.cb.Disconnected != nil {
					a.cb.Disconnected()
				}
				return
			}
			a.handleFrame(r.data)
		default:
			return
		}
	}
}

// readPump owns the websocket read side; it exits on the first read error or
// when the connection is torn down.
func (a *Adapter) readPump(conn *websocket.Conn, frames chan readResult, stop chan struct{}) {
	for {
		_, data, err := conn.ReadMessage()
		r := readResult{data: data, err: err}
		select {
		case frames <- r:
		case <-stop:
			return
		}
		if err != nil {
			return
		}
	}
}

func (a *Adapter) tryDial() {
	a.mu.Lock()
	if !a.nextDialAt.IsZero() && time.Now().Before(a.nextDialAt) {
		a.mu.Unlock()
		return
	}
	if a.dialAttempts > a.retry.MaxRetries {
		a.wantConnect = false
		a.mu.Unlock()
		a.log.Errorf("giving up dialing after %d attempts", a.dialAttempts)
		if a.cb.Disconnected != nil {
			a.cb.Disconnected()
		}
		return
	}
	url := fmt.Sprintf("ws://%s:%d", a.host, a.port)
	attempt := a.dialAttempts
	a.dialAttempts++
	a.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		delay := a.backoffDelay(attempt)
		a.log.Warnf("dial %s failed (attempt %d): %v; retrying in %s", url, attempt+1, err, delay)
		a.mu.Lock()
		a.nextDialAt = time.Now().Add(delay)
		a.mu.Unlock()
		return
	}

	frames := make(chan readResult, 256)
	stop := make(chan struct{})
	a.writeMu.Lock()
	a.conn = conn
	a.frames = frames
	a.pumpStop = stop
	a.writeMu.Unlock()
	go a.readPump(conn, frames, stop)
	a.socketOpen.Store(true)
	a.mu.Lock()
	a.dialAttempts = 0
	a.nextDialAt = time.Time{}
	a.mu.Unlock()
	a.log.Infof("socket open: %s", url)
}

func (a *Adapter) backoffDelay(attempt int) time.Duration {
	delay := float64(a.retry.InitialDelayMS)
	for i := 0; i < attempt; i++ {
		delay *= a.retry.BackoffMultiplier
	}
	if limit := float64(a.retry.MaxDelayMS); delay > limit {
		delay = limit
	}
	return time.Duration(delay) * time.Millisecond
}

// handleFrame dispatches one server frame: a JSON array of command objects.
func (a *Adapter) handleFrame(data []byte) {
	var cmds []json.RawMessage
	if err := json.Unmarshal(data, &cmds); err != nil {
		a.log.Errorf("bad server frame: %v", err)
		return
	}
	for _, raw := range cmds {
		var head struct {
			Cmd string `json:"cmd"`
		}
		if err := json.Unmarshal(raw, &head); err != nil {
			continue
		}
		a.handleCmd(head.Cmd, raw)
	}
}

func (a *Adapter) handleCmd(cmd string, raw json.RawMessage) {
	switch cmd {
	case "RoomInfo":
		a.handleRoomInfo(raw)
	case "Connected":
		a.handleConnected(raw)
	case "ConnectionRefused":
		a.handleRefused(raw)
	case "ReceivedItems":
		a.handleReceivedItems(raw)
	case "LocationInfo":
		a.handleLocationInfo(raw)
	case "Print":
		var p struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(raw, &p) == nil && a.cb.Print != nil {
			a.cb.Print(p.Text)
		}
	case "PrintJSON":
		a.handlePrintJSON(raw)
	case "Bounced":
		if a.cb.Bounced != nil {
			a.cb.Bounced(raw)
		}
	case "RoomUpdate":
		// Nothing to track yet.
	default:
		a.log.Debugf("unhandled server cmd: %s", cmd)
	}
}

func (a *Adapter) handleRoomInfo(raw json.RawMessage) {
	var ri struct {
		Version struct {
			Major int `json:"major"`
			Minor int `json:"minor"`
			Build int `json:"build"`
		} `json:"version"`
		SeedName string   `json:"seed_name"`
		Password bool     `json:"password"`
		Tags     []string `json:"tags"`
	}
	if err := json.Unmarshal(raw, &ri); err != nil {
		a.log.Errorf("bad RoomInfo: %v", err)
		return
	}
	info := RoomInfo{
		Version:          fmt.Sprintf("%d.%d.%d", ri.Version.Major, ri.Version.Minor, ri.Version.Build),
		SeedName:         ri.SeedName,
		PasswordRequired: ri.Password,
		Tags:             ri.Tags,
	}
	a.log.Debugf("received room_info (server %s)", info.Version)
	if a.cb.RoomInfo != nil {
		a.cb.RoomInfo(info)
	}
	// Auto-connect when credentials were stored before room info arrived.
	a.mu.Lock()
	haveSlot := a.slotName != ""
	a.mu.Unlock()
	if haveSlot && !a.slotAuthed.Load() {
		a.sendConnect()
	}
}

func (a *Adapter) handleConnected(raw json.RawMessage) {
	var c struct {
		Slot    int `json:"slot"`
		Players []struct {
			Slot  int    `json:"slot"`
			Alias string `json:"alias"`
			Name  string `json:"name"`
		} `json:"players"`
		CheckedLocations []int64 `json:"checked_locations"`
		MissingLocations []int64 `json:"missing_locations"`
	}
	if err := json.Unmarshal(raw, &c); err != nil {
		a.log.Errorf("bad Connected: %v", err)
		return
	}

	a.mu.Lock()
	a.playerNames = make(map[int]string, len(c.Players))
	for _, p := range c.Players {
		name := p.Alias
		if name == "" {
			name = p.Name
		}
		a.playerNames[p.Slot] = name
	}
	slotName := a.slotName
	game := a.game
	a.mu.Unlock()

	a.slotAuthed.Store(true)
	a.log.Infof("slot connected: %s", slotName)
	if a.cb.SlotConnected != nil {
		a.cb.SlotConnected(SlotInfo{
			SlotID:           c.Slot,
			SlotName:         slotName,
			Game:             game,
			CheckedLocations: c.CheckedLocations,
			MissingLocations: c.MissingLocations,
		})
	}
}

func (a *Adapter) handleRefused(raw json.RawMessage) {
	var r struct {
		Errors []string `json:"errors"`
	}
	_ = json.Unmarshal(raw, &r)
	a.slotAuthed.Store(false)
	a.log.Errorf("slot connection refused: %v", r.Errors)
	if a.cb.SlotRefused != nil {
		a.cb.SlotRefused(r.Errors)
	}
}

func (a *Adapter) handleReceivedItems(raw json.RawMessage) {
	var ri struct {
		Index int `json:"index"`
		Items []struct {
			Item     int64 `json:"item"`
			Location int64 `json:"location"`
			Player   int   `json:"player"`
		} `json:"items"`
	}
	if err := json.Unmarshal(raw, &ri); err != nil {
		a.log.Errorf("bad ReceivedItems: %v", err)
		return
	}
	for i, item := range ri.Items {
		received := ReceivedItem{
			ItemID:     item.Item,
			LocationID: item.Location,
			PlayerID:   item.Player,
			ItemName:   a.itemName(item.Item),
			PlayerName: a.playerName(item.Player),
			Index:      ri.Index + i,
		}
		a.mu.Lock()
		a.receivedIndex = received.Index + 1
		a.mu.Unlock()
		a.log.Debugf("received item %d (%s) from %s", received.ItemID, received.ItemName, received.PlayerName)
		if a.cb.ItemReceived != nil {
			a.cb.ItemReceived(received)
		}
	}
}

func (a *Adapter) handleLocationInfo(raw json.RawMessage) {
	var li struct {
		Locations []struct {
			Item     int64 `json:"item"`
			Location int64 `json:"location"`
			Player   int   `json:"player"`
		} `json:"locations"`
	}
	if err := json.Unmarshal(raw, &li); err != nil {
		a.log.Errorf("bad LocationInfo: %v", err)
		return
	}
	results := make([]ScoutResult, 0, len(li.Locations))
	for _, loc := range li.Locations {
		results = append(results, ScoutResult{
			LocationID: loc.Location,
			ItemID:     loc.Item,
			PlayerID:   loc.Player,
			ItemName:   a.itemName(loc.Item),
			PlayerName: a.playerName(loc.Player),
		})
	}
	if len(results) > 0 && a.cb.LocationScouted != nil {
		a.cb.LocationScouted(results)
	}
}

func (a *Adapter) handlePrintJSON(raw json.RawMessage) {
	var pj struct {
		Type string `json:"type"`
		Data []struct {
			Text string `json:"text"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &pj); err != nil {
		return
	}
	text := ""
	for _, node := range pj.Data {
		text += node.Text
	}
	if a.cb.PrintJSON != nil {
		a.cb.PrintJSON(pj.Type, text, raw)
	}
}

func (a *Adapter) itemName(itemID int64) string {
	if a.resolve != nil {
		return a.resolve(itemID)
	}
	return ""
}

func (a *Adapter) playerName(playerID int) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.playerNames[playerID]
}

// sendConnect issues the slot handshake. Valid only after room info.
func (a *Adapter) sendConnect() {
	a.mu.Lock()
	cmd := map[string]any{
		"cmd":      "Connect",
		"game":     a.game,
		"name":     a.slotName,
		"password": a.password,
		"uuid":     a.uuid,
		"version": map[string]any{
			"major": 0, "minor": 5, "build": 0, "class": "Version",
		},
		"items_handling": a.itemsHandling,
		"tags":           []string{"APFramework"},
		"slot_data":      false,
	}
	slot := a.slotName
	a.mu.Unlock()
	a.log.Infof("connecting to slot: %s", slot)
	a.send(cmd)
}

// SendLocationChecks reports checked location ids.
func (a *Adapter) SendLocationChecks(ids []int64) {
	if len(ids) == 0 || !a.slotAuthed.Load() {
		return
	}
	a.send(map[string]any{"cmd": "LocationChecks", "locations": ids})
}

// SendLocationScouts asks what items the given locations hold.
func (a *Adapter) SendLocationScouts(ids []int64, asHint bool) {
	if len(ids) == 0 || !a.slotAuthed.Load() {
		return
	}
	hint := 0
	if asHint {
		hint = 2
	}
	a.send(map[string]any{"cmd": "LocationScouts", "locations": ids, "create_as_hint": hint})
}

// SendStatus updates the slot's client status.
func (a *Adapter) SendStatus(status int) {
	if !a.slotAuthed.Load() {
		return
	}
	a.send(map[string]any{"cmd": "StatusUpdate", "status": status})
}

// SendSay speaks in the session chat.
func (a *Adapter) SendSay(text string) {
	if !a.slotAuthed.Load() {
		return
	}
	a.send(map[string]any{"cmd": "Say", "text": text})
}

// SendBounce relays a bounce packet to the given games, slots and tags.
func (a *Adapter) SendBounce(games []string, slots []int, tags []string, data any) {
	if !a.slotAuthed.Load() {
		return
	}
	a.send(map[string]any{
		"cmd": "Bounce", "games": games, "slots": slots, "tags": tags, "data": data,
	})
}

func (a *Adapter) send(cmd map[string]any) {
	payload, err := json.Marshal([]any{cmd})
	if err != nil {
		a.log.Errorf("marshal %v: %v", cmd["cmd"], err)
		return
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	if a.conn == nil {
		return
	}
	a.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := a.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		a.log.Warnf("send %v failed: %v", cmd["cmd"], err)
	}
}
