package apserver

import (
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"apframework.dev/internal/config"
	"apframework.dev/internal/logging"
)

// fakeServer runs one websocket session speaking the randomizer protocol.
type fakeServer struct {
	t        *testing.T
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	inbound  chan map[string]any
	accepted chan struct{}
}

func newFakeServer(t *testing.T) *fakeServer {
	f := &fakeServer{
		t:        t,
		inbound:  make(chan map[string]any, 16),
		accepted: make(chan struct{}, 1),
	}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.conn = conn
		f.mu.Unlock()
		f.accepted <- struct{}{}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var cmds []map[string]any
			if err := json.Unmarshal(data, &cmds); err != nil {
				continue
			}
			for _, cmd := range cmds {
				f.inbound <- cmd
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) hostPort() (string, int) {
	u := strings.TrimPrefix(f.srv.URL, "http://")
	host, portStr, err := net.SplitHostPort(u)
	if err != nil {
		f.t.Fatalf("split host port: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (f *fakeServer) push(cmds ...map[string]any) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn == nil {
		f.t.Fatalf("push before accept")
	}
	data, err := json.Marshal(cmds)
	if err != nil {
		f.t.Fatalf("marshal: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		f.t.Fatalf("server write: %v", err)
	}
}

func (f *fakeServer) expect(cmd string, timeout time.Duration) map[string]any {
	deadline := time.After(timeout)
	for {
		select {
		case got := <-f.inbound:
			if got["cmd"] == cmd {
				return got
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for %s", cmd)
			return nil
		}
	}
}

// expectPolling is like expect but also drives the adapter's poll loop while
// waiting, since nothing else services inbound frames between pushes in
// these tests.
func (f *fakeServer) expectPolling(a *Adapter, cmd string, timeout time.Duration) map[string]any {
	deadline := time.After(timeout)
	for {
		a.Poll()
		select {
		case got := <-f.inbound:
			if got["cmd"] == cmd {
				return got
			}
		case <-deadline:
			f.t.Fatalf("timed out waiting for %s", cmd)
			return nil
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}
}

func (f *fakeServer) closeConn() {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func roomInfoCmd() map[string]any {
	return map[string]any{
		"cmd":       "RoomInfo",
		"version":   map[string]any{"major": 0, "minor": 5, "build": 1},
		"seed_name": "seed1",
	}
}

func connectedCmd(checked []int64) map[string]any {
	return map[string]any{
		"cmd":  "Connected",
		"slot": 2,
		"players": []map[string]any{
			{"slot": 1, "alias": "Ann", "name": "Ann"},
			{"slot": 2, "alias": "Bob", "name": "Bob"},
		},
		"checked_locations": checked,
		"missing_locations": []int64{},
	}
}

type events struct {
	mu           sync.Mutex
	slotInfo     *SlotInfo
	items        []ReceivedItem
	scouts       [][]ScoutResult
	disconnected bool
}

func pollUntil(t *testing.T, a *Adapter, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		a.Poll()
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func connectAdapter(t *testing.T, f *fakeServer) (*Adapter, *events) {
	t.Helper()
	host, port := f.hostPort()

	ev := &events{}
	a := New(logging.Nop(), config.Defaults().Retry)
	a.SetCallbacks(Callbacks{
		SlotConnected: func(info SlotInfo) {
			ev.mu.Lock()
			ev.slotInfo = &info
			ev.mu.Unlock()
		},
		ItemReceived: func(item ReceivedItem) {
			ev.mu.Lock()
			ev.items = append(ev.items, item)
			ev.mu.Unlock()
		},
		LocationScouted: func(results []ScoutResult) {
			ev.mu.Lock()
			ev.scouts = append(ev.scouts, results)
			ev.mu.Unlock()
		},
		Disconnected: func() {
			ev.mu.Lock()
			ev.disconnected = true
			ev.mu.Unlock()
		},
	})
	a.SetNameResolver(func(itemID int64) string {
		if itemID == 5000 {
			return "Potion"
		}
		return ""
	})
	t.Cleanup(a.Disconnect)

	a.Connect(host, port, "Game", "uuid-1")
	a.ConnectSlot("Player1", "", ItemsHandlingAll)

	pollUntil(t, a, "socket open", a.IsSocketOpen)
	select {
	case <-f.accepted:
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted")
	}

	f.push(roomInfoCmd())
	connect := f.expectPolling(a, "Connect", 2*time.Second)
	if connect["name"] != "Player1" || connect["game"] != "Game" {
		t.Fatalf("Connect cmd: got=%v", connect)
	}

	f.push(connectedCmd([]int64{7000}))
	pollUntil(t, a, "slot auth", a.IsSlotAuthenticated)
	return a, ev
}

func TestHandshakeAndAuthoritativeState(t *testing.T) {
	f := newFakeServer(t)
	a, ev := connectAdapter(t, f)

	ev.mu.Lock()
	info := ev.slotInfo
	ev.mu.Unlock()
	if info == nil {
		t.Fatalf("slot_connected callback never fired")
	}
	if info.SlotID != 2 || info.SlotName != "Player1" {
		t.Fatalf("slot info: got=%+v", info)
	}
	if len(info.CheckedLocations) != 1 || info.CheckedLocations[0] != 7000 {
		t.Fatalf("checked: got=%v", info.CheckedLocations)
	}
	_ = a
}

func TestOutboundCommands(t *testing.T) {
	f := newFakeServer(t)
	a, _ := connectAdapter(t, f)

	a.SendLocationChecks([]int64{7000})
	got := f.expect("LocationChecks", 2*time.Second)
	locs := got["locations"].([]any)
	if len(locs) != 1 || locs[0].(float64) != 7000 {
		t.Fatalf("locations: got=%v", locs)
	}

	a.SendLocationScouts([]int64{7001}, true)
	scout := f.expect("LocationScouts", 2*time.Second)
	if scout["create_as_hint"].(float64) != 2 {
		t.Fatalf("create_as_hint: got=%v", scout["create_as_hint"])
	}

	a.SendStatus(StatusPlaying)
	status := f.expect("StatusUpdate", 2*time.Second)
	if status["status"].(float64) != StatusPlaying {
		t.Fatalf("status: got=%v", status["status"])
	}

	a.SendSay("hello")
	say := f.expect("Say", 2*time.Second)
	if say["text"] != "hello" {
		t.Fatalf("say: got=%v", say["text"])
	}
}

func TestReceivedItemsAndScoutResults(t *testing.T) {
	f := newFakeServer(t)
	a, ev := connectAdapter(t, f)

	f.push(map[string]any{
		"cmd":   "ReceivedItems",
		"index": 3,
		"items": []map[string]any{
			{"item": 5000, "location": 7000, "player": 1},
			{"item": 5001, "location": 7001, "player": 2},
		},
	})
	pollUntil(t, a, "items", func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return len(ev.items) == 2
	})

	ev.mu.Lock()
	first := ev.items[0]
	second := ev.items[1]
	ev.mu.Unlock()
	if first.ItemID != 5000 || first.ItemName != "Potion" || first.PlayerName != "Ann" || first.Index != 3 {
		t.Fatalf("first item: got=%+v", first)
	}
	if second.Index != 4 || second.ItemName != "" {
		t.Fatalf("second item: got=%+v", second)
	}
	if got := a.ReceivedItemIndex(); got != 5 {
		t.Fatalf("received index: got=%d want=5", got)
	}

	f.push(map[string]any{
		"cmd": "LocationInfo",
		"locations": []map[string]any{
			{"item": 5000, "location": 7002, "player": 2},
		},
	})
	pollUntil(t, a, "scout results", func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return len(ev.scouts) == 1
	})
	ev.mu.Lock()
	res := ev.scouts[0][0]
	ev.mu.Unlock()
	if res.LocationID != 7002 || res.ItemName != "Potion" || res.PlayerName != "Bob" {
		t.Fatalf("scout result: got=%+v", res)
	}
}

func TestDisconnectCallback(t *testing.T) {
	f := newFakeServer(t)
	a, ev := connectAdapter(t, f)

	// Stop the dial loop from reconnecting, then kill the connection.
	a.mu.Lock()
	a.wantConnect = false
	a.mu.Unlock()
	f.closeConn()

	pollUntil(t, a, "disconnect", func() bool {
		ev.mu.Lock()
		defer ev.mu.Unlock()
		return ev.disconnected
	})
	if a.IsSlotAuthenticated() {
		t.Fatalf("still authenticated after disconnect")
	}
}
