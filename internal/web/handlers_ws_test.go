package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"nanogrid-air/internal/gateway"
	"nanogrid-air/internal/meter"
	"nanogrid-air/internal/store"
)

func newTestHub() *WSHub {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewWSHub(logger)
}

func readingEvent(id string, powerIn float64) gateway.Event {
	return gateway.Event{Type: gateway.EventReading, Data: gateway.ReadingData{
		UniqueID: id,
		Reading:  meter.Reading{PowerIn: meter.Float(powerIn)},
	}}
}

func TestWSHubRegisterUnregister(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count := len(hub.clients)
	hub.mu.RUnlock()
	if count != 1 {
		t.Errorf("after register: count = %d, want 1", count)
	}

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	count = len(hub.clients)
	hub.mu.RUnlock()
	if count != 0 {
		t.Errorf("after unregister: count = %d, want 0", count)
	}
}

func TestWSHubBroadcast(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	c1 := &wsClient{send: make(chan []byte, 16)}
	c2 := &wsClient{send: make(chan []byte, 16)}
	hub.register <- c1
	hub.register <- c2
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(readingEvent("AA", 450))
	time.Sleep(10 * time.Millisecond)

	for name, c := range map[string]*wsClient{"c1": c1, "c2": c2} {
		select {
		case msg := <-c.send:
			var got struct {
				Type string `json:"type"`
				Data struct {
					UniqueID string `json:"unique_id"`
				} `json:"data"`
			}
			if err := json.Unmarshal(msg, &got); err != nil {
				t.Fatalf("%s: %v", name, err)
			}
			if got.Type != gateway.EventReading || got.Data.UniqueID != "AA" {
				t.Errorf("%s received %s", name, msg)
			}
		default:
			t.Errorf("%s did not receive broadcast", name)
		}
	}
}

func TestWSHubFiltersByUniqueID(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	onlyA := &wsClient{send: make(chan []byte, 16), uniqueID: "AA"}
	all := &wsClient{send: make(chan []byte, 16)}
	hub.register <- onlyA
	hub.register <- all
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(readingEvent("BB", 1))
	hub.Broadcast(gateway.Event{Type: gateway.EventDeviceRemoved, Data: gateway.DeviceData{Pairing: &store.PairingConfig{UniqueID: "AA"}}})
	time.Sleep(20 * time.Millisecond)

	if n := len(onlyA.send); n != 1 {
		t.Errorf("filtered client got %d messages, want 1", n)
	}
	if n := len(all.send); n != 2 {
		t.Errorf("unfiltered client got %d messages, want 2", n)
	}
}

func TestWSHubSlowClientEviction(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	slow := &wsClient{send: make(chan []byte, 1)}
	fast := &wsClient{send: make(chan []byte, 64)}
	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	hub.Broadcast(readingEvent("AA", 1))
	time.Sleep(10 * time.Millisecond)
	hub.Broadcast(readingEvent("AA", 2))
	time.Sleep(10 * time.Millisecond)

	hub.mu.RLock()
	_, slowPresent := hub.clients[slow]
	_, fastPresent := hub.clients[fast]
	hub.mu.RUnlock()

	if slowPresent {
		t.Error("slow client should have been evicted")
	}
	if !fastPresent {
		t.Error("fast client should still be present")
	}
}

func TestWSHubBroadcastDropsWhenFull(t *testing.T) {
	hub := newTestHub()
	defer hub.Stop()

	// Hub not running: nothing drains the channel.
	for i := 0; i < 256; i++ {
		hub.Broadcast(readingEvent("AA", float64(i)))
	}

	done := make(chan struct{})
	go func() {
		hub.Broadcast(readingEvent("AA", -1))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(1 * time.Second):
		t.Error("Broadcast blocked when channel is full")
	}
}

func TestWSHubStopIdempotent(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	hub.Stop()

	defer func() {
		if r := recover(); r != nil {
			t.Errorf("second Stop() panicked: %v", r)
		}
	}()
	hub.Stop()
}

func TestWSHubStopClosesClients(t *testing.T) {
	hub := newTestHub()
	go hub.Run()

	client := &wsClient{send: make(chan []byte, 16)}
	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.Stop()
	time.Sleep(10 * time.Millisecond)

	if _, ok := <-client.send; ok {
		t.Error("client.send should be closed after hub stop")
	}
}

func TestWSHubUnregisterNonExistentClient(t *testing.T) {
	hub := newTestHub()
	go hub.Run()
	defer hub.Stop()

	unknown := &wsClient{send: make(chan []byte, 16)}
	hub.unregister <- unknown
	time.Sleep(10 * time.Millisecond)

	select {
	case unknown.send <- []byte("test"):
	default:
		t.Error("channel should still be open for non-registered client")
	}
}

func TestWSEndToEnd(t *testing.T) {
	env := setupTestServer(t, "")
	ts := httptest.NewServer(env.srv)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?unique_id=AA"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	// Registration happens after the handshake; retry until the hub has the client.
	deadline := time.Now().Add(time.Second)
	for {
		env.srv.wsHub.mu.RLock()
		n := len(env.srv.wsHub.clients)
		env.srv.wsHub.mu.RUnlock()
		if n == 1 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.gw.Events().Emit(readingEvent("BB", 1))
	env.gw.Events().Emit(readingEvent("AA", 2))

	_, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(msg), `"unique_id":"AA"`) {
		t.Errorf("first message = %s, want the AA reading", msg)
	}
}
