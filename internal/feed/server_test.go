package feed

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/bili-arch/cachedb/internal/store"
	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer(Config{Addr: "127.0.0.1:0", Logger: zerolog.Nop()})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() failed: %v", err)
	}
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dial(t *testing.T, ctx context.Context, s *Server) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect WebSocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readMessage(t *testing.T, ctx context.Context, conn *websocket.Conn) Message {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Failed to read message: %v", err)
	}
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("Failed to unmarshal message: %v", err)
	}
	return msg
}

func waitForClients(t *testing.T, s *Server, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d clients, got %d", n, s.ClientCount())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServer_WelcomeCarriesLastStats(t *testing.T) {
	s := startServer(t)
	s.PublishStats(StatsData{Tracked: 3, Synced: 10})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dial(t, ctx, s)

	msg := readMessage(t, ctx, conn)
	if msg.Type != MessageTypeStats {
		t.Fatalf("Expected welcome type %s, got %s", MessageTypeStats, msg.Type)
	}
	var stats StatsData
	if err := json.Unmarshal(msg.Data, &stats); err != nil {
		t.Fatalf("Failed to decode stats: %v", err)
	}
	if stats.Tracked != 3 || stats.Synced != 10 {
		t.Errorf("Unexpected welcome stats: %+v", stats)
	}
}

func TestServer_BroadcastsActivity(t *testing.T) {
	s := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	clients := []*websocket.Conn{dial(t, ctx, s), dial(t, ctx, s)}
	for _, c := range clients {
		readMessage(t, ctx, c)
	}
	waitForClients(t, s, 2)

	s.WaitFinished("BV1a", true, 1500*time.Millisecond)
	s.ItemSynced("BV1a", true, false)
	s.WalkFinished(store.WalkResult{Scanned: 5, Changed: 2}, time.Second)

	for i, c := range clients {
		want := []MessageType{MessageTypeWaitFinished, MessageTypeItemSynced, MessageTypeWalkFinished}
		for _, typ := range want {
			msg := readMessage(t, ctx, c)
			if msg.Type != typ {
				t.Fatalf("client %d: expected %s, got %s", i, typ, msg.Type)
			}
			if typ == MessageTypeWaitFinished {
				var data WaitFinishedData
				if err := json.Unmarshal(msg.Data, &data); err != nil {
					t.Fatalf("Failed to decode data: %v", err)
				}
				if data.BVID != "BV1a" || !data.Acquired || data.WaitedMS != 1500 {
					t.Errorf("Unexpected wait data: %+v", data)
				}
			}
		}
	}
}

func TestServer_ClientDisconnect(t *testing.T) {
	s := startServer(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, "ws://"+s.Addr()+"/ws", nil)
	if err != nil {
		t.Fatalf("Failed to connect: %v", err)
	}
	readMessage(t, ctx, conn)
	waitForClients(t, s, 1)

	_ = conn.Close(websocket.StatusNormalClosure, "")
	waitForClients(t, s, 0)
}

func TestServer_Health(t *testing.T) {
	s := startServer(t)

	resp, err := http.Get("http://" + s.Addr() + "/health")
	if err != nil {
		t.Fatalf("GET /health failed: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	var health map[string]any
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("Invalid health response %q: %v", body, err)
	}
	if health["status"] != "ok" {
		t.Errorf("Unexpected health: %v", health)
	}
}

func TestServer_StopWithoutStart(t *testing.T) {
	s := NewServer(Config{Addr: "127.0.0.1:0", Logger: zerolog.Nop()})
	if err := s.Stop(); err != nil {
		t.Errorf("Stop() failed: %v", err)
	}
}
