package preview

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/inklet-app/diagramchat/backend/internal/mermaid"
)

func dialHub(t *testing.T, hub *Hub) *websocket.Conn {
	t.Helper()
	ts := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func waitForClients(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != want {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.ClientCount(), want)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHubBroadcastsScenes(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	hub.Publish(&mermaid.Scene{Definition: "flowchart TD\nA-->B"})

	var msg struct {
		Type  string         `json:"type"`
		Scene *mermaid.Scene `json:"scene"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Type != "scene" {
		t.Fatalf("type = %q, want scene", msg.Type)
	}
	if msg.Scene.Definition != "flowchart TD\nA-->B" {
		t.Fatalf("definition = %q", msg.Scene.Definition)
	}
}

func TestHubReplaysLastSceneToNewSubscriber(t *testing.T) {
	hub := NewHub(zap.NewNop())
	hub.Publish(&mermaid.Scene{Definition: "sequenceDiagram\nA->>B: hi"})

	conn := dialHub(t, hub)

	var msg struct {
		Scene *mermaid.Scene `json:"scene"`
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	if msg.Scene.Definition != "sequenceDiagram\nA->>B: hi" {
		t.Fatalf("definition = %q", msg.Scene.Definition)
	}
}

func TestHubRemovesClosedClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	conn := dialHub(t, hub)
	waitForClients(t, hub, 1)

	conn.Close()
	waitForClients(t, hub, 0)
}
