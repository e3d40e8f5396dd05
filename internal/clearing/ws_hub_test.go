package clearing

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialWS(t *testing.T, serverURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(serverURL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	return conn
}

// Client churn during broadcasts must not corrupt the hub's client map:
// dead connections are pruned on the broadcast path while other
// goroutines read the same map.
func TestWSHub_BroadcastSurvivesClientChurn(t *testing.T) {
	hub := NewWSHub()
	go hub.Run()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", hub.HandleWS)
	ts := httptest.NewServer(mux)
	defer ts.Close()

	survivor := dialWS(t, ts.URL)
	defer survivor.Close()

	// Readers that survive the whole test, mimicking healthy clients.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := survivor.ReadMessage(); err != nil {
				return
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				conn := dialWS(t, ts.URL)
				// Tear the connection down abruptly so the next
				// broadcast write to it fails and prunes it.
				conn.Close()
				hub.Broadcast(WSMessage{Type: EventTradeCleared, SeriesID: "s1"})
			}
		}()
	}
	wg.Wait()

	// Flush any remaining buffered broadcasts and give the run loop a
	// moment to prune. The hub must still be functional afterwards.
	for i := 0; i < 20; i++ {
		hub.Broadcast(WSMessage{Type: EventSeriesSettled, SeriesID: "s1"})
		time.Sleep(5 * time.Millisecond)
	}

	survivor.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("surviving client reader did not finish")
	}
}
