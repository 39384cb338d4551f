package signaling

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nuvion/edge-agent/internal/auth"
)

// broker is a minimal SockJS/STOMP endpoint for exercising the client:
// it opens the session, acknowledges CONNECT, records SUBSCRIBE and SEND
// frames and can deliver MESSAGE frames on request.
type broker struct {
	upgrader websocket.Upgrader

	mu   sync.Mutex
	conn *websocket.Conn

	connects   chan *frame
	subscribes chan *frame
	sends      chan *frame
}

func newBroker() *broker {
	return &broker{
		connects:   make(chan *frame, 4),
		subscribes: make(chan *frame, 4),
		sends:      make(chan *frame, 16),
	}
}

func (b *broker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	b.mu.Lock()
	b.conn = conn
	b.mu.Unlock()

	b.write(sockOpen)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var frames []string
		if err := json.Unmarshal(msg, &frames); err != nil {
			continue
		}
		for _, raw := range frames {
			f, err := unmarshalFrame(raw)
			if err != nil {
				continue
			}
			switch f.Command {
			case cmdConnect:
				b.connects <- f
				b.deliver("CONNECTED\nversion:1.2\n\n\x00")
			case cmdSubscribe:
				b.subscribes <- f
			case cmdSend:
				b.sends <- f
			}
		}
	}
}

// deliver wraps a raw STOMP frame as an inbound SockJS message.
func (b *broker) deliver(rawFrame string) {
	data, _ := json.Marshal([]string{rawFrame})
	b.write("a" + string(data))
}

func (b *broker) write(msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.WriteMessage(websocket.TextMessage, []byte(msg))
	}
}

func newTestClient(t *testing.T, handler CommandHandler) (*broker, *Client) {
	t.Helper()
	b := newBroker()
	srv := httptest.NewServer(b)
	t.Cleanup(srv.Close)

	tokens := auth.NewHolder(srv.URL, "cam-01", "pw")
	tokens.Set("tok-1")

	c := New(&Config{ServerBaseURL: srv.URL, OutboundQueueMax: 16}, tokens, handler, nil)
	t.Cleanup(c.Stop)
	return b, c
}

func recvFrame(t *testing.T, ch chan *frame, what string) *frame {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}
}

func TestSessionHandshakeAndSubscribe(t *testing.T) {
	b, c := newTestClient(t, nil)
	go c.Run()

	connect := recvFrame(t, b.connects, "CONNECT")
	if got := connect.header("Authorization"); got != "Bearer tok-1" {
		t.Errorf("CONNECT Authorization = %q", got)
	}
	if got := connect.header("accept-version"); got != "1.2,1.1,1.0" {
		t.Errorf("CONNECT accept-version = %q", got)
	}

	subscribe := recvFrame(t, b.subscribes, "SUBSCRIBE")
	if got := subscribe.header("destination"); got != commandQueue {
		t.Errorf("SUBSCRIBE destination = %q", got)
	}
	if got := subscribe.header("id"); got != subscriptionID {
		t.Errorf("SUBSCRIBE id = %q", got)
	}
}

func TestEnqueueBeforeConnectFlushesAfterConnected(t *testing.T) {
	b, c := newTestClient(t, nil)

	// Queued while disconnected; must flush once the session is up.
	if !c.Enqueue("/app/device/anomaly", map[string]string{"anomalyStatus": "DEFECT"}) {
		t.Fatal("Enqueue rejected with empty queue")
	}
	go c.Run()

	send := recvFrame(t, b.sends, "SEND")
	if got := send.header("destination"); got != "/app/device/anomaly" {
		t.Errorf("SEND destination = %q", got)
	}
	var body map[string]string
	if err := json.Unmarshal([]byte(send.Body), &body); err != nil {
		t.Fatalf("SEND body: %v", err)
	}
	if body["anomalyStatus"] != "DEFECT" {
		t.Errorf("SEND body = %v", body)
	}
}

func TestCommandQueueDeliveredToHandler(t *testing.T) {
	received := make(chan []byte, 1)
	b, c := newTestClient(t, func(body []byte) { received <- body })
	go c.Run()

	recvFrame(t, b.subscribes, "SUBSCRIBE")
	b.deliver("MESSAGE\ndestination:/user/queue/command\n\n{\"type\":\"WATCH\"}\x00")

	select {
	case body := <-received:
		if string(body) != `{"type":"WATCH"}` {
			t.Errorf("handler body = %q", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestMessagesOffCommandQueueIgnored(t *testing.T) {
	received := make(chan []byte, 1)
	b, c := newTestClient(t, func(body []byte) { received <- body })
	go c.Run()

	recvFrame(t, b.subscribes, "SUBSCRIBE")
	b.deliver("MESSAGE\ndestination:/topic/other\n\n{\"type\":\"WATCH\"}\x00")
	b.deliver("MESSAGE\ndestination:/user/queue/command\n\n{\"type\":\"SECOND\"}\x00")

	select {
	case body := <-received:
		if string(body) != `{"type":"SECOND"}` {
			t.Errorf("handler got %q, expected only the command-queue message", body)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler never invoked")
	}
}

func TestEnqueueDropsWhenQueueFull(t *testing.T) {
	tokens := auth.NewHolder("http://127.0.0.1:0", "cam-01", "pw")
	c := New(&Config{ServerBaseURL: "http://127.0.0.1:0", OutboundQueueMax: 2}, tokens, nil, nil)
	defer c.Stop()

	if !c.Enqueue("/app/x", 1) || !c.Enqueue("/app/x", 2) {
		t.Fatal("Enqueue rejected within capacity")
	}
	if c.Enqueue("/app/x", 3) {
		t.Fatal("Enqueue accepted beyond capacity")
	}
}

func TestSenderLoopRequeuesOnWriteFailure(t *testing.T) {
	b := newBroker()
	srv := httptest.NewServer(b)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	conn.Close()

	tokens := auth.NewHolder(srv.URL, "cam-01", "pw")
	c := New(&Config{ServerBaseURL: srv.URL, OutboundQueueMax: 4}, tokens, nil, nil)
	defer c.Stop()

	if !c.Enqueue("/app/device/anomaly", map[string]string{"anomalyStatus": "DEFECT"}) {
		t.Fatal("Enqueue rejected with empty queue")
	}

	// The write fails on the closed connection; the loop must requeue the
	// message before giving the session up.
	c.senderLoop(conn, make(chan struct{}))

	select {
	case msg := <-c.outbound:
		if msg.destination != "/app/device/anomaly" {
			t.Errorf("requeued destination = %q", msg.destination)
		}
	default:
		t.Fatal("message lost on write failure")
	}
}

func TestBuildWSURLKeepsPathPrefix(t *testing.T) {
	c := New(&Config{ServerBaseURL: "https://host.example/edge", OutboundQueueMax: 1}, nil, nil, nil)
	defer c.Stop()

	u, err := c.buildWSURL()
	if err != nil {
		t.Fatalf("buildWSURL: %v", err)
	}
	if !strings.HasPrefix(u, "wss://host.example/edge/signaling/") {
		t.Errorf("url = %q, want the /edge prefix kept", u)
	}
	if !strings.HasSuffix(u, "/websocket") {
		t.Errorf("url = %q", u)
	}
}

func TestEnqueueAfterStop(t *testing.T) {
	tokens := auth.NewHolder("http://127.0.0.1:0", "cam-01", "pw")
	c := New(&Config{ServerBaseURL: "http://127.0.0.1:0", OutboundQueueMax: 2}, tokens, nil, nil)
	c.Stop()

	if c.Enqueue("/app/x", 1) {
		t.Fatal("Enqueue accepted after Stop")
	}
}
