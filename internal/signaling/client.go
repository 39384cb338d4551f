package signaling

import (
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nuvion/edge-agent/internal/auth"
	"github.com/nuvion/edge-agent/internal/health"
	"github.com/nuvion/edge-agent/internal/logging"
)

var log = logging.L("signaling")

const (
	reconnectDelay   = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	commandQueue     = "/user/queue/command"
	subscriptionID   = "sub-command"
)

// CommandHandler receives the body of each frame delivered on the command
// queue. It runs on the read loop; long work must be dispatched elsewhere.
type CommandHandler func(body []byte)

// Config holds signaling client configuration.
type Config struct {
	ServerBaseURL    string
	OutboundQueueMax int
}

type outboundMessage struct {
	destination string
	payload     any
}

// Client maintains the signaling session: a SockJS-framed STOMP connection
// that reconnects forever, multiplexes inbound commands to the handler and
// drains a bounded outbound queue. The queue survives reconnects; messages
// enqueued while disconnected flush once the next session is CONNECTED.
type Client struct {
	cfg       *Config
	tokens    *auth.Holder
	handler   CommandHandler
	healthMon *health.Monitor

	outbound chan outboundMessage
	done     chan struct{}
	stopOnce sync.Once

	connMu sync.Mutex
	conn   *websocket.Conn
}

// New creates a signaling client. handler may be nil when the device only
// publishes. healthMon may be nil.
func New(cfg *Config, tokens *auth.Holder, handler CommandHandler, healthMon *health.Monitor) *Client {
	queueMax := cfg.OutboundQueueMax
	if queueMax < 1 {
		queueMax = 1
	}
	return &Client{
		cfg:       cfg,
		tokens:    tokens,
		handler:   handler,
		healthMon: healthMon,
		outbound:  make(chan outboundMessage, queueMax),
		done:      make(chan struct{}),
	}
}

// Enqueue offers a message to the outbound queue. Non-blocking: returns
// false when the client is stopped or the queue is full. Callers never wait.
func (c *Client) Enqueue(destination string, payload any) bool {
	select {
	case <-c.done:
		log.Warn("client stopped, dropping message", logging.KeyDestination, destination)
		return false
	default:
	}

	select {
	case c.outbound <- outboundMessage{destination: destination, payload: payload}:
		return true
	default:
		log.Warn("outbound queue full, dropping message", logging.KeyDestination, destination)
		return false
	}
}

// Run drives the session supervisor until Stop is called. Each iteration
// logs in if needed, performs the SockJS/STOMP handshake, subscribes to the
// command queue and pumps frames until the connection fails.
func (c *Client) Run() {
	for {
		select {
		case <-c.done:
			return
		default:
		}

		token := c.tokens.Get()
		if token == "" {
			token = c.tokens.Refresh()
		}
		if token == "" {
			log.Error("login failed, retrying", "delay", reconnectDelay)
			c.setHealth(health.Unhealthy, "login failed")
			if !c.sleep(reconnectDelay) {
				return
			}
			continue
		}

		if err := c.session(token); err != nil {
			log.Warn("session ended", logging.KeyError, err)
		}
		c.setHealth(health.Degraded, "disconnected")

		if !c.sleep(reconnectDelay) {
			return
		}
	}
}

// Stop terminates the supervisor and closes any live connection.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		close(c.done)
		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait),
			)
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()
		log.Info("client stopped")
	})
}

func (c *Client) session(token string) error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer func() {
		c.connMu.Lock()
		c.conn = nil
		c.connMu.Unlock()
		conn.Close()
	}()

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	// SockJS session open.
	_, first, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("read open frame: %w", err)
	}
	if string(first) != sockOpen {
		return fmt.Errorf("unexpected open frame %q", first)
	}

	connectFrame := marshalFrame(cmdConnect, [][2]string{
		{"accept-version", "1.2,1.1,1.0"},
		{"heart-beat", "10000,10000"},
		{"Authorization", "Bearer " + token},
	}, "")
	if err := c.writeFrame(conn, connectFrame); err != nil {
		return fmt.Errorf("send CONNECT: %w", err)
	}

	if err := c.awaitConnected(conn); err != nil {
		return err
	}
	log.Info("connected", "server", c.cfg.ServerBaseURL)
	c.setHealth(health.Healthy, "")

	subscribeFrame := marshalFrame(cmdSubscribe, [][2]string{
		{"id", subscriptionID},
		{"destination", commandQueue},
	}, "")
	if err := c.writeFrame(conn, subscribeFrame); err != nil {
		return fmt.Errorf("send SUBSCRIBE: %w", err)
	}

	senderDone := make(chan struct{})
	defer close(senderDone)
	go c.senderLoop(conn, senderDone)

	return c.readLoop(conn)
}

func (c *Client) buildWSURL() (string, error) {
	serverURL, err := url.Parse(c.cfg.ServerBaseURL)
	if err != nil {
		return "", err
	}

	switch serverURL.Scheme {
	case "https":
		serverURL.Scheme = "wss"
	case "http":
		serverURL.Scheme = "ws"
	}

	// Appended to any base path so a server mounted under a prefix works.
	return serverURL.JoinPath("signaling", randDigits(3), randAlnum(8), "websocket").String(), nil
}

// awaitConnected reads frames until the broker acknowledges the STOMP
// CONNECT. Transport heartbeats before the acknowledgement are ignored.
func (c *Client) awaitConnected(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read CONNECTED: %w", err)
		}
		frames, err := decodeSockJS(string(msg))
		if err != nil {
			return err
		}
		for _, raw := range frames {
			f, err := unmarshalFrame(raw)
			if err != nil {
				return fmt.Errorf("parse CONNECTED: %w", err)
			}
			switch f.Command {
			case cmdConnected:
				return nil
			case cmdError:
				return fmt.Errorf("broker refused connect: %s", f.header("message"))
			}
		}
		if len(frames) > 0 {
			return fmt.Errorf("expected CONNECTED, got %q", frames[0])
		}
	}
}

// senderLoop drains the outbound queue into the live connection. It exits
// when the session or the client terminates; queued messages stay queued for
// the next session, including the one whose write just failed.
func (c *Client) senderLoop(conn *websocket.Conn, sessionDone chan struct{}) {
	for {
		select {
		case <-sessionDone:
			return
		case <-c.done:
			return
		case msg := <-c.outbound:
			raw, err := buildSendFrame(msg.destination, msg.payload)
			if err != nil {
				log.Warn("payload marshal failed, dropping", logging.KeyDestination, msg.destination, logging.KeyError, err)
				continue
			}
			if err := c.writeFrame(conn, raw); err != nil {
				log.Warn("send failed, requeueing", logging.KeyDestination, msg.destination, logging.KeyError, err)
				select {
				case c.outbound <- msg:
				default:
					log.Warn("outbound queue full, message lost", logging.KeyDestination, msg.destination)
				}
				return
			}
		}
	}
}

func (c *Client) writeFrame(conn *websocket.Conn, rawFrame string) error {
	data, err := encodeSockJS(rawFrame)
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		frames, err := decodeSockJS(string(msg))
		if err != nil {
			log.Warn("malformed transport message, skipping", logging.KeyError, err)
			continue
		}

		for _, raw := range frames {
			f, err := unmarshalFrame(raw)
			if err != nil {
				log.Warn("malformed frame, skipping", logging.KeyError, err)
				continue
			}
			if f.Command != cmdMessage {
				continue
			}
			if !strings.Contains(f.header("destination"), commandQueue) {
				continue
			}
			if c.handler != nil {
				c.handler([]byte(f.Body))
			}
		}
	}
}

func (c *Client) setHealth(status health.Status, msg string) {
	if c.healthMon != nil {
		c.healthMon.Update("signaling", status, msg)
	}
}

// sleep waits for d or until Stop, returning false when stopped.
func (c *Client) sleep(d time.Duration) bool {
	select {
	case <-c.done:
		return false
	case <-time.After(d):
		return true
	}
}

const (
	digits = "0123456789"
	alnum  = "abcdefghijklmnopqrstuvwxyz0123456789"
)

func randDigits(n int) string {
	return randFrom(digits, n)
}

func randAlnum(n int) string {
	return randFrom(alnum, n)
}

func randFrom(set string, n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = set[rand.Intn(len(set))]
	}
	return string(b)
}
