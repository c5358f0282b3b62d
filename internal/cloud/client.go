// Package cloud pushes crop steering analytics to the AgSys cloud over a
// WebSocket and accepts mode commands coming back.
package cloud

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Outbound WebSocket messages (to cloud)
	MsgTypeIrrigation      MessageType = "irrigation_event"
	MsgTypePhaseTransition MessageType = "phase_transition"
	MsgTypeDryback         MessageType = "dryback_record"
	MsgTypeCalibration     MessageType = "calibration_record"
	MsgTypeAck             MessageType = "ack"
	MsgTypePong            MessageType = "pong"

	// Inbound WebSocket messages (from cloud)
	MsgTypeRecordAck   MessageType = "record_ack"
	MsgTypeModeCommand MessageType = "mode_command"
	MsgTypePing        MessageType = "ping"
)

// Message represents a WebSocket message to/from the cloud
type Message struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id,omitempty"`
	Timestamp string          `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Config holds cloud client configuration
type Config struct {
	WebSocketURL string `yaml:"websocket_url"`
	ControllerID string `yaml:"controller_id"`
	APIKey       string `yaml:"api_key"`

	PingInterval time.Duration `yaml:"ping_interval"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`

	// Records are pushed in batches on this interval while connected
	SyncInterval time.Duration `yaml:"sync_interval"`
	BatchSize    int           `yaml:"batch_size" validate:"gte=0"`

	// Reconnection settings (exponential backoff)
	InitialRetryDelay time.Duration `yaml:"initial_retry_delay"`
	MaxRetryDelay     time.Duration `yaml:"max_retry_delay"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
	JitterPercent     float64       `yaml:"jitter_percent"`
}

// DefaultConfig returns default cloud client configuration
func DefaultConfig() Config {
	return Config{
		PingInterval:      30 * time.Second,
		WriteTimeout:      10 * time.Second,
		ReadTimeout:       60 * time.Second,
		SyncInterval:      60 * time.Second,
		BatchSize:         50,
		InitialRetryDelay: 1 * time.Second,
		MaxRetryDelay:     60 * time.Second,
		BackoffMultiplier: 2.0,
		JitterPercent:     0.25,
	}
}

// ModeCommand asks the controller to switch a zone's operating mode
type ModeCommand struct {
	ZoneID string `json:"zone_id"`
	Mode   string `json:"mode"`
}

// Client handles communication with the AgSys cloud
type Client struct {
	config    Config
	store     Store
	conn      *websocket.Conn
	sendChan  chan *Message
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	mu        sync.Mutex
	connected bool

	// Messages sent but not yet acknowledged, by message ID
	pending map[string]pendingRecord

	// Current retry delay for exponential backoff
	currentRetryDelay time.Duration

	onModeCommand func(ModeCommand) error
}

// New creates a new cloud client
func New(config Config, store Store) *Client {
	return &Client{
		config:            config,
		store:             store,
		sendChan:          make(chan *Message, 100),
		stopChan:          make(chan struct{}),
		pending:           make(map[string]pendingRecord),
		currentRetryDelay: config.InitialRetryDelay,
	}
}

// SetModeCommandCallback sets the callback for mode commands; an error is
// reported back to the cloud in the ack
func (c *Client) SetModeCommandCallback(cb func(ModeCommand) error) {
	c.mu.Lock()
	c.onModeCommand = cb
	c.mu.Unlock()
}

// Start connects to the cloud and starts the WebSocket message loops
func (c *Client) Start(ctx context.Context) error {
	if c.config.WebSocketURL == "" {
		return fmt.Errorf("cloud websocket URL not configured")
	}
	c.wg.Add(1)
	go c.connectionLoop(ctx)
	return nil
}

// Stop disconnects from the cloud and stops all loops
func (c *Client) Stop() error {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.wg.Wait()
	return nil
}

// IsConnected returns whether the WebSocket is connected
func (c *Client) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// connectionLoop manages the WebSocket connection with exponential backoff
func (c *Client) connectionLoop(ctx context.Context) {
	defer c.wg.Done()

	for {
		select {
		case <-c.stopChan:
			c.disconnect()
			return
		case <-ctx.Done():
			c.disconnect()
			return
		default:
		}

		if err := c.connect(ctx); err != nil {
			log.Printf("Failed to connect to cloud: %v", err)
			if !c.waitWithBackoff(ctx) {
				return
			}
			continue
		}

		// Reset retry delay on successful connection
		c.currentRetryDelay = c.config.InitialRetryDelay

		c.runMessageLoops(ctx)
		c.disconnect()

		log.Println("Disconnected from cloud, reconnecting...")
		if !c.waitWithBackoff(ctx) {
			return
		}
	}
}

// waitWithBackoff waits for the current retry delay with jitter; false when
// the client is stopping
func (c *Client) waitWithBackoff(ctx context.Context) bool {
	jitter := c.currentRetryDelay.Seconds() * c.config.JitterPercent * (rand.Float64()*2 - 1)
	delay := c.currentRetryDelay + time.Duration(jitter*float64(time.Second))

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-c.stopChan:
		return false
	case <-ctx.Done():
		return false
	}

	c.currentRetryDelay = time.Duration(float64(c.currentRetryDelay) * c.config.BackoffMultiplier)
	if c.currentRetryDelay > c.config.MaxRetryDelay {
		c.currentRetryDelay = c.config.MaxRetryDelay
	}
	return true
}

// connect establishes the WebSocket connection
func (c *Client) connect(ctx context.Context) error {
	u, err := url.Parse(c.config.WebSocketURL)
	if err != nil {
		return fmt.Errorf("invalid websocket URL: %w", err)
	}
	q := u.Query()
	q.Set("api_key", c.config.APIKey)
	q.Set("controller_id", c.config.ControllerID)
	u.RawQuery = q.Encode()

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}

	conn, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	log.Printf("Connected to cloud WebSocket: %s", c.config.WebSocketURL)
	return nil
}

// disconnect closes the WebSocket connection. Unacknowledged records stay
// unsynced and are sent again after reconnecting.
func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connected = false
	c.pending = make(map[string]pendingRecord)
}

// runMessageLoops runs the read, write and sync loops until one of them ends
func (c *Client) runMessageLoops(ctx context.Context) {
	var wg sync.WaitGroup
	done := make(chan struct{})

	wg.Add(3)
	go func() {
		defer wg.Done()
		c.readLoop(done)
	}()
	go func() {
		defer wg.Done()
		c.writeLoop(ctx, done)
		// a failed write must also end the read loop
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
		}
		c.mu.Unlock()
	}()
	go func() {
		defer wg.Done()
		c.syncLoop(ctx, done)
	}()

	wg.Wait()
}

// readLoop reads messages from the WebSocket
func (c *Client) readLoop(done chan struct{}) {
	defer close(done)

	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.config.ReadTimeout))

		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket read error: %v", err)
			}
			return
		}

		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("Failed to parse message: %v", err)
			continue
		}

		c.handleMessage(&msg)
	}
}

// writeLoop sends messages to the WebSocket
func (c *Client) writeLoop(ctx context.Context, done chan struct{}) {
	ticker := time.NewTicker(c.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-c.stopChan:
			return

		case msg := <-c.sendChan:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				continue
			}

			data, err := json.Marshal(msg)
			if err != nil {
				log.Printf("Failed to marshal message: %v", err)
				continue
			}

			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Printf("WebSocket write error: %v", err)
				return
			}

		case <-ticker.C:
			c.mu.Lock()
			conn := c.conn
			c.mu.Unlock()

			if conn == nil {
				return
			}

			conn.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Printf("Ping failed: %v", err)
				return
			}
		}
	}
}

// handleMessage processes an incoming WebSocket message
func (c *Client) handleMessage(msg *Message) {
	switch msg.Type {
	case MsgTypeRecordAck:
		var ack RecordAck
		if err := json.Unmarshal(msg.Payload, &ack); err != nil {
			log.Printf("Invalid record ack: %v", err)
			return
		}
		c.acknowledge(ack)

	case MsgTypeModeCommand:
		c.mu.Lock()
		onModeCommand := c.onModeCommand
		c.mu.Unlock()

		var cmd ModeCommand
		if err := json.Unmarshal(msg.Payload, &cmd); err != nil {
			errMsg := err.Error()
			c.sendAck(msg.ID, false, &errMsg)
			return
		}
		if onModeCommand == nil {
			errMsg := "mode commands not supported"
			c.sendAck(msg.ID, false, &errMsg)
			return
		}
		if err := onModeCommand(cmd); err != nil {
			errMsg := err.Error()
			c.sendAck(msg.ID, false, &errMsg)
			return
		}
		c.sendAck(msg.ID, true, nil)

	case MsgTypePing:
		c.sendPong(msg.ID)

	default:
		log.Printf("Unknown message type: %s", msg.Type)
	}
}

func newMessage(t MessageType, payload interface{}) (*Message, error) {
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{
		Type:      t,
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payload:   payloadBytes,
	}, nil
}

// enqueue hands a message to the write loop without blocking
func (c *Client) enqueue(msg *Message) bool {
	select {
	case c.sendChan <- msg:
		return true
	default:
		log.Printf("Send queue full, dropping %s", msg.Type)
		return false
	}
}

// sendAck sends an acknowledgment message
func (c *Client) sendAck(messageID string, success bool, errMsg *string) {
	payload := map[string]interface{}{
		"message_id": messageID,
		"success":    success,
	}
	if errMsg != nil {
		payload["error"] = *errMsg
	}
	msg, err := newMessage(MsgTypeAck, payload)
	if err != nil {
		return
	}
	c.enqueue(msg)
}

// sendPong sends a pong response to a ping
func (c *Client) sendPong(pingID string) {
	msg, err := newMessage(MsgTypePong, map[string]interface{}{"ping_id": pingID})
	if err != nil {
		return
	}
	c.enqueue(msg)
}
