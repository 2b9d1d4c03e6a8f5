// Package telemetry publishes the fusion core's outputs: the latest
// nominal state as a timestamped pose with covariance, a
// post-correction pose after each successful update, and the
// IMU<->world / camera<->IMU transforms. Subscribers connect over
// WebSocket; a signed JWT claim sets the clearance tier that decides
// which fields they may see.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// ClearanceLevel gates which fields a subscriber may see.
type ClearanceLevel int

const (
	ClearancePublic ClearanceLevel = iota
	ClearanceOperator
	ClearanceEngineer
)

// PoseMessage is one published pose/covariance snapshot.
type PoseMessage struct {
	Timestamp time.Time  `json:"timestamp"`
	SlotIndex uint8      `json:"slot_index"`
	Position  [3]float64 `json:"position"`
	Velocity  [3]float64 `json:"velocity"`
	Attitude  [4]float64 `json:"attitude_quat"`
	Status    string     `json:"status"` // NO_UP / GOOD_UP / FUZZY_UP after an update, "propagated" for a periodic tick

	// CovarianceDiag is included only for ClearanceEngineer subscribers.
	CovarianceDiag []float64 `json:"covariance_diag,omitempty"`

	// Extrinsics carries the camera<->IMU transform and the
	// world->vision rotation, included only for ClearanceOperator and
	// above.
	Extrinsics *Extrinsics `json:"extrinsics,omitempty"`
}

// Extrinsics is the IMU<->camera rigid transform plus world<->vision
// rotation, part of the self-calibration state.
type Extrinsics struct {
	QCameraToImu [4]float64 `json:"q_ci"`
	PCameraToImu [3]float64 `json:"p_ci"`
	QWorldToVis  [4]float64 `json:"q_wv"`
}

// clearanceClaims is the JWT payload granting a subscriber a clearance level.
type clearanceClaims struct {
	Clearance int `json:"clearance"`
	jwt.RegisteredClaims
}

// Streamer broadcasts PoseMessage values to WebSocket subscribers,
// filtering fields by each subscriber's JWT-derived clearance.
type Streamer struct {
	mu        sync.RWMutex
	clients   map[*client]bool
	broadcast chan *PoseMessage
	upgrader  websocket.Upgrader
	logger    *logrus.Logger
	jwtSecret []byte

	messagesSent   uint64
	clientsServed  uint64
	currentClients int
}

type client struct {
	conn      *websocket.Conn
	clearance ClearanceLevel
	send      chan *PoseMessage
	id        string
}

// NewStreamer constructs a Streamer; jwtSecret verifies subscriber
// clearance tokens.
func NewStreamer(jwtSecret []byte, logger *logrus.Logger) *Streamer {
	if logger == nil {
		logger = logrus.New()
	}
	return &Streamer{
		clients:   make(map[*client]bool),
		broadcast: make(chan *PoseMessage, 256),
		upgrader:  websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 1024},
		logger:    logger,
		jwtSecret: jwtSecret,
	}
}

// HandleWebSocket upgrades an HTTP request to a WebSocket subscriber
// connection, deriving clearance from a `token` query parameter JWT.
func (s *Streamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	clearance := s.validateClearance(r.URL.Query().Get("token"))

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("telemetry: websocket upgrade failed")
		return
	}

	c := &client{
		conn:      conn,
		clearance: clearance,
		send:      make(chan *PoseMessage, 32),
		id:        r.RemoteAddr,
	}

	s.mu.Lock()
	s.clients[c] = true
	s.clientsServed++
	s.currentClients = len(s.clients)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(r.Context())
	go c.writePump(ctx)
	go c.readPump(cancel, s)
}

// validateClearance parses and verifies a subscriber's clearance JWT,
// defaulting to ClearancePublic on any failure (expired, malformed,
// unsigned, or absent token).
func (s *Streamer) validateClearance(token string) ClearanceLevel {
	if token == "" {
		return ClearancePublic
	}

	claims := &clearanceClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	})
	if err != nil || !parsed.Valid {
		return ClearancePublic
	}

	switch ClearanceLevel(claims.Clearance) {
	case ClearanceOperator, ClearanceEngineer:
		return ClearanceLevel(claims.Clearance)
	default:
		return ClearancePublic
	}
}

// Publish enqueues a pose message for broadcast, dropping the oldest
// queued message if the broadcast channel is full.
func (s *Streamer) Publish(msg *PoseMessage) {
	select {
	case s.broadcast <- msg:
	default:
		select {
		case <-s.broadcast:
		default:
		}
		s.broadcast <- msg
	}
}

// Run fans out published messages to subscribers until ctx is cancelled.
func (s *Streamer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return ctx.Err()
		case msg := <-s.broadcast:
			s.fanOut(msg)
		}
	}
}

func (s *Streamer) fanOut(msg *PoseMessage) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for c := range s.clients {
		filtered := filterMessage(msg, c.clearance)
		select {
		case c.send <- filtered:
			s.messagesSent++
		default:
			// slow client: drop this message rather than block the fanout
		}
	}
}

// filterMessage redacts fields above a subscriber's clearance.
func filterMessage(msg *PoseMessage, clearance ClearanceLevel) *PoseMessage {
	out := *msg
	if clearance < ClearanceEngineer {
		out.CovarianceDiag = nil
	}
	if clearance < ClearanceOperator {
		out.Extrinsics = nil
	}
	return &out
}

func (s *Streamer) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.clients {
		close(c.send)
		c.conn.Close()
		delete(s.clients, c)
	}
	s.currentClients = 0
}

func (s *Streamer) removeClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[c]; ok {
		delete(s.clients, c)
		s.currentClients = len(s.clients)
	}
}

func (c *client) writePump(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-c.send:
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump(cancel context.CancelFunc, s *Streamer) {
	defer cancel()
	defer s.removeClient(c)

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Stats returns broadcast counters.
func (s *Streamer) Stats() (sent, served uint64, current int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.messagesSent, s.clientsServed, s.currentClients
}
