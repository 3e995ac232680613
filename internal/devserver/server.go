// Package devserver implements a scriptable counterpart server that
// speaks the research wire protocol. It exists for integration tests
// and local development of the client session layer; the production
// backend it stands in for is out of scope here.
package devserver

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/crew-research/client/internal/wire"
)

const writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Handler is invoked for every decoded inbound frame except ping, which
// the server answers itself.
type Handler func(sess *Session, msg *wire.Message)

// Session is one connected client.
type Session struct {
	key  string
	conn *websocket.Conn
	mu   sync.Mutex
}

// Key returns the session key from the connection URL, empty for the
// default session.
func (s *Session) Key() string {
	return s.key
}

// Send marshals v and writes it as a single text frame.
func (s *Session) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close tears down the underlying connection.
func (s *Session) Close() error {
	return s.conn.Close()
}

// Server serves the wire protocol over /ws and /ws/:session.
type Server struct {
	engine  *gin.Engine
	handler Handler

	mu       sync.Mutex
	sessions []*Session
}

// New creates a server that hands inbound frames to handler. A nil
// handler ignores everything but ping.
func New(handler Handler) *Server {
	gin.SetMode(gin.TestMode)

	s := &Server{
		engine:  gin.New(),
		handler: handler,
	}

	s.engine.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})
	s.engine.GET("/ws", func(c *gin.Context) {
		s.serveWS(c.Writer, c.Request, "")
	})
	s.engine.GET("/ws/:session", func(c *gin.Context) {
		s.serveWS(c.Writer, c.Request, c.Param("session"))
	})

	return s
}

// Router returns the HTTP handler, suitable for httptest.NewServer.
func (s *Server) Router() http.Handler {
	return s.engine
}

// Sessions returns the sessions accepted so far.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Session(nil), s.sessions...)
}

// CloseSessions closes every accepted connection, simulating a server
// restart.
func (s *Server) CloseSessions() {
	s.mu.Lock()
	sessions := append([]*Session(nil), s.sessions...)
	s.sessions = nil
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request, key string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("devserver: upgrade failed: %v", err)
		return
	}

	sess := &Session{key: key, conn: conn}
	s.mu.Lock()
	s.sessions = append(s.sessions, sess)
	s.mu.Unlock()

	chatID := key
	if chatID == "" {
		chatID = "default"
	}
	sess.Send(wire.Message{Type: wire.TypeConnectionEstablished, ChatID: chatID})

	go s.readLoop(sess)
}

func (s *Server) readLoop(sess *Session) {
	defer sess.conn.Close()

	for {
		_, data, err := sess.conn.ReadMessage()
		if err != nil {
			return
		}

		msg, err := wire.Decode(data)
		if err != nil {
			log.Printf("devserver: dropping malformed frame: %v", err)
			continue
		}

		if msg.Type == wire.TypePing {
			sess.Send(wire.Message{Type: wire.TypePong})
			continue
		}

		if s.handler != nil {
			s.handler(sess, msg)
		}
	}
}
