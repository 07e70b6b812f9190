package network

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	logging "github.com/ipfs/go-log/v2"

	"runelink/models"
)

var log = logging.Logger("network")

const (
	writeTimeout     = 10 * time.Second
	clientSendBuffer = 64
)

// Handler serves requests arriving on the signal bus.
type Handler interface {
	HandleSignal(ctx context.Context, req models.Request) (any, error)
}

// serverClient queues outbound frames for one connection. Replies are never
// dropped; events are best effort and fall on the floor when events is full.
type serverClient struct {
	conn    *websocket.Conn
	events  chan []byte
	replies chan []byte
	done    chan struct{}

	closeOnce sync.Once
}

func (c *serverClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

// Server exposes a Handler over websocket and fans out discovered-device
// events to every connected client.
type Server struct {
	handler  Handler
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*serverClient]struct{}

	httpServer *http.Server
	listener   net.Listener

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewServer creates a server for handler. Use Listen or mount it as an
// http.Handler.
func NewServer(handler Handler) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		handler: handler,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		clients: make(map[*serverClient]struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Listen serves the signal bus on address until Close.
func (s *Server) Listen(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("listen on %q: %w", address, err)
	}

	s.listener = listener
	s.httpServer = &http.Server{Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("signal server stopped", "err", err)
		}
	}()

	log.Infow("signal bus listening", "address", listener.Addr().String())
	return nil
}

// Router serves the signal bus on SignalPath and a read-only JSON device
// list on DevicesPath.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.Handle(SignalPath, s)
	r.HandleFunc(DevicesPath, s.handleDevices).Methods(http.MethodGet)
	return r
}

// Addr returns the listening address once Listen has succeeded.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ServeHTTP upgrades the request and serves one signal client.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnw("websocket upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}

	client := &serverClient{
		conn:    conn,
		events:  make(chan []byte, clientSendBuffer),
		replies: make(chan []byte),
		done:    make(chan struct{}),
	}

	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.clients[client] = struct{}{}
	s.wg.Add(2)
	s.mu.Unlock()

	log.Debugw("signal client connected", "remote", r.RemoteAddr)

	go s.writePump(client)
	go s.readPump(client)
}

// PublishDiscovered sends msg to every connected client.
func (s *Server) PublishDiscovered(msg models.DiscoveredDeviceMessage) {
	env, err := NewEnvelope(models.SignalDiscoveredDevice, msg)
	if err != nil {
		log.Warnw("encode discovered device failed", "err", err)
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		log.Warnw("encode envelope failed", "err", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for client := range s.clients {
		select {
		case client.events <- raw:
		default:
			log.Debugw("dropping event for slow signal client", "fingerprint", msg.Fingerprint)
		}
	}
}

// Close disconnects every client and stops listening.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.cancel()

		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			closeErr = s.httpServer.Shutdown(ctx)
			cancel()
		}

		s.mu.Lock()
		for client := range s.clients {
			client.conn.Close()
		}
		s.mu.Unlock()

		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) handleDevices(w http.ResponseWriter, r *http.Request) {
	result, err := s.handler.HandleSignal(r.Context(), models.GetDiscoveredDevicesRequest{})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp, ok := result.(models.GetDiscoveredDevicesResponse)
	if !ok {
		http.Error(w, "device list unavailable", http.StatusNotImplemented)
		return
	}
	if resp.Devices == nil {
		resp.Devices = []models.DiscoveredDeviceMessage{}
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		log.Debugw("write device list failed", "err", err)
	}
}

func (s *Server) removeClient(client *serverClient) {
	s.mu.Lock()
	delete(s.clients, client)
	s.mu.Unlock()
	client.close()
}

func (s *Server) readPump(client *serverClient) {
	defer s.wg.Done()
	defer func() {
		s.removeClient(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(MaxEnvelopeSize)
	for {
		_, data, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debugw("signal client read failed", "err", err)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warnw("invalid signal envelope", "err", err)
			continue
		}

		reply := s.dispatch(env)
		raw, err := json.Marshal(reply)
		if err != nil {
			log.Warnw("encode reply failed", "err", err)
			continue
		}

		select {
		case client.replies <- raw:
		case <-client.done:
			return
		}
	}
}

func (s *Server) dispatch(env Envelope) Envelope {
	req, err := DecodeRequest(env)
	if err != nil {
		return responseEnvelope(env.ID, nil, err)
	}

	result, err := s.handler.HandleSignal(s.ctx, req)
	if err != nil {
		log.Warnw("signal failed", "type", env.Type, "err", err)
	}
	return responseEnvelope(env.ID, result, err)
}

func (s *Server) writePump(client *serverClient) {
	defer s.wg.Done()
	defer client.conn.Close()

	for {
		var msg []byte
		select {
		case msg = <-client.replies:
		case msg = <-client.events:
		case <-client.done:
			client.conn.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			return
		}

		client.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := client.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			log.Debugw("signal client write failed", "err", err)
			s.removeClient(client)
			return
		}
	}
}
