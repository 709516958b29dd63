// Package adminapi exposes cluster topology introspection over HTTP: REST
// endpoints for pool/server/group snapshots, a raw websocket feed and a
// Socket.IO room for live topology events.
package adminapi

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	socketio "github.com/googollee/go-socket.io"

	"github.com/siridb/siridb-cluster/internal/cluster"
	"github.com/siridb/siridb-cluster/internal/groups"
)

// TopologyEvent is pushed to every connected feed (websocket + Socket.IO)
// whenever a server's flags change or a pool's membership changes.
type TopologyEvent struct {
	Kind       string `json:"kind"` // "flags" or "membership"
	ServerUUID string `json:"server_uuid,omitempty"`
	Pool       uint16 `json:"pool,omitempty"`
	Predicate  string `json:"predicate,omitempty"`
}

// Server is the admin HTTP surface for one running siridbd process.
type Server struct {
	registry *cluster.Registry
	groups   *groups.Registry

	upgrader websocket.Upgrader
	io       *socketio.Server

	mu   sync.Mutex
	feed map[*websocket.Conn]struct{}
}

// NewServer wires a mux.Router with the REST, websocket and Socket.IO
// surfaces over registry and groupRegistry.
func NewServer(registry *cluster.Registry, groupRegistry *groups.Registry) (*Server, error) {
	io, err := socketio.NewServer(nil)
	if err != nil {
		return nil, fmt.Errorf("adminapi: creating socket.io server: %w", err)
	}

	s := &Server{
		registry: registry,
		groups:   groupRegistry,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		io:   io,
		feed: make(map[*websocket.Conn]struct{}),
	}

	io.OnConnect("/", func(conn socketio.Conn) error {
		conn.Join("topology")
		return nil
	})
	io.OnError("/", func(conn socketio.Conn, err error) {
		slog.Warn("adminapi: socket.io session error", "error", err)
	})

	return s, nil
}

// Router builds the mux.Router for this admin surface. CORS is wide open
// since this endpoint is meant for an operator dashboard on a trusted
// network, not a public client surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			if req.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/api/pools", s.handlePools).Methods(http.MethodGet)
	r.HandleFunc("/api/servers/{uuid}", s.handleServer).Methods(http.MethodGet)
	r.HandleFunc("/api/groups", s.handleGroups).Methods(http.MethodGet)
	r.HandleFunc("/ws/topology", s.handleWebsocket).Methods(http.MethodGet)
	r.PathPrefix("/socket.io/").Handler(s.io)

	return r
}

type poolView struct {
	PoolIndex   uint16       `json:"pool_index"`
	ServerCount int          `json:"server_count"`
	Servers     []serverView `json:"servers"`
}

type serverView struct {
	UUID      string `json:"uuid"`
	Address   string `json:"address"`
	Slot      uint8  `json:"slot"`
	Predicate string `json:"predicate"`
}

func (s *Server) handlePools(w http.ResponseWriter, r *http.Request) {
	stats := s.registry.Walk(func(uint16) int { return 0 })

	views := make([]poolView, 0, len(stats))
	for _, stat := range stats {
		pool := s.registry.Pool(stat.PoolIndex)
		members := pool.Members()
		sv := make([]serverView, 0, len(members))
		for _, m := range members {
			sv = append(sv, serverView{
				UUID:      m.UUID.String(),
				Address:   m.String(),
				Slot:      m.Slot,
				Predicate: m.Flags().Classify().String(),
			})
		}
		views = append(views, poolView{PoolIndex: stat.PoolIndex, ServerCount: stat.ServerCount, Servers: sv})
	}

	writeJSON(w, views)
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	idStr := mux.Vars(r)["uuid"]
	id, err := uuid.Parse(idStr)
	if err != nil {
		http.Error(w, "invalid uuid", http.StatusBadRequest)
		return
	}

	srv, ok := s.registry.ByUUID(id)
	if !ok {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, serverView{
		UUID:      srv.UUID.String(),
		Address:   srv.String(),
		Slot:      srv.Slot,
		Predicate: srv.Flags().Classify().String(),
	})
}

type groupView struct {
	Name    string   `json:"name"`
	Source  string   `json:"source"`
	Members []string `json:"members"`
}

func (s *Server) handleGroups(w http.ResponseWriter, r *http.Request) {
	all := s.groups.All()
	views := make([]groupView, 0, len(all))
	for _, g := range all {
		views = append(views, groupView{Name: g.Name, Source: g.Source, Members: g.Members()})
	}
	writeJSON(w, views)
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("adminapi: websocket upgrade failed", "error", err)
		return
	}

	s.mu.Lock()
	s.feed[conn] = struct{}{}
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.feed, conn)
			s.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// Broadcast pushes ev to every connected websocket client and the
// Socket.IO "topology" room.
func (s *Server) Broadcast(ev TopologyEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("adminapi: marshaling topology event", "error", err)
		return
	}

	s.mu.Lock()
	for conn := range s.feed {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			conn.Close()
			delete(s.feed, conn)
		}
	}
	s.mu.Unlock()

	s.io.BroadcastToRoom("/", "topology", "event", ev)
}

// Serve runs the Socket.IO server's background loop and serves the router
// on addr with http.ListenAndServe. It returns only when that call fails;
// it takes no context and exposes no http.Server to shut down.
func (s *Server) Serve(addr string) error {
	go func() {
		if err := s.io.Serve(); err != nil {
			slog.Error("adminapi: socket.io serve loop exited", "error", err)
		}
	}()
	defer s.io.Close()

	slog.Info("adminapi: listening", "addr", addr)
	return http.ListenAndServe(addr, s.Router())
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("adminapi: encoding response", "error", err)
	}
}
