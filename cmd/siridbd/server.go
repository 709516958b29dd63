package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/siridb/siridb-cluster/internal/adminapi"
	"github.com/siridb/siridb-cluster/internal/clientauth"
	"github.com/siridb/siridb-cluster/internal/cluster"
	"github.com/siridb/siridb-cluster/internal/clusterstore"
	"github.com/siridb/siridb-cluster/internal/lifecycle"
	"github.com/siridb/siridb-cluster/internal/packet"
	"github.com/siridb/siridb-cluster/internal/stream"
	"github.com/siridb/siridb-cluster/internal/telemetry"
)

// connServer accepts both backend (server-to-server) and client
// connections on the single configured listener and dispatches each
// decoded packet by its wire type.
type connServer struct {
	registry   *cluster.Registry
	responder  *cluster.Responder
	clientAuth *clientauth.Registry
	metrics    *telemetry.Metrics
	auditLog   *clusterstore.AuditLog
	admin      *adminapi.Server
	sup        *lifecycle.Supervisor
}

func (s *connServer) acceptLoop(listener net.Listener) {
	for {
		conn, err := listener.Accept()
		if err != nil {
			slog.Debug("siridbd: accept loop exiting", "error", err)
			return
		}
		s.metrics.StreamsActive.Inc()
		go s.handleConn(conn)
	}
}

// handleConn wraps conn in a stream; until an auth request succeeds only
// auth requests and pings are answered, and any other packet closes the
// stream. Everything is driven from the stream's own dispatch callback, so
// there is no separate read loop here.
func (s *connServer) handleConn(conn net.Conn) {
	var st *stream.Stream
	ready := make(chan struct{})

	st = stream.New(conn, func(pkt *packet.Packet) {
		<-ready // block until st is assigned on this goroutine, below
		s.dispatch(st, pkt)
	})
	close(ready)

	unregister := s.sup.Register(streamHandle{st})
	defer unregister()

	<-st.Done()
	s.metrics.StreamsActive.Dec()
}

// streamHandle adapts *stream.Stream to lifecycle.Handle.
type streamHandle struct{ st *stream.Stream }

func (h streamHandle) Close() { h.st.Close() }

func (s *connServer) dispatch(st *stream.Stream, pkt *packet.Packet) {
	switch pkt.Tp {
	case packet.TypeClientAuthReq:
		s.handleClientAuth(st, pkt)
	case packet.TypeServerAuthReq:
		s.handleServerAuth(st, pkt)
	case packet.TypePing:
		_ = st.Write(packet.New(pkt.Pid, packet.TypePong, nil))
	default:
		if origin := st.Origin(); origin != nil {
			s.routeAuthenticated(st, origin, pkt)
			return
		}
		slog.Warn("siridbd: packet from unauthenticated stream, dropping", "type", pkt.Tp)
		st.Close()
	}
}

func (s *connServer) handleClientAuth(st *stream.Stream, pkt *packet.Packet) {
	req, err := packet.DecodeClientAuth(pkt.Data)
	if err != nil {
		_ = st.Write(packet.Err(pkt.Pid, packet.TypeErrorMsg, "malformed auth request"))
		st.Close()
		return
	}

	outcome := s.clientAuth.Authenticate(req.Username, req.Password, req.DBName)
	switch outcome {
	case clientauth.AuthSuccess:
		st.SetOrigin(req.Username)
		_ = st.Write(packet.New(pkt.Pid, packet.TypeAuthSuccess, nil))
	case clientauth.ErrUnknownDB:
		_ = st.Write(packet.Err(pkt.Pid, packet.TypeErrAuthUnknownDB, outcome.String()))
		st.Close()
	default:
		_ = st.Write(packet.Err(pkt.Pid, packet.TypeErrAuthCredentials, outcome.String()))
		st.Close()
	}
}

func (s *connServer) handleServerAuth(st *stream.Stream, pkt *packet.Packet) {
	req, err := packet.DecodeServerAuth(pkt.Data)
	if err != nil {
		_ = st.Write(packet.Err(pkt.Pid, packet.TypeErrorMsg, "malformed handshake request"))
		st.Close()
		return
	}

	outcome, srv := s.responder.Authenticate(cluster.HandshakeRequest{
		UUID:       req.UUID,
		DBName:     req.DBName,
		Version:    req.Version,
		MinVersion: req.MinVersion,
	})

	if outcome != cluster.AuthSuccess {
		wireType := serverAuthFailureType(outcome)
		_ = st.Write(packet.Err(pkt.Pid, wireType, outcome.String()))
		if s.auditLog != nil {
			_ = s.auditLog.Record(context.Background(), "handshake_failed", uuid.UUID(req.UUID[:]).String(), 0, outcome.String())
		}
		st.Close()
		return
	}

	cluster.Complete(srv, st, req.Version)
	_ = st.Write(packet.New(pkt.Pid, packet.TypeAuthSuccess, nil))

	s.metrics.SetServerOnline(srv.UUID.String(), fmt.Sprint(srv.Pool), srv.Online())
	s.admin.Broadcast(adminapi.TopologyEvent{
		Kind:       "flags",
		ServerUUID: srv.UUID.String(),
		Pool:       srv.Pool,
		Predicate:  srv.Flags().Classify().String(),
	})
	if s.auditLog != nil {
		_ = s.auditLog.Record(context.Background(), "handshake_succeeded", srv.UUID.String(), srv.Pool, "")
	}
}

func serverAuthFailureType(outcome cluster.AuthOutcome) packet.Type {
	switch outcome {
	case cluster.AuthErrInvalidUUID:
		return packet.TypeAuthErrInvalidUUID
	case cluster.AuthErrVersionTooOld:
		return packet.TypeAuthErrVersionTooOld
	case cluster.AuthErrVersionTooNew:
		return packet.TypeAuthErrVersionTooNew
	case cluster.AuthErrUnknownDBName:
		return packet.TypeAuthErrUnknownDBName
	default:
		return packet.TypeAuthErrUnknownUUID
	}
}

// routeAuthenticated handles traffic on an already-authenticated stream.
// Query execution against the data layer is out of scope for this core: a
// QueryResult from a backend completes the matching promise in that
// server's table, every other packet gets an "unsupported packet type"
// error reply under its pid, and the byte count is recorded for telemetry.
func (s *connServer) routeAuthenticated(st *stream.Stream, origin interface{}, pkt *packet.Packet) {
	s.metrics.StreamBytesIn.Add(float64(packet.HeaderSize + len(pkt.Data)))

	switch id := origin.(type) {
	case uuid.UUID:
		srv, ok := s.registry.ByUUID(id)
		if ok && pkt.Tp == packet.TypeQueryResult {
			srv.Promises.Complete(pkt.Pid, pkt)
			return
		}
	case string:
		// Client-origin traffic (query requests) would be routed to the
		// query engine here; out of scope for the cluster coordination core.
	}
	_ = st.Write(packet.Err(pkt.Pid, packet.TypeErrorMsg, "unsupported packet type"))
}

// serveMetrics runs a minimal HTTP server exposing Prometheus metrics,
// independent from the admin API's router so it can be disabled or bound
// separately in production.
func serveMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.Handler())
	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return srv.ListenAndServe()
}
