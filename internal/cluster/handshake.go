package cluster

import (
	"fmt"

	"github.com/google/uuid"
)

// AuthOutcome enumerates the six possible results of a server-to-server
// handshake, mirroring the original siridb_server_auth responses exactly.
type AuthOutcome int

const (
	AuthSuccess AuthOutcome = iota
	AuthErrInvalidUUID
	AuthErrVersionTooOld
	AuthErrVersionTooNew
	AuthErrUnknownDBName
	AuthErrUnknownUUID
)

func (o AuthOutcome) String() string {
	switch o {
	case AuthSuccess:
		return "AUTH_SUCCESS"
	case AuthErrInvalidUUID:
		return "AUTH_ERR_INVALID_UUID"
	case AuthErrVersionTooOld:
		return "AUTH_ERR_VERSION_TOO_OLD"
	case AuthErrVersionTooNew:
		return "AUTH_ERR_VERSION_TOO_NEW"
	case AuthErrUnknownDBName:
		return "AUTH_ERR_UNKNOWN_DBNAME"
	case AuthErrUnknownUUID:
		return "AUTH_ERR_UNKNOWN_UUID"
	default:
		return "AUTH_UNKNOWN"
	}
}

// HandshakeRequest is what the initiator of a server-to-server handshake
// sends: its own identity, the database it believes it's joining, and the
// version compatibility window it supports.
type HandshakeRequest struct {
	UUID       []byte // must be exactly 16 bytes
	DBName     string
	Version    string
	MinVersion string
}

// Responder answers server-to-server handshake requests on behalf of one
// local database instance.
type Responder struct {
	DBName     string
	LocalUUID  uuid.UUID
	Version    string
	MinVersion string

	// Lookup resolves a remote UUID to its server record; nil means unknown.
	Lookup func(id uuid.UUID) *Server

	// VersionLess reports whether a < b as dotted version strings. Kept
	// injectable so callers can swap in semver-aware comparison.
	VersionLess func(a, b string) bool
}

// Authenticate evaluates req against r's database identity, version window,
// and known-server table, returning exactly one AuthOutcome and, on
// success, the matched server record.
//
// Checks run in the order the original siridb_auth_server_request does:
// malformed uuid, version too old, version too new, unknown dbname, then
// unknown uuid/self — a request that fails more than one check reports
// whichever comes first in that order.
//
// AUTH_ERR_UNKNOWN_UUID also covers the case where req.UUID equals r's own
// UUID: both are reported identically so a probing peer can't distinguish
// "you don't know this server" from "that's actually you", which would leak
// cluster topology to an unauthenticated caller.
func (r *Responder) Authenticate(req HandshakeRequest) (AuthOutcome, *Server) {
	id, err := uuid.FromBytes(req.UUID)
	if err != nil {
		return AuthErrInvalidUUID, nil
	}

	if r.VersionLess(req.Version, r.MinVersion) {
		return AuthErrVersionTooOld, nil
	}
	if r.VersionLess(r.Version, req.MinVersion) {
		return AuthErrVersionTooNew, nil
	}

	if req.DBName != r.DBName {
		return AuthErrUnknownDBName, nil
	}

	if id == r.LocalUUID {
		return AuthErrUnknownUUID, nil
	}

	srv := r.Lookup(id)
	if srv == nil {
		return AuthErrUnknownUUID, nil
	}

	return AuthSuccess, srv
}

// Complete finishes a successful handshake: binds the stream to srv with an
// incremented reference, marks srv authenticated, and records the peer's
// reported version.
func Complete(srv *Server, st Stream, remoteVersion string) {
	srv.Version = remoteVersion
	srv.BindStream(st)
	srv.SetAuthenticated(true)
}

// Fail records a failed handshake attempt against srv, if one was matched
// at all (AUTH_ERR_INVALID_UUID / UNKNOWN_DBNAME / UNKNOWN_UUID never match
// a server record, so srv may be nil here).
func Fail(srv *Server, outcome AuthOutcome) error {
	if srv != nil {
		srv.SetAuthenticated(false)
	}
	return fmt.Errorf("cluster: handshake failed: %s", outcome)
}
