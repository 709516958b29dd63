package cluster

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lenientVersionLess(a, b string) bool { return a < b }

func newResponder(t *testing.T, known *Server) *Responder {
	t.Helper()
	return &Responder{
		DBName:     "dbtest",
		LocalUUID:  mustUUID(t, "00000000-0000-0000-0000-00000000000a"),
		Version:    "2.0.5",
		MinVersion: "2.0.0",
		Lookup: func(id uuid.UUID) *Server {
			if known != nil && id == known.UUID {
				return known
			}
			return nil
		},
		VersionLess: lenientVersionLess,
	}
}

func TestAuthenticateRejectsMalformedUUID(t *testing.T) {
	r := newResponder(t, nil)
	outcome, srv := r.Authenticate(HandshakeRequest{
		UUID:   []byte{1, 2, 3}, // not 16 bytes
		DBName: "dbtest",
	})
	assert.Equal(t, AuthErrInvalidUUID, outcome)
	assert.Nil(t, srv)
}

func TestAuthenticateRejectsWrongDBName(t *testing.T) {
	r := newResponder(t, nil)
	peer := mustUUID(t, "00000000-0000-0000-0000-000000000001")
	outcome, srv := r.Authenticate(HandshakeRequest{
		UUID:       peer[:],
		DBName:     "wrongdb",
		Version:    "2.0.5",
		MinVersion: "2.0.0",
	})
	assert.Equal(t, AuthErrUnknownDBName, outcome)
	assert.Nil(t, srv)
}

// TestAuthenticateVersionChecksPrecedeDBNameCheck pins the check order to
// the original siridb_auth_server_request: invalid-uuid, too-old, too-new,
// unknown-dbname, unknown-uuid/self. A request that fails both the version
// window and the dbname check must report the version failure.
func TestAuthenticateVersionChecksPrecedeDBNameCheck(t *testing.T) {
	r := newResponder(t, nil)
	peer := mustUUID(t, "00000000-0000-0000-0000-000000000001")
	outcome, srv := r.Authenticate(HandshakeRequest{
		UUID:       peer[:],
		DBName:     "wrongdb",
		Version:    "1.0.0", // below MinVersion "2.0.0"
		MinVersion: "1.0.0",
	})
	assert.Equal(t, AuthErrVersionTooOld, outcome)
	assert.Nil(t, srv)
}

func TestAuthenticateRejectsVersionTooOld(t *testing.T) {
	r := newResponder(t, nil)
	peer := mustUUID(t, "00000000-0000-0000-0000-000000000001")
	outcome, _ := r.Authenticate(HandshakeRequest{
		UUID:       peer[:],
		DBName:     "dbtest",
		Version:    "1.0.0", // below MinVersion "2.0.0"
		MinVersion: "1.0.0",
	})
	assert.Equal(t, AuthErrVersionTooOld, outcome)
}

func TestAuthenticateRejectsVersionTooNew(t *testing.T) {
	r := newResponder(t, nil)
	peer := mustUUID(t, "00000000-0000-0000-0000-000000000001")
	outcome, _ := r.Authenticate(HandshakeRequest{
		UUID:       peer[:],
		DBName:     "dbtest",
		Version:    "2.0.5",
		MinVersion: "3.0.0", // above our Version "2.0.5"
	})
	assert.Equal(t, AuthErrVersionTooNew, outcome)
}

// TestAuthenticateHidesOwnIdentity verifies that probing with the
// responder's own UUID produces the identical outcome to probing with a
// genuinely-unknown UUID, so a caller can't distinguish "that's you" from
// "never heard of it".
func TestAuthenticateHidesOwnIdentity(t *testing.T) {
	r := newResponder(t, nil)

	selfOutcome, selfSrv := r.Authenticate(HandshakeRequest{
		UUID:       r.LocalUUID[:],
		DBName:     "dbtest",
		Version:    "2.0.5",
		MinVersion: "2.0.0",
	})

	unknown := mustUUID(t, "00000000-0000-0000-0000-0000000000ff")
	unknownOutcome, unknownSrv := r.Authenticate(HandshakeRequest{
		UUID:       unknown[:],
		DBName:     "dbtest",
		Version:    "2.0.5",
		MinVersion: "2.0.0",
	})

	assert.Equal(t, AuthErrUnknownUUID, selfOutcome)
	assert.Equal(t, AuthErrUnknownUUID, unknownOutcome)
	assert.Nil(t, selfSrv)
	assert.Nil(t, unknownSrv)
}

func TestAuthenticateSucceedsForKnownServer(t *testing.T) {
	known := NewServer(mustUUID(t, "00000000-0000-0000-0000-000000000001"), "a", 9000, 0)
	r := newResponder(t, known)

	outcome, srv := r.Authenticate(HandshakeRequest{
		UUID:       known.UUID[:],
		DBName:     "dbtest",
		Version:    "2.0.5",
		MinVersion: "2.0.0",
	})
	require.Equal(t, AuthSuccess, outcome)
	assert.Same(t, known, srv)
}

func TestCompleteBindsStreamAndMarksAuthenticated(t *testing.T) {
	srv := NewServer(mustUUID(t, "00000000-0000-0000-0000-000000000001"), "a", 9000, 0)
	st := &fakeStream{}

	Complete(srv, st, "2.0.7")

	assert.Equal(t, "2.0.7", srv.Version)
	assert.True(t, srv.Connected())
	assert.True(t, srv.Flags().Has(FlagAuthenticated))
}

func TestFailClearsAuthenticatedOnKnownServer(t *testing.T) {
	srv := NewServer(mustUUID(t, "00000000-0000-0000-0000-000000000001"), "a", 9000, 0)
	srv.SetAuthenticated(true)

	err := Fail(srv, AuthErrVersionTooOld)
	require.Error(t, err)
	assert.False(t, srv.Flags().Has(FlagAuthenticated))
}

func TestFailToleratesNilServer(t *testing.T) {
	err := Fail(nil, AuthErrUnknownUUID)
	assert.Error(t, err)
}
