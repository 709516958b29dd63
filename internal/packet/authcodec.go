package packet

import "encoding/binary"

// ClientAuthPayload is the decoded form of a CLIENT_AUTH_REQ packet body.
type ClientAuthPayload struct {
	Username string
	Password string
	DBName   string
}

// EncodeClientAuth serializes a client auth request as three length-prefixed
// fields, the same raw-string framing encodeErrorMsg uses.
func EncodeClientAuth(p ClientAuthPayload) []byte {
	var buf []byte
	buf = appendRaw(buf, p.Username)
	buf = appendRaw(buf, p.Password)
	buf = appendRaw(buf, p.DBName)
	return buf
}

// DecodeClientAuth parses a CLIENT_AUTH_REQ payload.
func DecodeClientAuth(data []byte) (ClientAuthPayload, error) {
	username, rest, err := readRaw(data)
	if err != nil {
		return ClientAuthPayload{}, err
	}
	password, rest, err := readRaw(rest)
	if err != nil {
		return ClientAuthPayload{}, err
	}
	dbname, _, err := readRaw(rest)
	if err != nil {
		return ClientAuthPayload{}, err
	}
	return ClientAuthPayload{Username: username, Password: password, DBName: dbname}, nil
}

// ServerAuthPayload is the decoded form of a SERVER_AUTH_REQ packet body.
type ServerAuthPayload struct {
	UUID       []byte // exactly 16 bytes on a well-formed request
	DBName     string
	Version    string
	MinVersion string
}

// EncodeServerAuth serializes a server handshake request: a fixed 16-byte
// UUID followed by three length-prefixed strings.
func EncodeServerAuth(p ServerAuthPayload) []byte {
	buf := make([]byte, 0, 16+len(p.DBName)+len(p.Version)+len(p.MinVersion)+16)
	buf = append(buf, p.UUID...)
	buf = appendRaw(buf, p.DBName)
	buf = appendRaw(buf, p.Version)
	buf = appendRaw(buf, p.MinVersion)
	return buf
}

// DecodeServerAuth parses a SERVER_AUTH_REQ payload.
func DecodeServerAuth(data []byte) (ServerAuthPayload, error) {
	if len(data) < 16 {
		return ServerAuthPayload{}, ErrTruncated
	}
	id := make([]byte, 16)
	copy(id, data[:16])

	dbname, rest, err := readRaw(data[16:])
	if err != nil {
		return ServerAuthPayload{}, err
	}
	version, rest, err := readRaw(rest)
	if err != nil {
		return ServerAuthPayload{}, err
	}
	minVersion, _, err := readRaw(rest)
	if err != nil {
		return ServerAuthPayload{}, err
	}

	return ServerAuthPayload{UUID: id, DBName: dbname, Version: version, MinVersion: minVersion}, nil
}

// readRaw reads one length-prefixed string field, returning it plus
// whatever of buf follows it.
func readRaw(buf []byte) (string, []byte, error) {
	if len(buf) < 4 {
		return "", nil, ErrTruncated
	}
	n := binary.LittleEndian.Uint32(buf[0:4])
	if uint32(len(buf)-4) < n {
		return "", nil, ErrTruncated
	}
	return string(buf[4 : 4+n]), buf[4+n:], nil
}
