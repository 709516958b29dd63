package packet

// Wire type values for the cluster coordination core. Client- and
// server-auth outcomes each get their own type so a peer can dispatch on
// tp alone without parsing the payload first.
const (
	TypeClientAuthReq Type = iota + 1
	TypeServerAuthReq

	TypeAuthSuccess
	TypeErrAuthUnknownDB
	TypeErrAuthCredentials

	TypeAuthErrInvalidUUID
	TypeAuthErrVersionTooOld
	TypeAuthErrVersionTooNew
	TypeAuthErrUnknownDBName
	TypeAuthErrUnknownUUID

	TypeFlagsBroadcast
	TypeQuery
	TypeQueryResult
	TypeErrorMsg
	TypePing
	TypePong
)
