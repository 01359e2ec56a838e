package protocol

// Version1 is the only protocol version this client speaks.
const Version1 uint8 = 1

// NullRequestID addresses connection-management traffic such as GET_VALUES.
const NullRequestID uint16 = 0

// FlagKeepConn in the BEGIN_REQUEST flags byte asks the server to keep the
// connection open after END_REQUEST.
const FlagKeepConn uint8 = 1

// RecType is one FastCGI record kind.
type RecType uint8

const (
	TypeBeginRequest    RecType = 1
	TypeAbortRequest    RecType = 2
	TypeEndRequest      RecType = 3
	TypeParams          RecType = 4
	TypeStdin           RecType = 5
	TypeStdout          RecType = 6
	TypeStderr          RecType = 7
	TypeData            RecType = 8
	TypeGetValues       RecType = 9
	TypeGetValuesResult RecType = 10
	TypeUnknownType     RecType = 11
)

// String implements fmt.Stringer.
func (t RecType) String() string {
	switch t {
	case TypeBeginRequest:
		return "FCGI_BEGIN_REQUEST"
	case TypeAbortRequest:
		return "FCGI_ABORT_REQUEST"
	case TypeEndRequest:
		return "FCGI_END_REQUEST"
	case TypeParams:
		return "FCGI_PARAMS"
	case TypeStdin:
		return "FCGI_STDIN"
	case TypeStdout:
		return "FCGI_STDOUT"
	case TypeStderr:
		return "FCGI_STDERR"
	case TypeData:
		return "FCGI_DATA"
	case TypeGetValues:
		return "FCGI_GET_VALUES"
	case TypeGetValuesResult:
		return "FCGI_GET_VALUES_RESULT"
	default:
		return "FCGI_UNKNOWN_TYPE"
	}
}

// Role is the application mode requested in BEGIN_REQUEST. This client only
// drives RoleResponder.
type Role uint16

const (
	RoleResponder Role = iota + 1
	RoleAuthorizer
	RoleFilter
)

// String implements fmt.Stringer.
func (r Role) String() string {
	switch r {
	case RoleResponder:
		return "FCGI_RESPONDER"
	case RoleAuthorizer:
		return "FCGI_AUTHORIZER"
	case RoleFilter:
		return "FCGI_FILTER"
	default:
		return "FCGI_ROLE_UNKNOWN"
	}
}

// ProtoStatus is the protocol-level status byte carried in END_REQUEST.
type ProtoStatus uint8

const (
	StatusRequestComplete ProtoStatus = iota
	StatusCantMultiplex
	StatusOverloaded
	StatusUnknownRole
)

// String implements fmt.Stringer.
func (s ProtoStatus) String() string {
	switch s {
	case StatusRequestComplete:
		return "FCGI_REQUEST_COMPLETE"
	case StatusCantMultiplex:
		return "FCGI_CANT_MPX_CONN"
	case StatusOverloaded:
		return "FCGI_OVERLOADED"
	case StatusUnknownRole:
		return "FCGI_UNKNOWN_ROLE"
	default:
		return "FCGI_STATUS_UNKNOWN"
	}
}

// Capability names understood by GET_VALUES.
const (
	MaxConns  = "FCGI_MAX_CONNS"
	MaxReqs   = "FCGI_MAX_REQS"
	MpxsConns = "FCGI_MPXS_CONNS"
)
