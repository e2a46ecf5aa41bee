// Package recovery classifies raw transport and storage failures into a closed
// taxonomy and decides, per error kind, whether a failed operation is retried,
// aborted or escalated.
package recovery

// ErrorKind is the closed set of failure classes the upload engine knows about.
type ErrorKind int

const (
	Unknown ErrorKind = iota
	Network
	Timeout
	Server
	ClientRejected
	Storage
	Permission
	Cancelled
)

var kindNames = [...]string{
	Unknown:        "unknown",
	Network:        "network",
	Timeout:        "timeout",
	Server:         "server",
	ClientRejected: "client_rejected",
	Storage:        "storage",
	Permission:     "permission",
	Cancelled:      "cancelled",
}

// Kinds lists every ErrorKind in declaration order.
func Kinds() []ErrorKind {
	return []ErrorKind{Unknown, Network, Timeout, Server, ClientRejected, Storage, Permission, Cancelled}
}

func (k ErrorKind) String() string {
	if k >= 0 && int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

// Retryable reports whether failures of this kind may succeed when repeated.
func (k ErrorKind) Retryable() bool {
	switch k {
	case Network, Timeout, Server, Unknown:
		return true
	default:
		return false
	}
}

// KindForStatus maps an HTTP status code to an ErrorKind.
func KindForStatus(code int) ErrorKind {
	switch {
	case code == 408:
		return Timeout
	case code == 429:
		return Server
	case code == 401 || code == 403:
		return Permission
	case code == 507:
		return Storage
	case code >= 400 && code < 500:
		return ClientRejected
	case code >= 500 && code < 600:
		return Server
	default:
		return Unknown
	}
}
