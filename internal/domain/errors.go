package domain

// Reason is an admission or server failure. Its value is sent verbatim
// in ERROR payloads.
type Reason string

const (
	ReasonInvalidKey            Reason = "Invalid key provided"
	ReasonInvalidToken          Reason = "Invalid token provided"
	ReasonInvalidWSParameters   Reason = "No id, token, or key supplied to websocket server"
	ReasonInvalidIPAddress      Reason = "Invalid IP address"
	ReasonConnectionLimitExceed Reason = "Server has reached its concurrent user limit"
	ReasonServerError           Reason = "Server error"

	// The rest complete the wire catalog; admission reports every lookup
	// miss as ReasonInvalidToken.
	ReasonInvalidUserID  Reason = "Invalid user id"
	ReasonInvalidNodeID  Reason = "Invalid node id"
	ReasonInvalidSession Reason = "Invalid tap uuid"
)

func (r Reason) Error() string { return string(r) }
