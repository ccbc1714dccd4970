package session

// RedactedToken wraps a token string so it cannot end up in logs.
//
// String, GoString and both marshalers print "[REDACTED]". Value returns
// the raw token for the single place that needs it: the Authorization
// header.
type RedactedToken struct {
	value string
}

// NewRedactedToken wraps value.
func NewRedactedToken(value string) RedactedToken {
	return RedactedToken{value: value}
}

// Value returns the raw token. Never log the result.
func (t RedactedToken) Value() string {
	return t.value
}

func (t RedactedToken) String() string {
	return "[REDACTED]"
}

func (t RedactedToken) GoString() string {
	return "session.RedactedToken{[REDACTED]}"
}

// IsEmpty reports whether no token is held.
func (t RedactedToken) IsEmpty() bool {
	return t.value == ""
}

func (t RedactedToken) MarshalText() ([]byte, error) {
	return []byte("[REDACTED]"), nil
}

func (t RedactedToken) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}
