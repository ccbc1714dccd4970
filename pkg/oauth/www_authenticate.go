package oauth

import (
	"errors"
	"net/http"
	"strings"
)

var errNoChallenge = errors.New("no authentication challenge in header")

// ParseWWWAuthenticate reads a WWW-Authenticate value and returns the Bearer
// challenge, or the first challenge when the server offers no Bearer scheme.
//
//	Bearer error="invalid_token", error_description="The access token expired"
//	Basic realm="legacy", Bearer scope="openid profile"
func ParseWWWAuthenticate(header string) (*AuthChallenge, error) {
	challenges := splitChallenges(header)
	if len(challenges) == 0 {
		return nil, errNoChallenge
	}
	for _, c := range challenges {
		if strings.EqualFold(c.Scheme, "Bearer") {
			return c, nil
		}
	}
	return challenges[0], nil
}

// ParseWWWAuthenticateFromResponse returns the challenge of a 401 response
// and nil for any other response.
func ParseWWWAuthenticateFromResponse(resp *http.Response) *AuthChallenge {
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		return nil
	}
	return ParseWWWAuthenticateHeader(resp.Header)
}

// ParseWWWAuthenticateHeader combines every WWW-Authenticate line of h.
func ParseWWWAuthenticateHeader(h http.Header) *AuthChallenge {
	values := h.Values("WWW-Authenticate")
	if len(values) == 0 {
		return nil
	}
	c, err := ParseWWWAuthenticate(strings.Join(values, ", "))
	if err != nil {
		return nil
	}
	return c
}

// challengeScanner walks the header grammar of RFC 7235 section 4.1.
type challengeScanner struct {
	s   string
	pos int
}

func splitChallenges(header string) []*AuthChallenge {
	sc := &challengeScanner{s: header}
	var out []*AuthChallenge
	var cur *AuthChallenge

	for {
		sc.skipSeparators()
		if sc.done() {
			return out
		}
		name := sc.token()
		if name == "" {
			// Not a token character; skip it.
			sc.pos++
			continue
		}
		sc.skipSpace()
		if cur != nil && sc.atParamAssign() {
			sc.pos++
			sc.skipSpace()
			cur.set(strings.ToLower(name), sc.value())
			continue
		}
		cur = &AuthChallenge{Scheme: name}
		out = append(out, cur)
		cur.Token68 = sc.token68()
	}
}

func (c *AuthChallenge) set(key, value string) {
	switch key {
	case "realm":
		c.Realm = value
	case "scope":
		c.Scope = value
	case "error":
		c.Error = value
	case "error_description":
		c.ErrorDescription = value
	}
}

func (sc *challengeScanner) done() bool { return sc.pos >= len(sc.s) }
func (sc *challengeScanner) peek() byte { return sc.s[sc.pos] }

func (sc *challengeScanner) skipSpace() {
	for !sc.done() && (sc.peek() == ' ' || sc.peek() == '\t') {
		sc.pos++
	}
}

func (sc *challengeScanner) skipSeparators() {
	for !sc.done() && (sc.peek() == ' ' || sc.peek() == '\t' || sc.peek() == ',') {
		sc.pos++
	}
}

func (sc *challengeScanner) token() string {
	start := sc.pos
	for !sc.done() && isTokenChar(sc.peek()) {
		sc.pos++
	}
	return sc.s[start:sc.pos]
}

// atParamAssign reports whether the cursor sits on the '=' of an
// auth-param.
func (sc *challengeScanner) atParamAssign() bool {
	return !sc.done() && sc.peek() == '='
}

// token68 consumes the credential that may follow a scheme, such as
// "Negotiate YIIG==". It leaves the cursor untouched when the text is an
// auth-param instead.
func (sc *challengeScanner) token68() string {
	start := sc.pos
	for !sc.done() && (isTokenChar(sc.peek()) || sc.peek() == '/') {
		sc.pos++
	}
	body := sc.pos
	for !sc.done() && sc.peek() == '=' {
		sc.pos++
	}
	end := sc.pos
	sc.skipSpace()
	// token68 is the whole challenge body; anything after it means the
	// text was the start of an auth-param.
	if body == start || (!sc.done() && sc.peek() != ',') {
		sc.pos = start
		return ""
	}
	return sc.s[start:end]
}

func (sc *challengeScanner) value() string {
	if sc.done() {
		return ""
	}
	if sc.peek() != '"' {
		return sc.token()
	}
	sc.pos++
	var b strings.Builder
	for !sc.done() {
		ch := sc.peek()
		sc.pos++
		switch {
		case ch == '\\' && !sc.done():
			b.WriteByte(sc.peek())
			sc.pos++
		case ch == '"':
			return b.String()
		default:
			b.WriteByte(ch)
		}
	}
	return b.String()
}

func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}
