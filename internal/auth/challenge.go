// Package auth parses and renders registry bearer-token challenges.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// ErrMalformedChallenge is returned when a WWW-Authenticate header does not
// carry a usable realm and service.
var ErrMalformedChallenge = errors.New("invalid Www-Authenticate header")

// Challenge is the parsed form of a registry bearer challenge.
type Challenge struct {
	Realm   string
	Service string
	// Scope is the optional scope="..." parameter, looked up by name.
	Scope string
}

// quotedValueRx matches a double-quoted value following '=', allowing
// backslash escapes inside the quotes.
var quotedValueRx = regexp.MustCompile(`=\s*"((?:\\.|[^"\\])*)"`)

var scopeRx = regexp.MustCompile(`(?i)\bscope\s*=\s*"((?:\\.|[^"\\])*)"`)

// ParseChallenge extracts the realm and service from a header such as
//
//	Bearer realm="https://auth.docker.io/token",service="registry.docker.io"
//
// The first quoted value is taken as the realm and the second as the
// service, regardless of the parameter names. Registries that emit the
// parameters in another order are not supported. A scope parameter, when
// present, is additionally looked up by name.
func ParseChallenge(header string) (Challenge, error) {
	m := quotedValueRx.FindAllStringSubmatch(header, 2)
	if len(m) < 2 {
		return Challenge{}, fmt.Errorf("%w: %s", ErrMalformedChallenge, header)
	}

	c := Challenge{
		Realm:   unescape(m[0][1]),
		Service: unescape(m[1][1]),
	}
	if c.Realm == "" {
		return Challenge{}, fmt.Errorf("%w: empty realm: %s", ErrMalformedChallenge, header)
	}
	if sm := scopeRx.FindStringSubmatch(header); sm != nil {
		c.Scope = unescape(sm[1])
	}
	return c, nil
}

// FormatChallenge renders a bearer challenge pointing clients at realm.
func FormatChallenge(realm, service string) string {
	return fmt.Sprintf(`Bearer realm="%s",service="%s"`, escape(realm), escape(service))
}

// IsReadMethod reports whether method leaves registry state untouched.
func IsReadMethod(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func unescape(s string) string {
	if !strings.Contains(s, `\`) {
		return s
	}
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}
	return b.String()
}

var escaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

func escape(s string) string {
	return escaper.Replace(s)
}
