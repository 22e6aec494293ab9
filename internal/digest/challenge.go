package digest

import (
	"crypto/md5" //nolint:gosec // RFC 2617 Digest is defined over MD5
	"encoding/hex"
	"fmt"
	"strings"
)

// Supported algorithm and qop tokens.
const (
	algMD5     = "MD5"
	algMD5Sess = "MD5-SESS"
	qopAuth    = "auth"
	qopAuthInt = "auth-int"
)

// nonceCount is fixed: one challenge is answered by exactly one request, so
// a nonce is never reused.
const nonceCount = "00000001"

// Credentials are the user name and password answered to a challenge.
type Credentials struct {
	Username string
	Password string
}

// Challenge is a parsed WWW-Authenticate Digest challenge.
type Challenge struct {
	Realm     string
	Nonce     string
	Opaque    string
	Algorithm string   // as sent by the server; empty means MD5
	QOP       []string // advertised qop options, empty for RFC 2069 servers

	raw string
}

// ParseChallenge parses a WWW-Authenticate header value. The scheme must be
// Digest and both realm and nonce must be present.
func ParseChallenge(header string) (*Challenge, error) {
	trimmed := strings.TrimSpace(header)
	if trimmed == "" {
		return nil, challengeErr("", "missing WWW-Authenticate header")
	}

	scheme, rest, _ := strings.Cut(trimmed, " ")
	if !strings.EqualFold(scheme, "Digest") {
		return nil, challengeErr(header, "unsupported scheme %q", scheme)
	}

	params := parseParams(rest)

	ch := &Challenge{
		Realm:     params["realm"],
		Nonce:     params["nonce"],
		Opaque:    params["opaque"],
		Algorithm: params["algorithm"],
		raw:       header,
	}

	if ch.Realm == "" || ch.Nonce == "" {
		return nil, challengeErr(header, "challenge missing realm or nonce")
	}

	for _, q := range strings.Split(params["qop"], ",") {
		if q = strings.TrimSpace(q); q != "" {
			ch.QOP = append(ch.QOP, q)
		}
	}

	if _, err := ch.algorithm(); err != nil {
		return nil, err
	}

	return ch, nil
}

// algorithm returns the normalized algorithm token.
func (c *Challenge) algorithm() (string, error) {
	if c.Algorithm == "" {
		return algMD5, nil
	}

	alg := strings.ToUpper(c.Algorithm)
	if alg != algMD5 && alg != algMD5Sess {
		return "", challengeErr(c.raw, "unsupported algorithm %q", c.Algorithm)
	}

	return alg, nil
}

// selectQOP picks the qop to answer with: "auth" when offered, "" for legacy
// servers. A server that only offers auth-int cannot be answered because
// entity-body hashing is not implemented.
func (c *Challenge) selectQOP() (string, error) {
	if len(c.QOP) == 0 {
		return "", nil
	}

	for _, q := range c.QOP {
		if strings.EqualFold(q, qopAuth) {
			return qopAuth, nil
		}
	}

	for _, q := range c.QOP {
		if strings.EqualFold(q, qopAuthInt) {
			return "", challengeErr(c.raw, "qop=auth-int is not supported")
		}
	}

	return "", challengeErr(c.raw, "unsupported qop %q", strings.Join(c.QOP, ","))
}

// Response computes the request-digest for method and uri. cnonce is only
// used when the server advertised a qop or requested MD5-sess.
func (c *Challenge) Response(creds Credentials, method, uri, cnonce string) (string, error) {
	alg, err := c.algorithm()
	if err != nil {
		return "", err
	}

	qop, err := c.selectQOP()
	if err != nil {
		return "", err
	}

	ha1 := md5Hex(creds.Username + ":" + c.Realm + ":" + creds.Password)
	if alg == algMD5Sess {
		ha1 = md5Hex(ha1 + ":" + c.Nonce + ":" + cnonce)
	}

	ha2 := md5Hex(method + ":" + uri)

	if qop != "" {
		return md5Hex(strings.Join([]string{ha1, c.Nonce, nonceCount, cnonce, qop, ha2}, ":")), nil
	}

	return md5Hex(ha1 + ":" + c.Nonce + ":" + ha2), nil
}

// Authorization builds the Authorization header value answering this
// challenge. opaque, algorithm and qop/nc are only included when the
// challenge supplied the corresponding parameter; cnonce is sent with a qop
// or with MD5-sess.
func (c *Challenge) Authorization(creds Credentials, method, uri, cnonce string) (string, error) {
	response, err := c.Response(creds, method, uri, cnonce)
	if err != nil {
		return "", err
	}

	parts := []string{
		quotedParam("username", creds.Username),
		quotedParam("realm", c.Realm),
		quotedParam("nonce", c.Nonce),
		quotedParam("uri", uri),
		quotedParam("response", response),
	}

	if c.Opaque != "" {
		parts = append(parts, quotedParam("opaque", c.Opaque))
	}

	if c.Algorithm != "" {
		parts = append(parts, "algorithm="+c.Algorithm)
	}

	// selectQOP and algorithm already succeeded inside Response.
	qop, _ := c.selectQOP()
	if qop != "" {
		parts = append(parts, "qop="+qop, "nc="+nonceCount)
	}

	// MD5-sess mixes cnonce into HA1, so the server needs it even without qop.
	if alg, _ := c.algorithm(); qop != "" || alg == algMD5Sess {
		parts = append(parts, quotedParam("cnonce", cnonce))
	}

	return "Digest " + strings.Join(parts, ", "), nil
}

func md5Hex(s string) string {
	sum := md5.Sum([]byte(s)) //nolint:gosec // RFC 2617 Digest is defined over MD5
	return hex.EncodeToString(sum[:])
}

func quotedParam(key, value string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(value)
	return fmt.Sprintf(`%s="%s"`, key, escaped)
}

// parseParams splits a comma-separated auth-param list. Values may be
// quoted (commas and escaped quotes inside quotes are preserved) or bare
// tokens. Keys are lower-cased.
func parseParams(s string) map[string]string {
	params := make(map[string]string)

	i := 0
	for i < len(s) {
		// Skip separators.
		for i < len(s) && (s[i] == ' ' || s[i] == ',' || s[i] == '\t') {
			i++
		}

		start := i
		for i < len(s) && s[i] != '=' && s[i] != ',' {
			i++
		}

		key := strings.ToLower(strings.TrimSpace(s[start:i]))
		if i >= len(s) || s[i] == ',' {
			// Bare token without a value; ignore.
			continue
		}

		i++ // '='

		for i < len(s) && s[i] == ' ' {
			i++
		}

		var value string
		if i < len(s) && s[i] == '"' {
			value, i = readQuoted(s, i+1)
		} else {
			start = i
			for i < len(s) && s[i] != ',' {
				i++
			}

			value = strings.TrimSpace(s[start:i])
		}

		if key != "" {
			params[key] = value
		}
	}

	return params
}

// readQuoted reads a quoted-string body starting just after the opening
// quote and returns the unescaped value and the index after the closing quote.
func readQuoted(s string, i int) (string, int) {
	var b strings.Builder

	for i < len(s) {
		switch s[i] {
		case '\\':
			if i+1 < len(s) {
				b.WriteByte(s[i+1])
				i += 2

				continue
			}

			i++
		case '"':
			return b.String(), i + 1
		default:
			b.WriteByte(s[i])
			i++
		}
	}

	return b.String(), i
}
