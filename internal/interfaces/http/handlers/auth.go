package handlers

import (
	"crypto/subtle"
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/copyrelay/internal/domain"
)

const (
	RoleMaster = "master"
	RoleSlave  = "slave"
)

// Authenticator checks the shared master and slave keys. A key is taken from
// the JSON body field masterkey/slavekey, falling back to the query string.
type Authenticator struct {
	masterKey string
	slaveKey  string
}

func NewAuthenticator(masterKey, slaveKey string) *Authenticator {
	return &Authenticator{masterKey: masterKey, slaveKey: slaveKey}
}

// Check verifies the key of role carried by r. body is the already read
// request body and may be nil.
func (a *Authenticator) Check(r *http.Request, body []byte, role string) error {
	field, want := "slavekey", a.slaveKey
	if role == RoleMaster {
		field, want = "masterkey", a.masterKey
	}
	if a.matches(keyFrom(r, body, field), want) {
		return nil
	}
	remote := ClientIdentity(r).IP
	log.Warn().Str("role", role).Str("remote", remote).Str("path", r.URL.Path).
		Msg("Authentication failed")
	return &domain.AuthenticationError{Role: role, Remote: remote}
}

// ValidSlaveKey compares key with the slave key.
func (a *Authenticator) ValidSlaveKey(key string) bool {
	return a.matches(key, a.slaveKey)
}

func (a *Authenticator) matches(got, want string) bool {
	if got == "" || want == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func keyFrom(r *http.Request, body []byte, field string) string {
	if len(body) > 0 {
		var fields map[string]json.RawMessage
		if json.Unmarshal(body, &fields) == nil {
			var s string
			if raw, ok := fields[field]; ok && json.Unmarshal(raw, &s) == nil && s != "" {
				return s
			}
		}
	}
	return r.URL.Query().Get(field)
}

// ClientIdentity derives the slave identity from the first X-Forwarded-For
// hop, or the connection address, plus the user agent.
func ClientIdentity(r *http.Request) domain.SlaveIdentity {
	ip := ""
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		ip = strings.TrimSpace(strings.Split(xff, ",")[0])
	}
	if ip == "" {
		if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
			ip = host
		} else {
			ip = r.RemoteAddr
		}
	}
	if ip == "" {
		ip = "unknown"
	}
	ua := r.UserAgent()
	if ua == "" {
		ua = "unknown"
	}
	return domain.SlaveIdentity{IP: ip, UserAgent: ua}
}

// authorize writes 401 and returns false when role's key is wrong.
func (h *Handlers) authorize(w http.ResponseWriter, r *http.Request, body []byte, role string) bool {
	if err := h.auth.Check(r, body, role); err != nil {
		h.rec.AuthFailed(role)
		h.fail(w, r, err)
		return false
	}
	return true
}
