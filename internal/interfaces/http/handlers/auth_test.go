package handlers

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/copyrelay/internal/domain"
)

func TestAuthenticator_Check(t *testing.T) {
	a := NewAuthenticator("mk", "sk")

	tests := []struct {
		name   string
		target string
		body   string
		role   string
		ok     bool
	}{
		{"master in body", "/api/signals", `{"masterkey":"mk"}`, RoleMaster, true},
		{"master in query", "/api/signals?masterkey=mk", ``, RoleMaster, true},
		{"body wins over query", "/api/signals?masterkey=mk", `{"masterkey":"bad"}`, RoleMaster, false},
		{"empty body key falls back", "/api/signals?masterkey=mk", `{"masterkey":""}`, RoleMaster, true},
		{"non-string key falls back", "/api/signals?masterkey=mk", `{"masterkey":123}`, RoleMaster, true},
		{"slave key is not master", "/api/signals?masterkey=sk", ``, RoleMaster, false},
		{"slave in query", "/api/getsignals?slavekey=sk", ``, RoleSlave, true},
		{"master key is not slave", "/api/getsignals?slavekey=mk", ``, RoleSlave, false},
		{"missing", "/api/getsignals", ``, RoleSlave, false},
		{"array body", "/api/getsignals?slavekey=sk", `[1,2]`, RoleSlave, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, tt.target, nil)
			err := a.Check(r, []byte(tt.body), tt.role)
			if tt.ok {
				assert.NoError(t, err)
				return
			}
			var aerr *domain.AuthenticationError
			require.ErrorAs(t, err, &aerr)
			assert.Equal(t, tt.role, aerr.Role)
		})
	}
}

func TestAuthenticator_EmptyConfiguredKeyNeverMatches(t *testing.T) {
	a := NewAuthenticator("", "")
	r := httptest.NewRequest(http.MethodGet, "/api/getsignals?slavekey=", nil)
	assert.Error(t, a.Check(r, nil, RoleSlave))
	assert.False(t, a.ValidSlaveKey(""))
}

func TestClientIdentity(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "192.168.1.5:51234"
	r.Header.Set("User-Agent", "MT5")
	assert.Equal(t, domain.SlaveIdentity{IP: "192.168.1.5", UserAgent: "MT5"}, ClientIdentity(r))

	r.Header.Set("X-Forwarded-For", " 203.0.113.9 , 10.0.0.1")
	assert.Equal(t, "203.0.113.9", ClientIdentity(r).IP)

	r = httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = ""
	r.Header.Del("User-Agent")
	id := ClientIdentity(r)
	assert.Equal(t, "unknown", id.IP)
	assert.Equal(t, "unknown", id.UserAgent)
	assert.Equal(t, "unknown_unknown", id.ID())
}
