package httpapi

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

type role string

const (
	roleNone   role = ""
	roleWorker role = "worker"
	roleAdmin  role = "admin"
)

// authenticator maps bearer tokens to roles. Worker tokens may acquire and
// report credentials; admin tokens additionally manage the pool and may read
// decrypted secrets. With no tokens configured authentication is disabled and
// every caller is treated as admin, which is only sane for local development.
type authenticator struct {
	workerTokens []string
	adminTokens  []string
}

func newAuthenticator(workerTokens, adminTokens []string) *authenticator {
	return &authenticator{
		workerTokens: cleanTokens(workerTokens),
		adminTokens:  cleanTokens(adminTokens),
	}
}

func cleanTokens(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if trimmed := strings.TrimSpace(t); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func (a *authenticator) enabled() bool {
	return len(a.workerTokens) > 0 || len(a.adminTokens) > 0
}

// authenticate resolves the caller's role and the token used. Admin tokens
// satisfy worker endpoints as well.
func (a *authenticator) authenticate(r *http.Request) (role, string) {
	if !a.enabled() {
		return roleAdmin, ""
	}
	token := bearerToken(r)
	if token == "" {
		return roleNone, ""
	}
	if matchToken(a.adminTokens, token) {
		return roleAdmin, token
	}
	if matchToken(a.workerTokens, token) {
		return roleWorker, token
	}
	return roleNone, token
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func matchToken(tokens []string, candidate string) bool {
	matched := false
	for _, t := range tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(candidate)) == 1 {
			matched = true
		}
	}
	return matched
}
