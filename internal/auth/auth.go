package auth

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// Guard protects the admin API. Requests must come from an allowed network
// and, when a token is configured, carry it.
type Guard struct {
	token []byte
	cidrs []*net.IPNet
}

func New(token string, allowedCIDRs []string) (*Guard, error) {
	g := &Guard{token: []byte(strings.TrimSpace(token))}
	for _, s := range allowedCIDRs {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		_, n, err := net.ParseCIDR(s)
		if err != nil {
			return nil, fmt.Errorf("admin_bind_cidrs: %w", err)
		}
		g.cidrs = append(g.cidrs, n)
	}
	return g, nil
}

// Network rejects requests from outside the allowed CIDRs. An empty list
// allows everyone.
func (g *Guard) Network(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(g.cidrs) > 0 && !g.allowIP(r.RemoteAddr) {
			deny(w, http.StatusForbidden, "forbidden")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// AdminOnly additionally requires the admin token on top of Network.
func (g *Guard) AdminOnly(next http.Handler) http.Handler {
	return g.Network(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(g.token) > 0 && !g.validToken(requestToken(r)) {
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			deny(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	}))
}

func requestToken(r *http.Request) string {
	if v := r.Header.Get("X-Admin-Token"); v != "" {
		return v
	}
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "bearer ") {
		return h[7:]
	}
	return ""
}

func (g *Guard) validToken(v string) bool {
	vb := []byte(strings.TrimSpace(v))
	if len(vb) == 0 || len(vb) != len(g.token) {
		return false
	}
	return subtle.ConstantTimeCompare(vb, g.token) == 1
}

func (g *Guard) allowIP(remoteAddr string) bool {
	ip := net.ParseIP(remoteIP(remoteAddr))
	if ip == nil {
		return false
	}
	for _, cidr := range g.cidrs {
		if cidr.Contains(ip) {
			return true
		}
	}
	return false
}

func remoteIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return strings.TrimSpace(remoteAddr)
	}
	return host
}

func deny(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "error", "message": msg})
}
