package api

import (
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/AaronLay10/SorterEngine/internal/config"
)

// Role is what an authenticated caller may do. Operators run the line;
// admins may also debug-sort, change log levels and clear an emergency stop.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleOperator Role = "operator"
)

type account struct {
	role Role
	user string
	pass string
}

// authConfig is nil or has no accounts when authentication is disabled.
type authConfig struct {
	accounts []account
}

var auth *authConfig

// InitAuth loads the admin and operator accounts from SORTER_ADMIN_USER/PASS
// and SORTER_OPERATOR_USER/PASS (each may use the _FILE form). Without an
// admin account authentication stays disabled.
func InitAuth() error {
	load := func(role Role, userVar, passVar string) (*account, error) {
		user, err := config.ResolveSecret(userVar)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", userVar, err)
		}
		pass, err := config.ResolveSecret(passVar)
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", passVar, err)
		}
		if user == "" || pass == "" {
			return nil, nil
		}
		return &account{role: role, user: user, pass: pass}, nil
	}

	admin, err := load(RoleAdmin, "SORTER_ADMIN_USER", "SORTER_ADMIN_PASS")
	if err != nil {
		return err
	}
	operator, err := load(RoleOperator, "SORTER_OPERATOR_USER", "SORTER_OPERATOR_PASS")
	if err != nil {
		return err
	}

	cfg := &authConfig{}
	if admin != nil {
		cfg.accounts = append(cfg.accounts, *admin)
		if operator != nil {
			cfg.accounts = append(cfg.accounts, *operator)
		}
	}
	auth = cfg
	return nil
}

// IsAuthEnabled reports whether requests must authenticate.
func IsAuthEnabled() bool {
	return auth != nil && len(auth.accounts) > 0
}

// authenticate returns the caller's role, or "" for missing or wrong
// credentials. With authentication disabled every caller is an admin.
func authenticate(r *http.Request) Role {
	if !IsAuthEnabled() {
		return RoleAdmin
	}
	user, pass, ok := r.BasicAuth()
	if !ok {
		return ""
	}
	for _, a := range auth.accounts {
		if secureCompare(user, a.user) && secureCompare(pass, a.pass) {
			return a.role
		}
	}
	return ""
}

// secureCompare compares digests so neither content nor length leaks
// through timing.
func secureCompare(a, b string) bool {
	ha, hb := sha256.Sum256([]byte(a)), sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

// RequireRole admits callers holding one of roles.
func RequireRole(handler http.HandlerFunc, roles ...Role) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := authenticate(r)
		if role == "" {
			w.Header().Set("WWW-Authenticate", `Basic realm="Sorter"`)
			writeJSON(w, http.StatusUnauthorized, OperatorResponse{Error: "unauthorized"})
			return
		}
		for _, allowed := range roles {
			if role == allowed {
				handler(w, r)
				return
			}
		}
		writeJSON(w, http.StatusForbidden, OperatorResponse{Error: fmt.Sprintf("role %s may not %s %s", role, r.Method, r.URL.Path)})
	}
}

func RequireAnyRole(handler http.HandlerFunc) http.HandlerFunc {
	return RequireRole(handler, RoleAdmin, RoleOperator)
}

func RequireAdmin(handler http.HandlerFunc) http.HandlerFunc {
	return RequireRole(handler, RoleAdmin)
}
