package control

import "net/http"

const operatorTokenHeader = "X-Operator-Token"

// operatorAuth gates mutating endpoints behind a shared secret. This is a
// lockout, not an identity system: one token, compared verbatim, no
// sessions or scopes.
func operatorAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" || r.Header.Get(operatorTokenHeader) != token {
				http.Error(w, "missing or invalid operator token", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
