package middleware

import (
	"log/slog"
	"net/http"

	"github.com/frahmantamala/credit-ledger/internal"
	"github.com/frahmantamala/credit-ledger/internal/transport"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

// RequireRole only lets callers with one of roles through. It must run after Authenticate.
func RequireRole(lg *slog.Logger, roles ...string) func(http.Handler) http.Handler {
	base := transport.NewBaseHandler(lg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if internal.UserIDFromContext(r.Context()) == "" {
				base.HandleError(w, internal.ErrInvalidToken)
				return
			}

			role := internal.RoleFromContext(r.Context())
			for _, allowed := range roles {
				if role == allowed {
					next.ServeHTTP(w, r)
					return
				}
			}

			logger.From(r.Context()).Warn("access denied: missing role",
				"security", true,
				"role", role,
				"required_roles", roles)
			base.HandleError(w, internal.ErrForbidden)
		})
	}
}
