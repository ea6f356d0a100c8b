package middleware

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/frahmantamala/credit-ledger/internal"
	"github.com/frahmantamala/credit-ledger/internal/auth"
	"github.com/frahmantamala/credit-ledger/internal/transport"
	"github.com/frahmantamala/credit-ledger/pkg/logger"
)

// Authenticate verifies the bearer token and puts the caller into the request context.
func Authenticate(validator auth.TokenValidator, lg *slog.Logger) func(http.Handler) http.Handler {
	base := transport.NewBaseHandler(lg)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := validator.ValidateToken(base.ExtractTokenFromHeader(r))
			if err != nil {
				if errors.Is(err, auth.ErrTokenExpired) {
					base.HandleError(w, internal.ErrTokenExpired)
					return
				}
				base.HandleError(w, internal.ErrInvalidToken)
				return
			}

			p := claims.Principal()
			ctx := internal.ContextWithPrincipal(r.Context(), p)
			ctx = logger.With(ctx, "user_id", p.UserID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
