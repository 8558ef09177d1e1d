package auth

import (
	"context"
	"net/http"

	"github.com/xela07ax/sdu-review-console/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс, который реализует AuthService консоли
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

// Тип для ключа в контексте (избегаем коллизий)
type ctxKey string

const (
	userIDKey ctxKey = "user_id"
	roleKey   ctxKey = "user_role"
)

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if !claims.Role.IsValid() {
				logger.Warn("token carries unknown role", zap.String("role", string(claims.Role)))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные в контекст
			next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), claims.UserID, claims.Role)))
		})
	}
}

// WithActor кладёт пользователя и роль в контекст (middleware и тесты хендлеров).
func WithActor(ctx context.Context, userID string, role domain.Role) context.Context {
	ctx = context.WithValue(ctx, userIDKey, userID)
	return context.WithValue(ctx, roleKey, role)
}

// ActorFromContext роль берётся только из токена, не из тела запроса.
func ActorFromContext(ctx context.Context) (userID string, role domain.Role, ok bool) {
	role, ok = ctx.Value(roleKey).(domain.Role)
	userID, _ = ctx.Value(userIDKey).(string)
	return userID, role, ok
}
