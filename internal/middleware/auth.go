package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/medibook/booking-api/internal/model"
	apperrors "github.com/medibook/booking-api/pkg/errors"
	"github.com/medibook/booking-api/pkg/httputil"
)

const ContextActor = "actor"

// Claims is the token shape issued by the external identity service. The
// engine only needs the subject and its role.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type AuthMiddleware struct {
	secret []byte
}

func NewAuthMiddleware(secret string) *AuthMiddleware {
	return &AuthMiddleware{secret: []byte(secret)}
}

// Authenticate validates the bearer token and stores the acting principal on
// the request context.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httputil.RespondWithError(c, apperrors.Unauthorized("missing authorization header", nil))
			c.Abort()
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			httputil.RespondWithError(c, apperrors.Unauthorized("invalid authorization format", nil))
			c.Abort()
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return m.secret, nil
		})
		if err != nil || !token.Valid {
			httputil.RespondWithError(c, apperrors.Unauthorized("invalid token", err))
			c.Abort()
			return
		}

		subject, err := uuid.Parse(claims.Subject)
		if err != nil {
			httputil.RespondWithError(c, apperrors.Unauthorized("invalid subject", err))
			c.Abort()
			return
		}

		role := model.Role(claims.Role)
		switch role {
		case model.RolePatient, model.RoleDoctor, model.RoleAdmin:
		default:
			httputil.RespondWithError(c, apperrors.Unauthorized("unknown role", nil))
			c.Abort()
			return
		}

		c.Set(ContextActor, model.Actor{ID: subject, Role: role})
		c.Next()
	}
}

// RequireRole restricts a route group to the given roles.
func (m *AuthMiddleware) RequireRole(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			httputil.RespondWithError(c, apperrors.Unauthorized("not authenticated", nil))
			c.Abort()
			return
		}
		for _, r := range roles {
			if actor.Role == r {
				c.Next()
				return
			}
		}
		httputil.RespondWithError(c, apperrors.Forbidden("insufficient role"))
		c.Abort()
	}
}

// ActorFrom returns the authenticated principal set by Authenticate.
func ActorFrom(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(ContextActor)
	if !ok {
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	return actor, ok
}
