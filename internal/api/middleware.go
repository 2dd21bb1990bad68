package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/rongwang/fieldops-server/internal/models"
)

func unauthorized(c *gin.Context, message string) {
	c.JSON(http.StatusUnauthorized, models.ErrorResponse{
		Status:  "error",
		Code:    "UNAUTHORIZED",
		Message: message,
	})
	c.Abort()
}

// AuthMiddleware returns a Gin middleware for authentication. The token's
// "sub" claim is the user id and its "role" claim the user's role.
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Get the JWT token from the Authorization header
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			unauthorized(c, "Authentication required")
			return
		}

		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			unauthorized(c, "Invalid token format")
			return
		}

		jwtSecret := c.MustGet("jwtSecret").([]byte)
		token, err := jwt.Parse(parts[1], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return jwtSecret, nil
		})
		if err != nil || !token.Valid {
			unauthorized(c, "Invalid token")
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			unauthorized(c, "Invalid token claims")
			return
		}

		userID, ok := claims["sub"].(string)
		if !ok || userID == "" {
			unauthorized(c, "Invalid user ID in token")
			return
		}

		roleClaim, _ := claims["role"].(string)
		role := models.Role(roleClaim)
		if !role.Valid() {
			unauthorized(c, "Invalid role in token")
			return
		}

		c.Set("userId", userID)
		c.Set("userRole", string(role))
		c.Next()
	}
}

// RequestTimeout bounds the request context handed to the service.
func RequestTimeout(d time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if d <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequestLogger logs one structured line per request.
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.FullPath(),
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
			"user_id":  c.GetString("userId"),
		})
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Error("request completed")
		case c.Writer.Status() >= http.StatusBadRequest:
			entry.Warn("request completed")
		default:
			entry.Debug("request completed")
		}
	}
}
