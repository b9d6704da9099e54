package httpserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/fairyhunter13/campaign-dialer/internal/domain"
)

// IssueToken mints a bearer token for an authenticated operator.
func IssueToken(secret []byte, user domain.User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":   user.ID,
		"email": user.Email,
		"role":  user.Role,
		"iat":   now.Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// BearerGuard rejects requests lacking a valid bearer token. It is mounted
// only when JWT_SECRET is configured.
func BearerGuard(secret []byte) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			header := r.Header.Get("Authorization")
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || raw == "" {
				writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", fmt.Errorf("missing bearer token"))
				return
			}
			token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
				if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
				}
				return secret, nil
			})
			if err != nil || !token.Valid {
				writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", fmt.Errorf("invalid token"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// LoginHandler exchanges email/password for a bearer token.
func (s *Server) LoginHandler() http.HandlerFunc {
	type loginRequest struct {
		Email    string `json:"email" validate:"required,email"`
		Password string `json:"password" validate:"required"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		if err := decodeAndValidate(r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		user, err := s.Users.GetByEmail(r.Context(), req.Email)
		if err != nil {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", fmt.Errorf("invalid credentials"))
			return
		}
		if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)) != nil {
			writeErrorCode(w, http.StatusUnauthorized, "UNAUTHORIZED", fmt.Errorf("invalid credentials"))
			return
		}
		token, err := IssueToken([]byte(s.Cfg.JWTSecret), user, 24*time.Hour)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"token": token})
	}
}
