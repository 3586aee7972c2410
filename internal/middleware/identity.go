// Package middleware содержит HTTP middleware сервиса складских списаний.
package middleware

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strconv"
	"strings"
	"time"
)

type contextKey string

const operatorIDKey contextKey = "operatorID"

const (
	identityCookieName = "operator_token"
	identityCookieTTL  = 365 * 24 * time.Hour
)

// Identity проверяет подписанный cookie с идентификатором оператора.
// Отсутствующий или невалидный cookie не блокирует запрос: рабочий процесс
// в этом случае подставляет фиксированный идентификатор-заглушку.
type Identity struct {
	secretKey []byte
}

// NewIdentity создаёт Identity с указанным секретным ключом.
func NewIdentity(secret string) *Identity {
	key := []byte(secret)
	if len(key) == 0 {
		randomKey := make([]byte, 32)
		if _, err := rand.Read(randomKey); err == nil {
			key = randomKey
		} else {
			key = []byte("default-secret-key")
		}
	}

	return &Identity{
		secretKey: key,
	}
}

// Middleware извлекает идентификатор оператора из cookie и кладёт его в контекст.
// Запрос пропускается дальше в любом случае.
func (a *Identity) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(identityCookieName)
		if err == nil {
			if operatorID, ok := a.parseCookie(cookie.Value); ok {
				ctx := context.WithValue(r.Context(), operatorIDKey, operatorID)
				r = r.WithContext(ctx)
			}
		}

		next.ServeHTTP(w, r)
	})
}

// SetOperatorCookie устанавливает подписанный cookie для указанного оператора.
func (a *Identity) SetOperatorCookie(w http.ResponseWriter, operatorID int64) {
	value := a.sign(strconv.FormatInt(operatorID, 10))

	cookie := &http.Cookie{
		Name:     identityCookieName,
		Value:    value,
		Path:     "/",
		Expires:  time.Now().Add(identityCookieTTL),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	http.SetCookie(w, cookie)
}

func (a *Identity) sign(idStr string) string {
	mac := hmac.New(sha256.New, a.secretKey)
	mac.Write([]byte(idStr))
	signature := mac.Sum(nil)
	return idStr + "." + hex.EncodeToString(signature)
}

func (a *Identity) parseCookie(cookieValue string) (int64, bool) {
	parts := strings.Split(cookieValue, ".")
	if len(parts) != 2 {
		return 0, false
	}

	idStr := parts[0]
	signature := parts[1]

	expected := strings.Split(a.sign(idStr), ".")
	if len(expected) != 2 {
		return 0, false
	}

	if !hmac.Equal([]byte(signature), []byte(expected[1])) {
		return 0, false
	}

	id, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		return 0, false
	}

	return id, true
}

// OperatorFromContext извлекает идентификатор оператора из контекста запроса.
func OperatorFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(operatorIDKey).(int64)
	return id, ok
}
