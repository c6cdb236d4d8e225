package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"
)

var ErrInvalidToken = errors.New("invalid token")

// Tokens verifies the bearer tokens issued by the external auth service.
// The subject of a token is the trading account id.
type Tokens struct {
	issuer string
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewTokens(issuer string, secret []byte, ttl time.Duration) *Tokens {
	return &Tokens{issuer: issuer, secret: secret, ttl: ttl, now: time.Now}
}

// Sign issues a token for accountID. The service itself never calls it on
// a request path; operators and tests do.
func (t *Tokens) Sign(accountID string) (string, error) {
	now := t.now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    t.issuer,
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(t.ttl)),
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return tok.SignedString(t.secret)
}

func (t *Tokens) Parse(token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("invalid signing method")
		}
		return t.secret, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithTimeFunc(t.now))
	if err != nil {
		return "", errors.Wrap(ErrInvalidToken, err.Error())
	}
	claims, ok := parsed.Claims.(*jwt.RegisteredClaims)
	if !ok || !parsed.Valid {
		return "", ErrInvalidToken
	}
	if claims.Subject == "" {
		return "", errors.Wrap(ErrInvalidToken, "empty subject")
	}
	return claims.Subject, nil
}
