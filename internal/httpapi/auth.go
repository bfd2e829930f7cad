package httpapi

import (
	"errors"
	"strings"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"varistock/backend/internal/domain"
)

var ErrUnauthorized = errors.New("unauthorized")

const (
	RoleAdmin    = "admin"
	RoleStaff    = "staff"
	RoleCustomer = "customer"
)

// Capabilities is what a caller may do. An admin is always staff as well.
type Capabilities struct {
	Subject string
	IsAdmin bool
	IsStaff bool
}

func (c Capabilities) Actor() domain.Actor {
	return domain.Actor{Username: c.Subject, IsAdmin: c.IsAdmin, IsStaff: c.IsStaff || c.IsAdmin}
}

// Authorizer turns a bearer token into capabilities. Token issuance lives
// outside this service.
type Authorizer interface {
	IsAuthorized(token string) (Capabilities, error)
}

type JWTAuthorizer struct {
	secret []byte
	issuer string
}

type roleClaims struct {
	jwtlib.RegisteredClaims
	Role string `json:"role"`
}

func NewJWTAuthorizer(secret string, issuer string) *JWTAuthorizer {
	if secret == "" {
		secret = "dev-change-me"
	}
	if issuer == "" {
		issuer = "varistock"
	}
	return &JWTAuthorizer{secret: []byte(secret), issuer: issuer}
}

func (a *JWTAuthorizer) IsAuthorized(token string) (Capabilities, error) {
	claims := &roleClaims{}
	parsed, err := jwtlib.ParseWithClaims(token, claims, func(t *jwtlib.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwtlib.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	}, jwtlib.WithValidMethods([]string{"HS256"}), jwtlib.WithIssuer(a.issuer))
	if err != nil || !parsed.Valid {
		return Capabilities{}, ErrUnauthorized
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return Capabilities{}, ErrUnauthorized
	}

	caps := Capabilities{Subject: sub}
	switch strings.ToLower(strings.TrimSpace(claims.Role)) {
	case RoleAdmin:
		caps.IsAdmin = true
		caps.IsStaff = true
	case RoleStaff:
		caps.IsStaff = true
	case RoleCustomer, "":
	default:
		return Capabilities{}, ErrUnauthorized
	}
	return caps, nil
}

// Issue signs a token for local tooling and tests.
func (a *JWTAuthorizer) Issue(subject string, role string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = 8 * time.Hour
	}
	now := time.Now().UTC()
	claims := roleClaims{
		RegisteredClaims: jwtlib.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwtlib.NewNumericDate(now),
			ExpiresAt: jwtlib.NewNumericDate(now.Add(ttl)),
			Issuer:    a.issuer,
		},
		Role: role,
	}
	return jwtlib.NewWithClaims(jwtlib.SigningMethodHS256, claims).SignedString(a.secret)
}

// PINVerifier checks the manager PIN required to void a till sale.
type PINVerifier struct {
	hash string
}

// NewPINVerifier accepts either a bcrypt hash or a plain PIN, which is hashed
// on the spot. An empty value disables every void.
func NewPINVerifier(pinOrHash string) (*PINVerifier, error) {
	value := strings.TrimSpace(pinOrHash)
	if value == "" || isPasswordHash(value) {
		return &PINVerifier{hash: value}, nil
	}
	hashed, err := hashPassword(value)
	if err != nil {
		return nil, err
	}
	return &PINVerifier{hash: hashed}, nil
}

func (v *PINVerifier) Verify(pin string) bool {
	if v == nil {
		return false
	}
	return verifyPassword(v.hash, pin)
}

func verifyPassword(stored string, input string) bool {
	if stored == "" || strings.TrimSpace(input) == "" || !isPasswordHash(stored) {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(strings.TrimSpace(input))) == nil
}

func hashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func isPasswordHash(value string) bool {
	return strings.HasPrefix(value, "$2a$") || strings.HasPrefix(value, "$2b$") || strings.HasPrefix(value, "$2y$")
}
