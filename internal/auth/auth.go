// Package auth extracts the calling principal from a request. Two kinds
// of callers exist: end users presenting a JWT, and trusted services
// presenting the shared service secret plus an actor header naming the
// user they act for.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mediaforge/longform/internal/models"
)

// ActorHeader names the user a service-to-service caller acts on
// behalf of.
const ActorHeader = "X-Actor-User-Id"

// Kind distinguishes the two principal variants.
type Kind int

const (
	// KindUser is an end user authenticated by the edge gateway.
	KindUser Kind = iota
	// KindService is a trusted internal service acting for a user.
	KindService
)

func (k Kind) String() string {
	if k == KindService {
		return "service"
	}
	return "user"
}

// Principal is the authenticated caller. UserID is the JWT subject for
// users and the actor header for service callers; every ownership check
// compares against it regardless of variant. Token is the raw bearer
// the caller presented, kept so a job created without an explicit
// upstream token can reuse it.
type Principal struct {
	Kind   Kind
	UserID string
	Token  string
}

// CanAccess reports whether the principal may act on a resource owned
// by ownerID.
func (p Principal) CanAccess(ownerID string) bool {
	return p.UserID != "" && p.UserID == ownerID
}

// Authenticate extracts the principal from the request.
//
// Token signature verification happens at the edge gateway; this
// service only extracts the subject claim.
func Authenticate(r *http.Request, serviceSecret string) (Principal, error) {
	token, err := bearerToken(r)
	if err != nil {
		return Principal{}, err
	}

	if serviceSecret != "" &&
		subtle.ConstantTimeCompare([]byte(token), []byte(serviceSecret)) == 1 {
		actor := strings.TrimSpace(r.Header.Get(ActorHeader))
		if actor == "" {
			return Principal{}, models.NewError(models.KindAuth,
				"service callers must send "+ActorHeader)
		}
		return Principal{Kind: KindService, UserID: actor, Token: token}, nil
	}

	sub, err := subjectOf(token)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Kind: KindUser, UserID: sub, Token: token}, nil
}

// bearerToken pulls the token from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", models.NewError(models.KindAuth, "missing authorization header")
	}
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, "Bearer") || token == "" {
		return "", models.NewError(models.KindAuth, "malformed authorization header")
	}
	return token, nil
}

// subjectOf parses the JWT and returns its subject claim.
func subjectOf(token string) (string, error) {
	parsed, _, err := jwt.NewParser().ParseUnverified(token, jwt.MapClaims{})
	if err != nil {
		return "", models.NewError(models.KindAuth, "malformed bearer token")
	}
	sub, err := parsed.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", models.NewError(models.KindAuth, "bearer token has no subject")
	}
	return sub, nil
}

type contextKey struct{}

// WithPrincipal stores the principal on the context.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, p)
}

// PrincipalFrom retrieves the principal stored by WithPrincipal.
func PrincipalFrom(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(contextKey{}).(Principal)
	return p, ok
}
