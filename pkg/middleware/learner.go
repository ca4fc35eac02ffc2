package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// Learner is the LMS user a launch is created for.
type Learner struct {
	ID        string
	FirstName string
	LastName  string
	Email     string
}

type learnerCtxKey struct{}

func WithLearner(ctx context.Context, l Learner) context.Context {
	return context.WithValue(ctx, learnerCtxKey{}, l)
}

// LearnerFrom returns the learner attached by Authenticate.
func LearnerFrom(ctx context.Context) (Learner, bool) {
	l, ok := ctx.Value(learnerCtxKey{}).(Learner)
	return l, ok && l.ID != ""
}

func learnerFromToken(jt jwt.Token) (Learner, bool) {
	l := Learner{
		ID:        jt.Subject(),
		FirstName: stringClaim(jt, "given_name"),
		LastName:  stringClaim(jt, "family_name"),
		Email:     stringClaim(jt, "email"),
	}
	return l, l.ID != ""
}

func learnerFromHeaders(h http.Header) (Learner, bool) {
	l := Learner{
		ID:        strings.TrimSpace(h.Get("X-Learner-Id")),
		FirstName: strings.TrimSpace(h.Get("X-Learner-First-Name")),
		LastName:  strings.TrimSpace(h.Get("X-Learner-Last-Name")),
		Email:     strings.TrimSpace(h.Get("X-Learner-Email")),
	}
	return l, l.ID != ""
}

func stringClaim(jt jwt.Token, name string) string {
	if v, ok := jt.Get(name); ok {
		s, _ := v.(string)
		return s
	}
	return ""
}
