package auth

import (
	"context"
	"errors"
)

// Decision is the outcome of Guard.Authorize.
type Decision int

const (
	DecisionDenied Decision = iota
	DecisionPublic
	DecisionAllowed
)

func (d Decision) String() string {
	switch d {
	case DecisionPublic:
		return "public"
	case DecisionAllowed:
		return "allowed"
	default:
		return "denied"
	}
}

// TokenValidator resolves a bearer token to the current principal.
type TokenValidator interface {
	ValidateAccessToken(ctx context.Context, token string) (Principal, error)
}

// Request is the transport-neutral view of an incoming call.
type Request struct {
	Method        string
	Path          string
	Authorization string
}

// Guard decides, per request, whether the caller may reach a route. It walks
// Unauthenticated -> TokenValidated -> RoleChecked and ends in Allowed or
// Denied. Routes outside the public allowlist always require a valid token.
type Guard struct {
	policy    Policy
	validator TokenValidator
}

// NewGuard builds a guard over the given policy.
func NewGuard(policy Policy, validator TokenValidator) *Guard {
	return &Guard{policy: policy, validator: validator}
}

// Authorize evaluates req. Public routes return DecisionPublic with a zero
// principal. Denials return an *Error of kind Unauthorized, Forbidden,
// TokenNotFound or ServiceUnavailable.
func (g *Guard) Authorize(ctx context.Context, req Request) (Principal, Decision, error) {
	if g.policy.IsPublic(req.Method, req.Path) {
		return Principal{}, DecisionPublic, nil
	}
	rule, ruled := g.policy.Match(req.Method, req.Path)

	token, ok := BearerToken(req.Authorization)
	if !ok {
		kind, msg := KindUnauthorized, "Authentication required"
		if ruled && rule.MissingToken == KindTokenNotFound {
			kind, msg = KindTokenNotFound, MsgTokenNotFound
		}
		return Principal{}, DecisionDenied, newError(kind, msg, errors.New("missing bearer token"))
	}

	principal, err := g.validator.ValidateAccessToken(ctx, token)
	if err != nil {
		switch KindOf(err) {
		case KindServiceUnavailable:
			return Principal{}, DecisionDenied, err
		case KindUnauthorized:
			return Principal{}, DecisionDenied, err
		default:
			// A vanished account is an authentication failure at the edge.
			return Principal{}, DecisionDenied, newError(KindUnauthorized, MsgInvalidToken, err)
		}
	}

	if ruled && !principal.HasAnyRole(rule.Roles...) {
		return principal, DecisionDenied, newError(KindForbidden, MsgForbidden, nil)
	}
	return principal, DecisionAllowed, nil
}
