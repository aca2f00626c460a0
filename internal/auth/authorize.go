package auth

import (
	"github.com/Onegaishimas/bin2nlp/types"
)

// Authorize checks key against required, returning nil if permitted and
// a types.Error carrying ErrAuthorization (403) otherwise. A scope is
// denied either because the key was never granted it, or because its
// tier isn't high enough to exercise it even though the scope is listed
// (TierAllowsScope) — the external interface treats both as the same
// 403 outcome.
func Authorize(key *APIKey, required Scope) error {
	if !key.HasScope(required) {
		return types.NewError(types.ErrAuthorization, "missing required scope").WithField(string(required))
	}
	if !TierAllowsScope(key.Tier, required) {
		return types.NewError(types.ErrAuthorization, "key tier does not permit this scope").WithField(string(required))
	}
	return nil
}

// AuthorizeAny is Authorize generalized to "at least one of required".
func AuthorizeAny(key *APIKey, required ...Scope) error {
	for _, scope := range required {
		if key.HasScope(scope) && TierAllowsScope(key.Tier, scope) {
			return nil
		}
	}
	return types.NewError(types.ErrAuthorization, "missing required scope")
}
