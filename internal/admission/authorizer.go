package admission

import (
	"context"
	"log/slog"

	"github.com/tjj9020/kinable-sub001/internal/store"
)

// Deny reasons, surfaced verbatim to callers. Store faults deny immediately
// rather than retrying: admission sits on the hot path and a slow store must
// fail fast.
const (
	ReasonUnauthorized       = "unauthorized"
	ReasonIncompleteIdentity = "incomplete identity"
	ReasonFamilyMismatch     = "family mismatch"
	ReasonProfileNotFound    = "profile not found"
	ReasonProfilePaused      = "profile paused"
	ReasonFamilyNotFound     = "family not found"
	ReasonFamilyPaused       = "family paused"
	ReasonInsufficientFunds  = "insufficient balance"
	ReasonStoreFault         = "database validation error"
)

// DenyError is a rejected admission.
type DenyError struct {
	Reason string
}

func (e *DenyError) Error() string { return e.Reason }

// Identity is an admitted caller. FamilyID is the raw id from the profile
// row; FamilyKey is the region-prefixed store key.
type Identity struct {
	UserID    string
	ProfileID string
	FamilyID  string
	FamilyKey string
	Role      string
	Region    string
}

// IdentityStore is the slice of the record store the authorizer needs.
type IdentityStore interface {
	GetProfile(ctx context.Context, profileID, region string) (*store.Profile, error)
	GetFamily(ctx context.Context, familyID, region string) (*store.Family, error)
}

// Authorizer admits or denies requests.
type Authorizer struct {
	verifier TokenVerifier
	store    IdentityStore
	logger   *slog.Logger
}

// NewAuthorizer creates an Authorizer.
func NewAuthorizer(verifier TokenVerifier, s IdentityStore, logger *slog.Logger) *Authorizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authorizer{verifier: verifier, store: s, logger: logger}
}

// Authorize validates the bearer token and admission rules in order: token
// signature, identity completeness, profile existence, agreement between the
// claimed family and the profile's, pause flags, family existence, then token
// balance. The first violated rule
// denies the request; store faults deny with a distinct reason and are never
// retried.
func (a *Authorizer) Authorize(ctx context.Context, bearer string) (*Identity, error) {
	claims, err := a.verifier.Verify(ctx, bearer)
	if err != nil {
		a.logger.Debug("token rejected", "error", err)
		return nil, &DenyError{Reason: ReasonUnauthorized}
	}
	if claims.UserID == "" || claims.ProfileID == "" || claims.FamilyID == "" || claims.Region == "" {
		return nil, &DenyError{Reason: ReasonIncompleteIdentity}
	}

	profile, err := a.store.GetProfile(ctx, claims.ProfileID, claims.Region)
	if err != nil {
		a.logger.Error("profile lookup failed", "profile_id", claims.ProfileID, "error", err)
		return nil, &DenyError{Reason: ReasonStoreFault}
	}
	if profile == nil {
		return nil, &DenyError{Reason: ReasonProfileNotFound}
	}
	if profile.FamilyID != claims.FamilyID {
		// The token claims a family the profile does not belong to.
		a.logger.Warn("token family does not match profile",
			"profile_id", claims.ProfileID, "claimed_family", claims.FamilyID)
		return nil, &DenyError{Reason: ReasonFamilyMismatch}
	}
	if profile.Paused {
		return nil, &DenyError{Reason: ReasonProfilePaused}
	}

	family, err := a.store.GetFamily(ctx, profile.FamilyID, claims.Region)
	if err != nil {
		a.logger.Error("family lookup failed", "family_id", profile.FamilyID, "error", err)
		return nil, &DenyError{Reason: ReasonStoreFault}
	}
	if family == nil {
		return nil, &DenyError{Reason: ReasonFamilyNotFound}
	}
	if family.Paused {
		return nil, &DenyError{Reason: ReasonFamilyPaused}
	}
	if family.TokenBalance <= 0 {
		return nil, &DenyError{Reason: ReasonInsufficientFunds}
	}

	return &Identity{
		UserID:    claims.UserID,
		ProfileID: claims.ProfileID,
		FamilyID:  profile.FamilyID,
		FamilyKey: family.FamilyID,
		Role:      profile.Role,
		Region:    claims.Region,
	}, nil
}
