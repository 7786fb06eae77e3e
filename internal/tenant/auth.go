package tenant

import (
	"context"
	"fmt"
	"time"

	"github.com/axonstream/axonpulse/internal/axerr"
	"github.com/axonstream/axonpulse/internal/store"
	"github.com/golang-jwt/jwt/v5"
)

// Credentials bundles every place a caller might have stashed identity,
// gathered by the Gateway/HTTP layer before admission (spec §4.D). Exactly
// one extraction path is taken, in priority order.
type Credentials struct {
	BearerToken    string                 // Authorization: Bearer <jwt>
	QueryToken     string                 // ?token=<jwt> on the handshake URL
	HandshakeAuth  map[string]interface{} // {"token": "..."} sent in the first ws frame
	APIKey         string                 // X-API-Key header
	APIKeyOrgID    string                 // X-Organization-Id header, paired with APIKey
	DemoOrgID      string                 // demo-mode {organizationId, userId?}
	DemoUserID     string
}

// Claims is the expected JWT payload shape (spec §4.D).
type Claims struct {
	OrganizationID string   `json:"organizationId"`
	UserID         string   `json:"sub"`
	Role           string   `json:"role"`
	Roles          []string `json:"roles"`
	Permissions    []string `json:"permissions"`
	Features       []string `json:"features"`
	jwt.RegisteredClaims
}

// Authenticator resolves Credentials into a validated Context, following
// the extraction-priority-chain pattern of the teacher's TenantAuth
// middleware, generalized to a non-HTTP-specific, non-Istio-trusting
// source list per spec §4.D.
type Authenticator struct {
	Store           store.Store
	JWTPublicKey    interface{} // *rsa.PublicKey or []byte, depending on signing alg
	ClockDriftMax   time.Duration
	DemoModeEnabled bool
	APIKeyOrgs      map[string]string // apiKey -> organizationId, for the API-key path
}

// Authenticate runs the priority chain: bearer token, handshake query
// token, handshake auth object, API key + org header, demo mode. The
// first populated source wins; nothing falls through to the next once a
// source is present but fails verification — a malformed bearer token is
// an auth failure, not a silent fallback to query token (spec §4.D).
func (a *Authenticator) Authenticate(ctx context.Context, creds Credentials) (Context, error) {
	switch {
	case creds.BearerToken != "":
		return a.fromJWT(ctx, creds.BearerToken)

	case creds.QueryToken != "":
		return a.fromJWT(ctx, creds.QueryToken)

	case len(creds.HandshakeAuth) > 0:
		token, _ := creds.HandshakeAuth["token"].(string)
		if token == "" {
			return Context{}, axerr.Auth("AUTH_MISSING_TOKEN", "handshake auth object has no token")
		}
		return a.fromJWT(ctx, token)

	case creds.APIKey != "" && creds.APIKeyOrgID != "":
		return a.fromAPIKey(ctx, creds.APIKey, creds.APIKeyOrgID)

	case a.DemoModeEnabled && creds.DemoOrgID != "":
		return a.fromDemo(ctx, creds.DemoOrgID, creds.DemoUserID)

	default:
		return Context{}, axerr.Auth("AUTH_NO_CREDENTIALS", "no authentication credentials presented")
	}
}

func (a *Authenticator) fromJWT(ctx context.Context, raw string) (Context, error) {
	claims := &Claims{}
	parsed, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		return a.JWTPublicKey, nil
	})
	if err != nil || !parsed.Valid {
		return Context{}, axerr.Auth("AUTH_INVALID_TOKEN", fmt.Sprintf("jwt verification failed: %v", err))
	}

	if err := a.checkClockDrift(claims.RegisteredClaims); err != nil {
		return Context{}, err
	}

	if claims.OrganizationID == "" {
		return Context{}, axerr.Auth("AUTH_MISSING_ORG_CLAIM", "jwt has no organizationId claim")
	}

	tc := Context{
		OrganizationID: claims.OrganizationID,
		UserID:         claims.UserID,
		UserRole:       claims.Role,
		Roles:          claims.Roles,
		Permissions:    claims.Permissions,
		Features:       claims.Features,
	}
	return a.validateTenantContext(ctx, tc)
}

// checkClockDrift rejects tokens whose iat/nbf sit further than
// ClockDriftMax in the future, guarding against clock-skewed or replayed
// tokens (spec §4.D, 3s default tolerance).
func (a *Authenticator) checkClockDrift(c jwt.RegisteredClaims) error {
	tolerance := a.ClockDriftMax
	if tolerance <= 0 {
		tolerance = 3 * time.Second
	}
	now := time.Now()
	if c.IssuedAt != nil && c.IssuedAt.Time.After(now.Add(tolerance)) {
		return axerr.Auth("AUTH_CLOCK_DRIFT", "token issued in the future beyond tolerance")
	}
	if c.NotBefore != nil && c.NotBefore.Time.After(now.Add(tolerance)) {
		return axerr.Auth("AUTH_CLOCK_DRIFT", "token not-before is in the future beyond tolerance")
	}
	return nil
}

func (a *Authenticator) fromAPIKey(ctx context.Context, apiKey, orgID string) (Context, error) {
	boundOrg, ok := a.APIKeyOrgs[apiKey]
	if !ok || boundOrg != orgID {
		return Context{}, axerr.Auth("AUTH_INVALID_API_KEY", "api key not recognized for organization")
	}
	tc := Context{
		OrganizationID: orgID,
		UserRole:       "service",
		Permissions:    []string{"*:*"},
	}
	return a.validateTenantContext(ctx, tc)
}

func (a *Authenticator) fromDemo(ctx context.Context, orgID, userID string) (Context, error) {
	tc := Context{
		OrganizationID: orgID,
		UserID:         userID,
		UserRole:       "demo",
		Permissions:    []string{"channel:subscribe", "channel:publish", "room:read"},
	}
	return a.validateTenantContext(ctx, tc)
}

// validateTenantContext enforces the organization-exists-and-is-active
// invariant before a Context is trusted anywhere else in the system
// (spec §4.D).
func (a *Authenticator) validateTenantContext(ctx context.Context, tc Context) (Context, error) {
	org, err := a.Store.GetOrganization(ctx, tc.OrganizationID)
	if axerr.Is(err, axerr.KindNotFound) {
		return Context{}, axerr.Auth("AUTH_UNKNOWN_ORG", "organization does not exist")
	}
	if err != nil {
		return Context{}, err
	}
	if !org.Active {
		return Context{}, axerr.Forbidden("AUTH_ORG_SUSPENDED", "organization is suspended")
	}
	return tc, nil
}
