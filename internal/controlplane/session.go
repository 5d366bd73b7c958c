package controlplane

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Session holds the credentials this core consumes. Owned by the auth
// collaborator; read-only here except for wholesale replacement on refresh.
type Session struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	OrgID        string
	UserID       string
}

// expiryLeeway treats a token as expired slightly early so a request never
// leaves with a token that dies in flight.
const expiryLeeway = 30 * time.Second

// NewSession builds a Session, extracting the expiry from the access
// token's exp claim when present. The token is not verified here — the
// control plane is the authority; we only need the deadline.
func NewSession(accessToken, refreshToken, orgID, userID string) Session {
	s := Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		OrgID:        orgID,
		UserID:       userID,
	}

	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	token, _, err := parser.ParseUnverified(accessToken, jwt.MapClaims{})
	if err != nil {
		return s
	}
	exp, err := token.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return s
	}
	s.ExpiresAt = exp.Time
	return s
}

// Valid reports whether the session can authenticate a request now.
// A zero ExpiresAt means the token carried no expiry — treated as valid
// until the control plane says otherwise.
func (s Session) Valid(now time.Time) bool {
	if s.AccessToken == "" {
		return false
	}
	if s.ExpiresAt.IsZero() {
		return true
	}
	return now.Add(expiryLeeway).Before(s.ExpiresAt)
}
