package credential

import (
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// jwtExpirySkew is subtracted from a JWT's exp so the upstream never sees a
// token in its last seconds of validity.
const jwtExpirySkew = 30 * time.Second

// jwtExpiry returns the "exp" claim of token when it is a JWT. The signature
// is not verified; the proxy only forwards the token.
func jwtExpiry(token string) (time.Time, bool) {
	if strings.Count(token, ".") != 2 {
		return time.Time{}, false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, false
	}
	if claims.ExpiresAt == nil {
		return time.Time{}, false
	}
	return claims.ExpiresAt.Time, true
}
