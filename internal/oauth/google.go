// google.go -- Well-known issuers, so common providers need only client credentials.
package oauth

// GoogleIssuer is Google's OIDC issuer.
const GoogleIssuer = "https://accounts.google.com"

var wellKnownIssuers = map[string]string{
	"google": GoogleIssuer,
	"gitlab": "https://gitlab.com",
}

// WellKnownIssuer returns the issuer for a well-known provider id, or "".
func WellKnownIssuer(id string) string {
	return wellKnownIssuers[id]
}
