package auth

const (
	ScopeOpenID      = "openid"
	ScopeProfile     = "profile"
	ScopeEmail       = "email"
	ScopeThreatRead  = "threat:read"
	ScopeThreatWrite = "threat:write"
)

// AllScopes defines the full set of scopes requested by the Swagger UI.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeThreatRead,
	ScopeThreatWrite,
}
