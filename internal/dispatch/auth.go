package dispatch

import (
	"crypto/subtle"

	"golang.org/x/crypto/bcrypt"

	"github.com/cctelegram/mcp-bridge/internal/config"
)

// Identity is the authenticated caller of a tool.
type Identity struct {
	ClientID    string
	Permissions []string
}

// Allowed reports whether the identity holds the capability. A "*"
// permission grants everything.
func (id *Identity) Allowed(capability string) bool {
	for _, p := range id.Permissions {
		if p == "*" || p == capability {
			return true
		}
	}
	return false
}

// Authenticator resolves API keys to identities. Configured keys are stored
// as bcrypt hashes; the development key is plaintext and maps to the
// "default" client.
type Authenticator struct {
	cfg config.AuthConfig
}

func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Authenticate returns the identity for an API key. With auth disabled every
// caller is the anonymous identity with full permissions.
func (a *Authenticator) Authenticate(apiKey string) (*Identity, *ToolError) {
	if !a.cfg.Enabled {
		return &Identity{ClientID: "anonymous", Permissions: []string{"*"}}, nil
	}
	if apiKey == "" {
		return nil, Errf(KindAuthentication, "missing API key")
	}
	if a.cfg.DefaultAPIKey != "" &&
		subtle.ConstantTimeCompare([]byte(apiKey), []byte(a.cfg.DefaultAPIKey)) == 1 {
		return &Identity{ClientID: "default", Permissions: []string{"*"}}, nil
	}
	for clientID, hash := range a.cfg.Keys {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)) == nil {
			return &Identity{ClientID: clientID, Permissions: []string{"*"}}, nil
		}
	}
	return nil, Errf(KindAuthentication, "invalid API key")
}
