package shelf

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"

	goalone "github.com/bwmarrin/go-alone"
)

type Role string

const (
	RoleAdmin Role = "admin"
	RoleUser  Role = "user"
)

// Identity is what the rest of the system knows about a caller. Login flows
// (passkeys, sessions, whatever) live outside this service; by the time a
// request reaches a handler it either carries a valid identity or it doesn't.
type Identity struct {
	UserID string
	Role   Role
}

func (i Identity) IsAdmin() bool {
	return i.Role == RoleAdmin
}

// Authenticator turns bearer credentials into an Identity. Tokens are signed
// user ids, accepted either as `Authorization: Token <t>` or as the password
// of HTTP Basic auth (WebDAV clients only speak Basic).
type Authenticator struct {
	signer *goalone.Sword
	admins map[string]struct{}
}

func NewAuthenticator(secret string, admins []string) *Authenticator {
	adminSet := make(map[string]struct{})
	for _, id := range admins {
		adminSet[id] = struct{}{}
	}
	return &Authenticator{
		signer: goalone.New([]byte(secret)),
		admins: adminSet,
	}
}

func (a *Authenticator) GenerateToken(userId string) string {
	data, err := json.Marshal(userId)
	if err != nil {
		return ""
	}
	return base64.RawURLEncoding.EncodeToString(a.signer.Sign(data))
}

func (a *Authenticator) validateToken(token string) string {
	decoded, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return ""
	}
	raw, err := a.signer.Unsign(decoded)
	if err != nil {
		return ""
	}
	var result string
	err = json.Unmarshal(raw, &result)
	if err != nil {
		return ""
	}
	return result
}

func (a *Authenticator) identityFor(userId string) Identity {
	role := RoleUser
	if _, ok := a.admins[userId]; ok {
		role = RoleAdmin
	}
	return Identity{UserID: userId, Role: role}
}

// Identify resolves the caller of a request. The second return is false when
// no valid credentials are present.
func (a *Authenticator) Identify(r *http.Request) (Identity, bool) {
	authParts := strings.Split(r.Header.Get("Authorization"), " ")
	if len(authParts) > 1 && strings.ToLower(authParts[0]) == "token" {
		if userId := a.validateToken(authParts[1]); userId != "" {
			return a.identityFor(userId), true
		}
		return Identity{}, false
	}

	if _, password, ok := r.BasicAuth(); ok {
		if userId := a.validateToken(password); userId != "" {
			return a.identityFor(userId), true
		}
	}

	return Identity{}, false
}
