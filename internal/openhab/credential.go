package openhab

import (
	"net/http"
	"strings"
)

type CredentialKind int

const (
	CredentialNone CredentialKind = iota
	CredentialBasic
	CredentialBearer
)

// Credential is the parsed form of the opaque credential string stored on a
// connection config. The shape is decided once here: "user:pass" means basic
// auth, anything else non-empty is a bearer token.
type Credential struct {
	Kind  CredentialKind
	User  string
	Pass  string
	Token string
}

func ParseCredential(raw string) Credential {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Credential{Kind: CredentialNone}
	}
	if user, pass, ok := strings.Cut(s, ":"); ok {
		return Credential{Kind: CredentialBasic, User: user, Pass: pass}
	}
	return Credential{Kind: CredentialBearer, Token: s}
}

func (c Credential) apply(req *http.Request) {
	switch c.Kind {
	case CredentialBasic:
		req.SetBasicAuth(c.User, c.Pass)
	case CredentialBearer:
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
}
