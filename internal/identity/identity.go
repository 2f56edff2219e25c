package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"okrio/internal/domain"
)

// Provider turns a signed identity assertion into an immutable Subject
// snapshot. The core never parses raw assertions anywhere else; SSO
// protocol mechanics live entirely outside, this only trusts the claims
// the identity layer minted.
type Provider struct {
	Secret string
}

type claims struct {
	jwt.RegisteredClaims
	TenantID   string            `json:"tid,omitempty"`
	Workspaces map[string]string `json:"workspaces,omitempty"`
	Managers   []string          `json:"managers,omitempty"`
	Labels     []string          `json:"labels,omitempty"`
	Groups     []string          `json:"groups,omitempty"`
	Level      int               `json:"level,omitempty"`
}

// Resolve validates the assertion and returns the subject snapshot.
func (p Provider) Resolve(token string) (domain.Subject, error) {
	if strings.TrimSpace(p.Secret) == "" {
		return domain.Subject{}, errors.New("identity secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(p.Secret), nil
	})
	if err != nil {
		return domain.Subject{}, err
	}
	if !parsed.Valid {
		return domain.Subject{}, errors.New("invalid token")
	}
	if c.Subject == "" {
		return domain.Subject{}, errors.New("subject claim required")
	}
	return domain.Subject{
		ID:           c.Subject,
		TenantID:     c.TenantID,
		Workspaces:   c.Workspaces,
		ManagerChain: c.Managers,
		Labels:       c.Labels,
		Groups:       c.Groups,
		Level:        c.Level,
	}, nil
}

// Mint signs an assertion for the given subject. Intended for local
// development and tests; production assertions come from the identity
// layer in front of the API.
func (p Provider) Mint(sub domain.Subject, ttl time.Duration) (string, error) {
	if strings.TrimSpace(p.Secret) == "" {
		return "", errors.New("identity secret not configured")
	}
	if sub.ID == "" {
		return "", errors.New("subject id required")
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sub.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		TenantID:   sub.TenantID,
		Workspaces: sub.Workspaces,
		Managers:   sub.ManagerChain,
		Labels:     sub.Labels,
		Groups:     sub.Groups,
		Level:      sub.Level,
	})
	return token.SignedString([]byte(p.Secret))
}
