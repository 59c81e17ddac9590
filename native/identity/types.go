package identity

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// AgentRecord captures the registration of an agent: a sequential identifier
// bound to the service domain it advertises and the address that controls it.
type AgentRecord struct {
	ID           uint64
	Domain       string
	Address      [20]byte
	RegisteredAt int64
	UpdatedAt    int64
}

const (
	domainMinLength = 3
	domainMaxLength = 253
)

var (
	domainPattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9.-]*[a-z0-9])?$`)

	// ErrInvalidDomain is returned when the supplied domain does not satisfy
	// the naming constraints.
	ErrInvalidDomain = errors.New("identity: invalid domain")
	// ErrDomainTaken is returned when the domain is already bound to another
	// agent.
	ErrDomainTaken = errors.New("identity: domain already registered")
	// ErrAddressTaken is returned when the address already controls another
	// agent.
	ErrAddressTaken = errors.New("identity: address already registered")
	// ErrZeroAddress marks a zero controlling address.
	ErrZeroAddress = errors.New("identity: zero address")
	// ErrAgentNotFound marks lookups for unknown agent identifiers.
	ErrAgentNotFound = errors.New("identity: agent not found")
	// ErrUnauthorized marks update attempts from an address that does not
	// control the agent.
	ErrUnauthorized = errors.New("identity: caller does not control agent")
)

// NormalizeDomain lowercases and validates the supplied domain.
func NormalizeDomain(domain string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(domain))
	length := len(lower)
	if length < domainMinLength || length > domainMaxLength {
		return "", fmt.Errorf("%w: must be between %d and %d characters", ErrInvalidDomain, domainMinLength, domainMaxLength)
	}
	if !domainPattern.MatchString(lower) {
		return "", fmt.Errorf("%w: allowed characters are [a-z0-9.-]", ErrInvalidDomain)
	}
	return lower, nil
}
