package version

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// ContractVersion is the query-surface contract this binary speaks.
// Bump the minor part for additive changes and the major part for breaking ones.
const ContractVersion = "1.0"

// Contract is a parsed major.minor contract version.
type Contract struct {
	Major int `json:"major"`
	Minor int `json:"minor"`
}

// CurrentContract returns the contract of this binary.
func CurrentContract() Contract {
	c, err := ParseContract(ContractVersion)
	if err != nil {
		panic(err)
	}
	return c
}

// ParseContract parses "major", "major.minor" or a full version. Patch,
// prerelease and build parts are ignored.
func ParseContract(v string) (Contract, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return Contract{}, fmt.Errorf("empty contract version")
	}
	sv, err := semver.NewVersion(v)
	if err != nil {
		return Contract{}, fmt.Errorf("invalid contract version %q: %w", v, err)
	}
	return Contract{Major: int(sv.Major()), Minor: int(sv.Minor())}, nil
}

func (c Contract) String() string {
	return fmt.Sprintf("%d.%d", c.Major, c.Minor)
}

func (c Contract) semver() *semver.Version {
	return semver.New(uint64(c.Major), uint64(c.Minor), 0, "", "")
}

// CompatibleRange is the constraint a peer must satisfy to talk to c:
// anything within the same major.
func (c Contract) CompatibleRange() string {
	return fmt.Sprintf(">= %d.0, < %d.0", c.Major, c.Major+1)
}

// RequiredRange is the constraint a server must satisfy to offer everything c uses.
func (c Contract) RequiredRange() string {
	return fmt.Sprintf(">= %d.%d, < %d.0", c.Major, c.Minor, c.Major+1)
}

// Satisfies checks c against a constraint such as "^1.2" or ">= 1.0, < 3.0".
func (c Contract) Satisfies(constraint string) (bool, error) {
	cs, err := semver.NewConstraint(constraint)
	if err != nil {
		return false, fmt.Errorf("invalid contract constraint %q: %w", constraint, err)
	}
	return cs.Check(c.semver()), nil
}

func (c Contract) satisfies(constraint string) bool {
	ok, err := c.Satisfies(constraint)
	return err == nil && ok
}

// Compatible reports whether a peer speaking other can talk to c. Majors must
// match; minors are additive so any pairing within a major is accepted.
func (c Contract) Compatible(other Contract) bool {
	return other.satisfies(c.CompatibleRange())
}

// Supports reports whether c offers everything other requires.
func (c Contract) Supports(other Contract) bool {
	return c.satisfies(other.RequiredRange())
}

// Negotiation is the result of comparing a client and server contract.
type Negotiation struct {
	Client     Contract `json:"client"`
	Server     Contract `json:"server"`
	Compatible bool     `json:"compatible"`
	Reason     string   `json:"reason,omitempty"`
}

// Negotiate compares a remote contract string with the local one.
func Negotiate(local Contract, remote string) Negotiation {
	n := Negotiation{Client: local}
	server, err := ParseContract(remote)
	if err != nil {
		n.Reason = err.Error()
		return n
	}
	n.Server = server
	n.Compatible = local.Compatible(server)
	if !n.Compatible {
		n.Reason = fmt.Sprintf("contract major mismatch: client %s, server %s", local, server)
	} else if !server.Supports(local) {
		n.Reason = fmt.Sprintf("server contract %s is older than client %s; newer queries may be missing", server, local)
	}
	return n
}
