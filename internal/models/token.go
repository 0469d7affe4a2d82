package models

import (
	"fmt"
	"time"
)

type Environment string

const (
	EnvironmentTesting    Environment = "testing"
	EnvironmentProduction Environment = "production"
)

func ParseEnvironment(s string) (Environment, error) {
	switch Environment(s) {
	case EnvironmentTesting, EnvironmentProduction:
		return Environment(s), nil
	}
	return "", fmt.Errorf("unknown environment %q", s)
}

type TokenStatus string

const (
	TokenStatusActive  TokenStatus = "active"
	TokenStatusExpired TokenStatus = "expired"
	TokenStatusRevoked TokenStatus = "revoked"
	TokenStatusError   TokenStatus = "error"
)

// TokenKey identifies the single active token slot.
type TokenKey struct {
	CompanyID   uint64
	Service     string
	Environment Environment
}

func (k TokenKey) String() string {
	return fmt.Sprintf("%d:%s:%s", k.CompanyID, k.Service, k.Environment)
}

type AuthToken struct {
	ID          uint64
	CompanyID   uint64
	Service     string
	Environment Environment
	Token       string
	Sign        string
	IssuedAt    time.Time
	ExpiresAt   time.Time
	Status      TokenStatus
	LastError   *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func (t *AuthToken) Key() TokenKey {
	return TokenKey{CompanyID: t.CompanyID, Service: t.Service, Environment: t.Environment}
}

// UsableAt reports whether the token is active and will not enter the refresh threshold before now.
func (t *AuthToken) UsableAt(now time.Time, threshold time.Duration) bool {
	if t == nil || t.Status != TokenStatusActive {
		return false
	}
	return now.Add(threshold).Before(t.ExpiresAt)
}

// CompanyContext carries what the source system used to resolve implicitly from the logged-in company.
type CompanyContext struct {
	CompanyID      uint64
	Cuit           string
	Environment    Environment
	CertificateRef string
	Capabilities   []Capability
}

// TokenRetention selects rows the purge sweep may delete. Zero CompanyID means every company.
type TokenRetention struct {
	CompanyID     uint64
	ExpiredBefore time.Time
	FailedBefore  time.Time
}
