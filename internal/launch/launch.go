// Package launch implements the Launch-Readiness Gate of spec §4.G: a
// synchronous, boot-time battery of checks that must pass before the
// application accepts traffic.
package launch

import (
	"context"
	"time"

	"paidinbox/internal/lockrate"
	"paidinbox/internal/store"
	"paidinbox/pkg/config"
)

// CheckStatus is one of the three outcomes a single check can report.
type CheckStatus string

const (
	StatusPass CheckStatus = "pass"
	StatusWarn CheckStatus = "warn"
	StatusFail CheckStatus = "fail"
)

// Check is one entry in the readiness report.
type Check struct {
	Key      string
	Status   CheckStatus
	Message  string
	Evidence map[string]any
}

// Report aggregates every check plus the final readiness verdict.
type Report struct {
	Checks  []Check
	Ready   bool
	FailCount int
	WarnCount int
}

// NotificationRegistry is the external collaborator spec §5.G names: the
// gate only needs to know whether any provider is authenticated.
type NotificationRegistry interface {
	AnyAuthenticated(ctx context.Context) bool
}

const minSecretLength = 24

var defaultSecretValues = map[string]bool{
	"": true, "changeme": true, "default": true, "secret": true,
}

// Gate runs every check in spec §4.G against the supplied collaborators.
type Gate struct {
	cfg          *config.Config
	store        store.Store
	mutex        *lockrate.Mutex
	notifications NotificationRegistry
}

func New(cfg *config.Config, s store.Store, mutex *lockrate.Mutex, notifications NotificationRegistry) *Gate {
	return &Gate{cfg: cfg, store: s, mutex: mutex, notifications: notifications}
}

// Run executes every category and computes the final verdict:
// launchReady = (fail == 0) && (blockOnWarn => warn == 0).
func (g *Gate) Run(ctx context.Context) Report {
	var checks []Check
	checks = append(checks, g.checkKeyRotation()...)
	checks = append(checks, g.checkPersistence(ctx))
	checks = append(checks, g.checkDistributedWorkers(ctx))
	checks = append(checks, g.checkChainIndexer())
	checks = append(checks, g.checkNotificationProviders(ctx))
	checks = append(checks, g.checkIdentityVerification())
	checks = append(checks, g.checkLegalTerms())

	var fail, warn int
	for _, c := range checks {
		switch c.Status {
		case StatusFail:
			fail++
		case StatusWarn:
			warn++
		}
	}
	ready := fail == 0
	if g.cfg.Launch.BlockOnWarn {
		ready = ready && warn == 0
	}
	return Report{Checks: checks, Ready: ready, FailCount: fail, WarnCount: warn}
}

func (g *Gate) checkKeyRotation() []Check {
	secrets := map[string]string{
		"session_secret":       g.cfg.Secrets.SessionSecret,
		"pii_secret":           g.cfg.Secrets.PIISecret,
		"smart_account_secret": g.cfg.Secrets.SmartAccountSecret,
	}
	checks := make([]Check, 0, len(secrets))
	for name, value := range secrets {
		status := StatusPass
		msg := "secret rotated and meets minimum length"
		if defaultSecretValues[value] {
			status = StatusFail
			msg = "secret is unset or a known default value"
		} else if len(value) < minSecretLength {
			status = StatusFail
			msg = "secret is shorter than the minimum required length"
		}
		checks = append(checks, Check{Key: "key_rotation:" + name, Status: status, Message: msg})
	}
	return checks
}

func (g *Gate) checkPersistence(ctx context.Context) Check {
	if g.cfg.Persistence.Strict && store.Mode(g.cfg.Persistence.Backend) != store.ModeStrictPostgres {
		return Check{Key: "persistence_backend", Status: StatusFail, Message: "strict mode requires the postgres backend"}
	}
	if g.store == nil {
		return Check{Key: "persistence_backend", Status: StatusFail, Message: "no store configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := g.store.JobStats(ctx); err != nil {
		return Check{Key: "persistence_backend", Status: StatusFail, Message: "database is not reachable", Evidence: map[string]any{"error": err.Error()}}
	}
	return Check{Key: "persistence_backend", Status: StatusPass, Message: "database reachable"}
}

func (g *Gate) checkDistributedWorkers(ctx context.Context) Check {
	if !g.cfg.Worker.Distributed {
		return Check{Key: "distributed_workers", Status: StatusPass, Message: "distributed mode disabled, no lock backend required"}
	}
	token, err := g.mutex.TryAcquire(ctx, "launch:liveness", 5*time.Second)
	if err != nil {
		return Check{Key: "distributed_workers", Status: StatusFail, Message: "lock backend liveness probe errored", Evidence: map[string]any{"error": err.Error()}}
	}
	if token == "" {
		return Check{Key: "distributed_workers", Status: StatusFail, Message: "lock backend did not respond to liveness probe"}
	}
	g.mutex.Release(ctx, "launch:liveness", token)
	return Check{Key: "distributed_workers", Status: StatusPass, Message: "lock backend responded to liveness probe"}
}

func (g *Gate) checkChainIndexer() Check {
	if g.cfg.Indexer.RPCURL == "" {
		return Check{Key: "chain_indexer", Status: StatusPass, Message: "chain indexer disabled"}
	}
	if g.cfg.Indexer.VaultAddress == "" {
		return Check{Key: "chain_indexer", Status: StatusFail, Message: "indexer enabled but vault address is unset"}
	}
	if g.cfg.Indexer.TokenDecimals <= 0 {
		return Check{Key: "chain_indexer", Status: StatusWarn, Message: "token decimals is zero or unset; amounts will not be scaled"}
	}
	return Check{Key: "chain_indexer", Status: StatusPass, Message: "chain indexer dependencies valid"}
}

func (g *Gate) checkNotificationProviders(ctx context.Context) Check {
	if !g.cfg.Identity.Strict && !g.cfg.Persistence.Strict {
		return Check{Key: "notification_providers", Status: StatusPass, Message: "readiness not required outside strict mode"}
	}
	if g.notifications == nil || !g.notifications.AnyAuthenticated(ctx) {
		return Check{Key: "notification_providers", Status: StatusFail, Message: "strict mode requires at least one authenticated notification provider"}
	}
	return Check{Key: "notification_providers", Status: StatusPass, Message: "at least one notification provider authenticated"}
}

func (g *Gate) checkIdentityVerification() Check {
	if !g.cfg.Identity.Strict {
		return Check{Key: "identity_verification", Status: StatusPass, Message: "identity strict mode disabled"}
	}
	if len(g.cfg.Identity.ProviderAllowlist) == 0 {
		return Check{Key: "identity_verification", Status: StatusFail, Message: "strict mode requires a remote verifier or local equivalent, but no provider is allowlisted"}
	}
	return Check{Key: "identity_verification", Status: StatusPass, Message: "identity provider allowlist configured"}
}

func (g *Gate) checkLegalTerms() Check {
	if g.cfg.Legal.TOSVersion == "" {
		return Check{Key: "legal_terms_versioning", Status: StatusFail, Message: "no terms-of-service version configured"}
	}
	return Check{Key: "legal_terms_versioning", Status: StatusPass, Message: "terms-of-service version configured", Evidence: map[string]any{"version": g.cfg.Legal.TOSVersion}}
}
