package launch

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"paidinbox/internal/lockrate"
	"paidinbox/internal/store"
	"paidinbox/pkg/config"
)

type fakeNotifications struct{ authenticated bool }

func (f fakeNotifications) AnyAuthenticated(ctx context.Context) bool { return f.authenticated }

func newTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Secrets.SessionSecret = "0123456789abcdef0123456789"
	cfg.Secrets.PIISecret = "0123456789abcdef0123456789"
	cfg.Secrets.SmartAccountSecret = "0123456789abcdef0123456789"
	cfg.Persistence.Backend = "sqlite"
	cfg.Persistence.Strict = false
	cfg.Worker.Distributed = false
	cfg.Legal.TOSVersion = "2024-01-01"
	cfg.Identity.Strict = false
	cfg.Launch.BlockOnWarn = false
	return cfg
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.OpenEmbeddedMemory(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRunPassesEveryCheckWithHealthyConfig(t *testing.T) {
	cfg := newTestConfig()
	s := newTestStore(t)
	mutex := lockrate.NewMutex(nil)
	g := New(cfg, s, mutex, fakeNotifications{authenticated: true})

	report := g.Run(context.Background())

	require.True(t, report.Ready)
	require.Equal(t, 0, report.FailCount)
}

func TestRunFailsOnDefaultSecret(t *testing.T) {
	cfg := newTestConfig()
	cfg.Secrets.SessionSecret = "changeme"
	s := newTestStore(t)
	mutex := lockrate.NewMutex(nil)
	g := New(cfg, s, mutex, fakeNotifications{authenticated: true})

	report := g.Run(context.Background())

	require.False(t, report.Ready)
	require.Greater(t, report.FailCount, 0)
}

func TestRunFailsOnShortSecret(t *testing.T) {
	cfg := newTestConfig()
	cfg.Secrets.PIISecret = "tooshort"
	s := newTestStore(t)
	mutex := lockrate.NewMutex(nil)
	g := New(cfg, s, mutex, fakeNotifications{authenticated: true})

	report := g.Run(context.Background())

	require.False(t, report.Ready)
}

func TestRunFailsWhenStrictModeRequiresPostgresButSqliteConfigured(t *testing.T) {
	cfg := newTestConfig()
	cfg.Persistence.Strict = true
	cfg.Persistence.Backend = "sqlite"
	cfg.Identity.ProviderAllowlist = []string{"remote-verifier"}
	s := newTestStore(t)
	mutex := lockrate.NewMutex(nil)
	g := New(cfg, s, mutex, fakeNotifications{authenticated: true})

	report := g.Run(context.Background())

	require.False(t, report.Ready)
	var found bool
	for _, c := range report.Checks {
		if c.Key == "persistence_backend" {
			found = true
			require.Equal(t, StatusFail, c.Status)
		}
	}
	require.True(t, found)
}

func TestRunFailsDistributedWorkersWithoutLockBackend(t *testing.T) {
	cfg := newTestConfig()
	cfg.Worker.Distributed = true
	s := newTestStore(t)
	mutex := lockrate.NewMutex(nil) // no redis client configured
	g := New(cfg, s, mutex, fakeNotifications{authenticated: true})

	report := g.Run(context.Background())

	require.False(t, report.Ready)
}

func TestRunPassesDistributedWorkersWithLiveLockBackend(t *testing.T) {
	cfg := newTestConfig()
	cfg.Worker.Distributed = true
	s := newTestStore(t)
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	mutex := lockrate.NewMutex(client)
	g := New(cfg, s, mutex, fakeNotifications{authenticated: true})

	report := g.Run(context.Background())

	require.True(t, report.Ready)
}

func TestRunFailsOnMissingNotificationProviderInStrictMode(t *testing.T) {
	cfg := newTestConfig()
	cfg.Identity.Strict = true
	cfg.Identity.ProviderAllowlist = []string{"remote-verifier"}
	s := newTestStore(t)
	mutex := lockrate.NewMutex(nil)
	g := New(cfg, s, mutex, fakeNotifications{authenticated: false})

	report := g.Run(context.Background())

	require.False(t, report.Ready)
}

func TestRunFailsOnMissingLegalTermsVersion(t *testing.T) {
	cfg := newTestConfig()
	cfg.Legal.TOSVersion = ""
	s := newTestStore(t)
	mutex := lockrate.NewMutex(nil)
	g := New(cfg, s, mutex, fakeNotifications{authenticated: true})

	report := g.Run(context.Background())

	require.False(t, report.Ready)
}

func TestRunWarnsOnMissingChainIndexerTokenDecimalsWhenEnabled(t *testing.T) {
	cfg := newTestConfig()
	cfg.Indexer.RPCURL = "https://rpc.example.com"
	cfg.Indexer.VaultAddress = "0xVault"
	cfg.Indexer.TokenDecimals = 0
	s := newTestStore(t)
	mutex := lockrate.NewMutex(nil)
	g := New(cfg, s, mutex, fakeNotifications{authenticated: true})

	report := g.Run(context.Background())

	require.True(t, report.Ready) // warn without block_on_warn still passes
	require.Equal(t, 1, report.WarnCount)
}

func TestRunBlocksOnWarnWhenConfigured(t *testing.T) {
	cfg := newTestConfig()
	cfg.Launch.BlockOnWarn = true
	cfg.Indexer.RPCURL = "https://rpc.example.com"
	cfg.Indexer.VaultAddress = "0xVault"
	cfg.Indexer.TokenDecimals = 0
	s := newTestStore(t)
	mutex := lockrate.NewMutex(nil)
	g := New(cfg, s, mutex, fakeNotifications{authenticated: true})

	report := g.Run(context.Background())

	require.False(t, report.Ready)
}
