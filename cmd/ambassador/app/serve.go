package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/mcp-ambassador/ambassador/pkg/api"
	"github.com/mcp-ambassador/ambassador/pkg/audit"
	"github.com/mcp-ambassador/ambassador/pkg/auth"
	"github.com/mcp-ambassador/ambassador/pkg/authz"
	"github.com/mcp-ambassador/ambassador/pkg/datadir"
	"github.com/mcp-ambassador/ambassador/pkg/logger"
	"github.com/mcp-ambassador/ambassador/pkg/oauth"
	"github.com/mcp-ambassador/ambassador/pkg/pipeline"
	"github.com/mcp-ambassador/ambassador/pkg/providers"
	"github.com/mcp-ambassador/ambassador/pkg/ratelimit"
	"github.com/mcp-ambassador/ambassador/pkg/session"
	"github.com/mcp-ambassador/ambassador/pkg/storage/sqlite"
	"github.com/mcp-ambassador/ambassador/pkg/upstream"
	"github.com/mcp-ambassador/ambassador/pkg/validation"
	"github.com/mcp-ambassador/ambassador/pkg/vault"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ambassador server",
	Long: `Start the ambassador HTTPS server. Downstream MCP tool servers are
spawned on demand per authenticated user; process-wide servers start with
the process.`,
	RunE: runServe,
}

const shutdownGrace = 15 * time.Second

func init() {
	flags := serveCmd.Flags()
	flags.String("host", "0.0.0.0", "Address to listen on")
	flags.Int("port", 8443, "Port to listen on")
	flags.String("server-name", "ambassador", "Server name used in logs and audit records")
	flags.String("portal-url", "", "Portal URL that receives OAuth callback redirects")
	flags.Bool("allow-insecure", false, "Serve plain HTTP when no TLS certs are present (local use only)")
	flags.Bool("metrics", false, "Expose Prometheus metrics on /metrics")
	flags.String("audit-on-failure", pipeline.AuditOnFailureBlock, "Behavior when the audit sink fails: block or buffer")

	for _, name := range []string{
		"host", "port", "server-name", "portal-url", "allow-insecure", "metrics", "audit-on-failure",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", name, err)
		}
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dataDir := datadir.Resolve(viper.GetString("data-dir"))
	if err := datadir.Ensure(dataDir); err != nil {
		return err
	}
	serverName := viper.GetString("server-name")
	logger.Infow("starting ambassador", "server_name", serverName, "data_dir", dataDir)

	store, err := sqlite.Open(ctx, datadir.DatabasePath(dataDir))
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("failed to close store: %v", err)
		}
	}()

	masterKey, err := vault.LoadMasterKey(dataDir)
	if err != nil {
		return err
	}
	credentialVault, err := vault.New(masterKey)
	if err != nil {
		return err
	}

	adminKeys := auth.NewAdminKeyManager(store.AdminKeys(), dataDir)
	if creds, err := adminKeys.Bootstrap(ctx); err != nil {
		return err
	} else if creds != nil {
		// Shown exactly once; only hashes are persisted.
		fmt.Printf("Admin key (store it now, it will not be shown again): %s\n", creds.AdminKey)
		fmt.Printf("Recovery token written to %s\n", adminKeys.RecoveryTokenPath())
	}

	sink, err := audit.NewFileSink(audit.FileSinkConfig{
		Dir:      datadir.AuditDir(dataDir),
		Buffered: viper.GetString("audit-on-failure") == pipeline.AuditOnFailureBuffer,
	})
	if err != nil {
		return err
	}

	authn := auth.NewAuthenticator(store)
	authorizer := authz.NewAuthorizer(store.Clients(), store.Profiles())

	registry := providers.NewRegistry(providers.DefaultAllowList())
	if err := registry.Register(ctx, providers.KindAuthN, providers.NewPresharedKeyAuthN(authn, store), nil); err != nil {
		return err
	}
	if err := registry.Register(ctx, providers.KindAuthZ, providers.NewLocalRBACAuthZ(authorizer), nil); err != nil {
		return err
	}
	if err := registry.Register(ctx, providers.KindAudit, providers.NewFileAudit(sink), nil); err != nil {
		return err
	}

	oauthManager := oauth.NewManager(store.OAuthStates(), store.Catalog())
	credentials := upstream.NewVaultCredentials(credentialVault, store.Credentials(), store.Users(), oauthManager)

	shared := upstream.NewSharedManager(store.Catalog(), nil)
	if err := shared.Start(ctx); err != nil {
		return err
	}
	pool := upstream.NewPool(store.Catalog(), credentials, nil, nil)
	router := upstream.NewRouter(shared, pool)

	sessionManager := session.NewManager(store.Sessions(), store.Connections(), pool, sink)

	validator, err := validation.NewValidator(nil)
	if err != nil {
		return err
	}
	limiter := ratelimit.NewLimiter()

	pipe := pipeline.New(authn, authorizer, validator, router, pool, store.Sessions(), limiter, sink, pipeline.Config{
		AuditOnFailure: viper.GetString("audit-on-failure"),
	})

	certFile, keyFile := tlsFiles(dataDir)
	server := api.New(
		api.Config{
			Host:          viper.GetString("host"),
			Port:          viper.GetInt("port"),
			CertFile:      certFile,
			KeyFile:       keyFile,
			AllowInsecure: viper.GetBool("allow-insecure"),
			PortalURL:     viper.GetString("portal-url"),
			EnableMetrics: viper.GetBool("metrics"),
		},
		api.Deps{
			Store:       store,
			Authn:       authn,
			Pipeline:    pipe,
			OAuth:       oauthManager,
			Credentials: credentials,
			Limiter:     limiter,
			Sink:        sink,
		},
	)

	// Background loops stop when ctx is canceled by a signal.
	lifecycleCtx, cancelLifecycle := context.WithCancel(ctx)
	defer cancelLifecycle()
	go sessionManager.Run(lifecycleCtx)
	go oauthManager.RunCleanup(lifecycleCtx)
	pool.StartHealthLoop(lifecycleCtx)

	err = server.Run(ctx)

	// Teardown order: session timers first, then audit, then downstream
	// connections; the deferred store.Close runs last.
	cancelLifecycle()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if flushErr := sink.Flush(shutdownCtx); flushErr != nil {
		logger.Warnf("audit flush on shutdown failed: %v", flushErr)
	}
	if poolErr := pool.Shutdown(shutdownCtx); poolErr != nil {
		logger.Warnf("pool shutdown failed: %v", poolErr)
	}
	if sharedErr := shared.Shutdown(shutdownCtx); sharedErr != nil {
		logger.Warnf("shared manager shutdown failed: %v", sharedErr)
	}
	if regErr := registry.Shutdown(shutdownCtx); regErr != nil {
		logger.Warnf("provider shutdown failed: %v", regErr)
	}

	return err
}

// tlsFiles returns the first cert pair found under the data directory. PEM
// names as produced by cfssl-style tooling are preferred; the openssl-style
// crt/key pair is accepted too.
func tlsFiles(dataDir string) (certFile, keyFile string) {
	certsDir := datadir.CertsDir(dataDir)
	pairs := [][2]string{
		{"server.pem", "server-key.pem"},
		{"server.crt", "server.key"},
	}
	for _, pair := range pairs {
		cert := filepath.Join(certsDir, pair[0])
		key := filepath.Join(certsDir, pair[1])
		if _, err := os.Stat(cert); err != nil {
			continue
		}
		if _, err := os.Stat(key); err != nil {
			continue
		}
		return cert, key
	}
	return "", ""
}
