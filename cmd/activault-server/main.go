// Command activault-server runs the activation server: domain service,
// persistent store and the JSON RPC facade.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5"

	"code.activault.org/server/internal/callback"
	"code.activault.org/server/internal/config"
	"code.activault.org/server/internal/observability"
	"code.activault.org/server/internal/rest"
	"code.activault.org/server/pkg/keyvault"
	"code.activault.org/server/pkg/service"
	"code.activault.org/server/pkg/store"
	"code.activault.org/server/pkg/store/boltdb"
	"code.activault.org/server/pkg/store/pgdb"
)

func main() {
	err := run()
	if nil != err {
		fmt.Fprintf(os.Stderr, "activault-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var configPath string
	var migrate bool
	flag.StringVar(&configPath, "config", "", "path to configuration file")
	flag.BoolVar(&migrate, "migrate", false, "create the database schema and exit (postgres driver only)")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if nil != err {
		return err
	}

	if migrate {
		conn, err := pgx.Connect(context.Background(), cfg.PostgresDSN)
		if nil != err {
			return err
		}
		defer conn.Close(context.Background())
		return pgdb.Migrate(conn, cfg.PostgresSchema)
	}

	log := observability.NewTextLogger(os.Stderr, slog.LevelInfo)
	slog.SetDefault(log)

	// key at rest protection follows the configured master secret
	mode := keyvault.NoEncryption
	if "" != cfg.MasterSecret {
		mode = keyvault.AESHMAC
	}
	codec, err := keyvault.NewCodec([]byte(cfg.MasterSecret), mode)
	if nil != err {
		return err
	}

	var st store.Store
	switch cfg.StoreDriver {
	case "postgres":
		pgStore, err := pgdb.New(context.Background(), cfg.PostgresDSN)
		if nil != err {
			return err
		}
		defer pgStore.Close()
		st = pgStore
	default:
		boltStore, err := boltdb.New(cfg.BoltPath)
		if nil != err {
			return err
		}
		defer boltStore.Close()
		st = boltStore
	}

	var proxy *callback.Proxy
	if "" != cfg.HTTPProxyHost {
		proxy = &callback.Proxy{
			Host:     cfg.HTTPProxyHost,
			Port:     cfg.HTTPProxyPort,
			Username: cfg.HTTPProxyUsername,
			Password: cfg.HTTPProxyPassword,
		}
	}
	notifier, err := callback.New(callback.Config{
		ConnectTimeout: cfg.HTTPConnectionTimeout,
		Proxy:          proxy,
		Logger:         log,
	})
	if nil != err {
		return err
	}
	defer notifier.Close()

	svc, err := service.New(st, codec, notifier, service.Config{
		ActivationIdIterations:         cfg.ActivationIdIterations,
		ActivationCodeIterations:       cfg.ActivationCodeIterations,
		TokenIdIterations:              cfg.TokenIdIterations,
		RecoveryCodeIterations:         cfg.RecoveryCodeIterations,
		DefaultMaxFailedAttempts:       cfg.DefaultMaxFailedAttempts,
		RecoveryMaxFailedAttempts:      cfg.RecoveryMaxFailedAttempts,
		SignatureValidationLookahead:   cfg.SignatureValidationLookahead,
		ActivationValidityBeforeActive: cfg.ActivationValidityBeforeActive,
	})
	if nil != err {
		return err
	}

	server, err := rest.NewServer(svc)
	if nil != err {
		return err
	}
	mw := observability.Middleware{TraceIdHeader: "X-Request-Id"}
	handler := mw.Wrap(server.Router())

	log.Info("listening", "addr", cfg.ListenAddr, "store", cfg.StoreDriver)
	return http.ListenAndServe(cfg.ListenAddr, handler)
}
