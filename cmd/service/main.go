package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"

	log "github.com/sirupsen/logrus"

	"github.com/2beens/usermgmt/internal"
	"github.com/2beens/usermgmt/internal/config"
	"github.com/2beens/usermgmt/internal/logging"
	"github.com/2beens/usermgmt/pkg"
)

const devJWTSecretLen = 48

func main() {
	fmt.Println("starting ...")

	env := flag.String("env", "development", "environment [prod | production | dev | development]")
	configPath := flag.String("config", "./config.toml", "path for the TOML config file")
	flag.Parse()

	log.Warnf("---->> running in [%s] environment", *env)

	cfg, err := config.Load(*env, *configPath)
	if err != nil {
		panic(err)
	}

	logging.Setup(logging.LoggerSetupParams{
		LogFileName:      cfg.LogsPath,
		LogToStdout:      cfg.LogToStdout,
		LogLevel:         cfg.LogLevel,
		LogFormatJSON:    cfg.LogFormatJSON,
		Environment:      cfg.Environment,
		SentryEnabled:    cfg.SentryEnabled,
		SentryDSN:        os.Getenv("SENTRY_DSN"),
		SentryServerName: "usermgmt-service",
	})

	log.Debugf("using port: %d", cfg.Port)
	log.Debugf("using server logs path: [%s]", cfg.LogsPath)
	log.Debugf("using users store: [%s]", cfg.UsersStore)

	versionInfo, err := tryGetLastCommitHash()
	if err != nil {
		log.Tracef("failed to get last commit hash / version info: %s", err)
	} else {
		log.Tracef("running version: %s", versionInfo)
	}

	jwtSecret := os.Getenv("USERMGMT_JWT_SECRET")
	if jwtSecret == "" {
		if cfg.IsProduction() {
			log.Fatalln("jwt secret not set. use USERMGMT_JWT_SECRET")
		}
		log.Warnln("jwt secret not set, using a random one. sessions will not survive a restart. use USERMGMT_JWT_SECRET")
		jwtSecret, err = pkg.GenerateRandomString(devJWTSecretLen)
		if err != nil {
			log.Fatalf("generate jwt secret: %s", err)
		}
	}

	adminPassword := os.Getenv("USERMGMT_ADMIN_PASSWORD")
	if adminPassword == "" {
		log.Warnln("admin password not set, a random one is generated if the admin user is missing. use USERMGMT_ADMIN_PASSWORD")
	}

	redisPassword := os.Getenv("USERMGMT_REDIS_PASS")
	if redisPassword == "" {
		log.Errorf("redis password not set. use USERMGMT_REDIS_PASS")
	}

	postgresPassword := os.Getenv("USERMGMT_POSTGRES_PASS")
	if postgresPassword == "" && cfg.UsersStore == config.UsersStorePostgres {
		log.Warnln("postgres password not set. use USERMGMT_POSTGRES_PASS")
	}

	if otelServiceName := os.Getenv("OTEL_SERVICE_NAME"); otelServiceName == "" {
		log.Warnln("OTEL_SERVICE_NAME env var not set")
	}

	honeycombEnabled := os.Getenv("HONEYCOMB_ENABLED") == "true"
	if honeycombEnabled {
		if honeycombApiKey := os.Getenv("HONEYCOMB_API_KEY"); honeycombApiKey == "" {
			log.Warnln("HONEYCOMB_API_KEY env var not set")
		}
	} else {
		log.Debugln("honeycomb tracing disabled")
	}

	chOsInterrupt := make(chan os.Signal, 1)
	signal.Notify(chOsInterrupt, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())

	server, err := internal.NewServer(
		ctx,
		internal.NewServerParams{
			Config:                  cfg,
			JWTSecret:               []byte(jwtSecret),
			AdminPassword:           adminPassword,
			RedisPassword:           redisPassword,
			PostgresPassword:        postgresPassword,
			VersionInfo:             versionInfo,
			HoneycombTracingEnabled: honeycombEnabled,
		},
	)
	if err != nil {
		log.Fatalf("new server: %s", err)
	}

	server.Serve(cfg.Host, cfg.Port)

	receivedSig := <-chOsInterrupt
	log.Warnf("signal [%s] received, killing everything ...", receivedSig)
	cancel()

	if err := server.GracefulShutdown(); err != nil {
		log.Errorf("graceful shutdown: %s", err)
	}
}

// tryGetLastCommitHash will try to get the last commit hash
// assumes that the built main executable is in project root
func tryGetLastCommitHash() (string, error) {
	cmd := exec.Command("/usr/bin/git", "rev-parse", "HEAD")
	stdout, err := cmd.Output()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(stdout)), nil
}
