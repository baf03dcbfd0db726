package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/joho/godotenv"

	linkproxy "github.com/wabridge/linkproxy"
	"github.com/wabridge/linkproxy/internal"
	"github.com/wabridge/linkproxy/session"
)

var (
	flagBindAddr = flag.String("port", ":21465", "Bind address")
	flagAgent    = flag.String("agent", "http://localhost:21466", "Base URL of the browser automation agent")
	flagPostgres = flag.String("db", "user=postgres dbname=linkproxy sslmode=disable", "Postgres DB connection string (see lib/pq docs)")
	flagEnv      = flag.String("env", "production", "Environment label stamped into issued credentials")
	flagEndpoint = flag.String("endpoint", "", "Externally reachable base URL, put into credential reconnection instructions")
	flagChrome   = flag.String("chrome", "", "Chrome executable path handed to the agent; empty lets the agent pick")

	flagCodeSweep    = flag.Duration("code-sweep", 30*time.Second, "How often expired linking codes are swept. 0 disables")
	flagSessionSweep = flag.Duration("session-sweep", time.Hour, "How often aged-out sessions and expired credentials are swept. 0 disables")
)

func main() {
	// .env is optional; flags and real env vars win
	_ = godotenv.Load()
	flag.Parse()

	secret := os.Getenv("LINKPROXY_SECRET")
	if secret == "" {
		fmt.Fprintln(os.Stderr, "LINKPROXY_SECRET must be set: it encrypts agent session tokens at rest")
		os.Exit(1)
	}

	if dsn := os.Getenv("LINKPROXY_SENTRY_DSN"); dsn != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:     dsn,
			Release: "linkproxy@" + linkproxy.Version,
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to initialise sentry: %s\n", err)
			os.Exit(1)
		}
		defer sentry.Flush(2 * time.Second)
	}

	if otlpURL := os.Getenv("LINKPROXY_OTLP_URL"); otlpURL != "" {
		err := internal.ConfigureOTLP(
			otlpURL,
			os.Getenv("LINKPROXY_OTLP_USERNAME"),
			os.Getenv("LINKPROXY_OTLP_PASSWORD"),
			"linkproxy@"+linkproxy.Version,
		)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to configure OTLP: %s\n", err)
			os.Exit(1)
		}
	}

	h, teardown := linkproxy.Setup(linkproxy.Opts{
		AgentURL:    *flagAgent,
		PostgresURI: *flagPostgres,
		Secret:      secret,
		SessionConfig: session.Config{
			Environment:          *flagEnv,
			ReconnectEndpoint:    *flagEndpoint,
			ChromeExecutablePath: *flagChrome,
		},
		CodeSweepInterval:    *flagCodeSweep,
		SessionSweepInterval: *flagSessionSweep,
	})
	defer teardown()

	linkproxy.RunServer(h, *flagBindAddr)
}
