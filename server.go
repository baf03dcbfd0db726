package linkproxy

import (
	"context"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/wabridge/linkproxy/handler"
	"github.com/wabridge/linkproxy/internal"
	"github.com/wabridge/linkproxy/session"
	"github.com/wabridge/linkproxy/store"
	"github.com/wabridge/linkproxy/wpp"
)

// Version of the server. Overridden at build time.
var Version = "0.1.0"

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

// Opts is everything needed to assemble a running server.
type Opts struct {
	// AgentURL is the base URL of the browser-automation agent.
	AgentURL string
	// PostgresURI per lib/pq connection string syntax.
	PostgresURI string
	// Secret encrypts agent session tokens at rest.
	Secret string

	SessionConfig session.Config

	// CodeSweepInterval drives the linking-code expiry pass. Zero disables.
	CodeSweepInterval time.Duration
	// SessionSweepInterval drives the aged-session and credential sweep.
	// Zero disables.
	SessionSweepInterval time.Duration
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// Setup assembles storage, the manager and its sweepers. The returned
// teardown stops the sweepers and the manager's workers.
func Setup(opts Opts) (*handler.SessionsHandler, func()) {
	storage := store.NewStorage(opts.PostgresURI, opts.Secret)
	factory := &wpp.AgentFactory{
		HTTP:    &http.Client{Timeout: 60 * time.Second},
		BaseURL: opts.AgentURL,
	}
	creds := session.NewCredentialStore(
		storage.CredentialsTable,
		opts.SessionConfig.Environment,
		opts.SessionConfig.ReconnectEndpoint,
		session.DefaultCredentialTTL,
	)
	manager := session.NewManager(opts.SessionConfig, factory, creds, storage.TokensTable, true)

	codeSweeper := session.NewSweeper(opts.CodeSweepInterval, manager.CleanupExpiredCodes)
	sessionSweeper := session.NewSweeper(opts.SessionSweepInterval, func() {
		manager.Sweep(context.Background())
	})
	go codeSweeper.Run()
	go sessionSweeper.Run()

	h := &handler.SessionsHandler{
		Manager:     manager,
		Version:     Version,
		AgentURL:    opts.AgentURL,
		Environment: opts.SessionConfig.Environment,
	}
	return h, func() {
		codeSweeper.Stop()
		sessionSweeper.Stop()
		manager.Teardown()
		storage.Teardown()
	}
}

// RunServer blocks, serving the API on bindAddr.
func RunServer(h *handler.SessionsHandler, bindAddr string) {
	r := mux.NewRouter()
	h.Register(r)
	r.Handle("/metrics", promhttp.Handler())

	srv := &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			func(next http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
					req = req.WithContext(internal.RequestContext(req.Context()))
					next.ServeHTTP(w, req)
				})
			},
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				l := hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path)
				l = internal.DecorateLogger(r.Context(), l)
				l.Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			func(next http.Handler) http.Handler {
				return sentryhttp.New(sentryhttp.Options{}).Handle(next)
			},
			func(next http.Handler) http.Handler {
				return allowCORS(next)
			},
		},
		final: otelhttp.NewHandler(r, "linkproxy"),
	}

	logger.Info().Msgf("listening on %s", bindAddr)
	if err := http.ListenAndServe(bindAddr, srv); err != nil {
		sentry.CaptureException(err)
		logger.Fatal().Err(err).Msg("failed to listen and serve")
	}
}
