package store

import (
	"embed"
	"os"

	"github.com/getsentry/sentry-go"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"
	"github.com/rs/zerolog"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

//go:embed migrations/*.sql
var embeddedMigrations embed.FS

// Storage owns the durable side of the session lifecycle: credential
// records and low-level agent session tokens.
type Storage struct {
	CredentialsTable *CredentialsTable
	TokensTable      *TokensTable
	DB               *sqlx.DB
}

func NewStorage(postgresURI, secret string) *Storage {
	db, err := sqlx.Open("postgres", postgresURI)
	if err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Str("uri", postgresURI).Msg("failed to open SQL DB")
	}
	return NewStorageWithDB(db, secret)
}

func NewStorageWithDB(db *sqlx.DB, secret string) *Storage {
	goose.SetBaseFS(embeddedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		logger.Panic().Err(err).Msg("failed to set goose dialect")
	}
	if err := goose.Up(db.DB, "migrations"); err != nil {
		sentry.CaptureException(err)
		logger.Panic().Err(err).Msg("failed to run storage migrations")
	}
	return &Storage{
		CredentialsTable: NewCredentialsTable(db),
		TokensTable:      NewTokensTable(db, secret),
		DB:               db,
	}
}

func (s *Storage) Teardown() {
	err := s.DB.Close()
	if err != nil {
		panic("Storage.Teardown: " + err.Error())
	}
}
