package app

import (
	"log/slog"

	"sessiond/internal/app/httpapp"
	"sessiond/internal/config"
	authhttp "sessiond/internal/http/auth"
	"sessiond/internal/identity/google"
	"sessiond/internal/lib/jwt"
	"sessiond/internal/mailer"
	"sessiond/internal/services/session"
	"sessiond/internal/storage/postgres"
	"sessiond/internal/storage/sqlite"
)

// store is everything the session service needs from a storage backend.
type store interface {
	session.UserSaver
	session.UserProvider
	session.UserUpdater
	session.SessionSaver
	session.SessionProvider
	session.SessionRotator
	session.SessionRevoker
}

type App struct {
	HTTPServer *httpapp.App
	Google     *google.Provider
}

func New(log *slog.Logger, cfg *config.Config) *App {
	var (
		db  store
		err error
	)
	if cfg.PostgresDSN != "" {
		db, err = postgres.New(cfg.PostgresDSN, log)
	} else {
		db, err = sqlite.New(cfg.StoragePath, log)
	}
	if err != nil {
		panic(err)
	}

	tokens := jwt.NewManager(cfg.Tokens.AccessSecret)

	var idp *google.Provider
	if cfg.Google.Audience != "" {
		idp, err = google.New(cfg.Google.Audience, cfg.Google.JWKSURL)
		if err != nil {
			panic(err)
		}
	}

	mail := mailer.New(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From)

	var idpIface session.IdentityProvider
	if idp != nil {
		idpIface = idp
	}

	sessions := session.New(
		log,
		db, db, db,
		db, db, db, db,
		tokens,
		idpIface,
		mail,
		cfg.Tokens.AccessTTL,
		cfg.Tokens.RefreshTTL,
		cfg.Tokens.RememberTTL,
		cfg.Tokens.ResetTTL,
		cfg.Tokens.BcryptCost,
		cfg.ResetBaseURL,
	)

	server := authhttp.New(log, sessions, tokens, cfg.Env, cfg.HTTP.CORSOrigin, cfg.HTTP.Timeout)

	httpApp := httpapp.New(log, server.Router(), cfg.HTTP.Port, cfg.HTTP.Timeout)

	return &App{
		HTTPServer: httpApp,
		Google:     idp,
	}
}

// Stop shuts down the HTTP server and the JWKS background refresh.
func (a *App) Stop() {
	a.HTTPServer.Stop()
	if a.Google != nil {
		a.Google.Close()
	}
}
