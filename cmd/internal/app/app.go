package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	authapi "neontalk/cmd/internal/auth/api"
	"neontalk/cmd/internal/auth/token"
	"neontalk/cmd/internal/directory"
	"neontalk/cmd/internal/obs"
	"neontalk/cmd/internal/push"
	"neontalk/cmd/internal/relay"
	"neontalk/cmd/internal/store"
)

// App wires together the durable store, token service, session directory,
// relay engine, push fan-out and the HTTP surface.
type App struct {
	log  *slog.Logger
	cfg  Config
	pool *pgxpool.Pool
	st   store.Store

	server *http.Server
}

// New builds the fully wired application. The database is optional: with no
// NEONTALK_DATABASE_URL the app serves from the in-memory store.
func New(ctx context.Context, log *slog.Logger, cfg Config) (*App, error) {
	if log == nil {
		log = slog.Default()
	}

	obs.Init()

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("db pool: %w", err)
	}

	var st store.Store
	if pool != nil {
		ps, err := store.NewPostgresStore(pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		if err := ps.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, fmt.Errorf("ensure schema: %w", err)
		}
		st = ps
		log.Info("app.store", "kind", "postgres")
	} else {
		st = store.NewMemoryStore()
		log.Warn("app.store", "kind", "memory", "note", "data is lost on restart")
	}

	tokenCfg, err := token.LoadConfigFromEnv()
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, fmt.Errorf("token config: %w", err)
	}
	tokens, err := token.NewHS256Manager(tokenCfg)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, fmt.Errorf("token manager: %w", err)
	}

	dir := directory.New(log)
	waker := push.NewService(log, st, push.NoopDeliverer{})
	engine := relay.NewEngine(log, dir, waker)
	gw := relay.NewGateway(log, dir, engine, tokens)

	api, err := authapi.NewHandler(log, authapi.LoadConfigFromEnv(), st, tokens, tokenCfg, engine)
	if err != nil {
		if pool != nil {
			pool.Close()
		}
		return nil, fmt.Errorf("api handler: %w", err)
	}

	a := &App{log: log, cfg: cfg, pool: pool, st: st}

	mux := http.NewServeMux()
	a.registerHTTP(mux, api, gw)

	handler := WithCORS(cfg, WithRequestLogging(log, obs.Instrument(mux)))
	a.server = a.newHTTPServer(handler)

	return a, nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		a.log.Info("app.listen", "addr", a.cfg.HTTPAddr)
		err := a.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case <-ctx.Done():
		a.log.Info("app.shutdown", "reason", "signal")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := a.server.Shutdown(shutdownCtx)
		a.close()
		return err
	case err := <-errCh:
		a.close()
		return err
	}
}

func (a *App) close() {
	if a.st != nil {
		_ = a.st.Close()
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
