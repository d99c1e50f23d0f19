package main

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/davecheney/fedi/activitypub"
	"github.com/davecheney/fedi/internal/group"
	"github.com/davecheney/fedi/internal/httpx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/exp/slog"
)

type ServeCmd struct {
	Addr      string `default:":8080" help:"address to listen"`
	AdminAddr string `default:"127.0.0.1:9090" help:"address of the metrics and delivery admin listener"`

	FederationFlags `embed:""`
}

func (s *ServeCmd) Run(ctx *Context) error {
	db, err := ctx.openDB()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	cfg := s.Config()
	svc, err := activitypub.NewService(ctx.env(db), cfg, reg)
	if err != nil {
		return err
	}

	env := func(*http.Request) *activitypub.Service { return svc }

	public := chi.NewRouter()
	public.Use(middleware.RequestID)
	public.Use(middleware.RealIP)
	public.Use(middleware.Logger)
	public.Use(middleware.Recoverer)
	public.Post("/inbox", httpx.HandlerFunc(env, activitypub.InboxCreate))
	public.Get("/.well-known/webfinger", httpx.HandlerFunc(env, activitypub.WebfingerShow))
	public.Route("/users", func(r chi.Router) {
		r.Get("/{username}", httpx.HandlerFunc(env, activitypub.UsersShow))
		r.Post("/{username}/inbox", httpx.HandlerFunc(env, activitypub.InboxCreate))
	})

	admin := chi.NewRouter()
	admin.Use(middleware.Recoverer)
	admin.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	admin.Route("/deliveries", func(r chi.Router) {
		r.Get("/", httpx.HandlerFunc(env, activitypub.DeliveriesIndex))
		r.Post("/{id:[0-9]+}/retry", httpx.HandlerFunc(env, activitypub.DeliveriesRetry))
	})

	logRoutes(ctx.Logger.With("listener", "public"), public)
	logRoutes(ctx.Logger.With("listener", "admin"), admin)

	sigctx, stop := interrupted()
	defer stop()

	g := group.New(sigctx, ctx.Logger)
	g.Go("public", listenAndServe(&http.Server{
		Addr:         s.Addr,
		Handler:      public,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}))
	g.Go("admin", listenAndServe(&http.Server{
		Addr:         s.AdminAddr,
		Handler:      admin,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}))
	g.Go("outbox", svc.Run)
	g.Go("housekeeping", func(ctx context.Context) error {
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if err := svc.Housekeeping(ctx, time.Now().Add(-cfg.Retention)); err != nil {
					svc.Log().Error("housekeeping", "err", err)
				}
			}
		}
	})
	ctx.Logger.Info("serving", "domain", cfg.Domain, "addr", s.Addr, "admin_addr", s.AdminAddr)
	err = g.Wait()
	svc.Resolver().Wait()
	return err
}

// listenAndServe returns a function that serves srv until its context is
// cancelled, then shuts srv down gracefully.
func listenAndServe(srv *http.Server) func(context.Context) error {
	return func(ctx context.Context) error {
		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		select {
		case err := <-errc:
			return err
		case <-ctx.Done():
			shutdown, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdown); err != nil {
				return err
			}
			if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		}
	}
}

func logRoutes(log *slog.Logger, r chi.Routes) {
	walkFunc := func(method string, route string, handler http.Handler, middlewares ...func(http.Handler) http.Handler) error {
		route = strings.Replace(route, "/*/", "/", -1)
		log.Debug("route", "method", method, "route", route)
		return nil
	}
	if err := chi.Walk(r, walkFunc); err != nil {
		log.Error("walk routes", "err", err)
	}
}
