package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"shotcap/cfg"
	"shotcap/metrics"
	"shotcap/svc/cred"
	"shotcap/svc/db"
	"shotcap/svc/lim"
	"shotcap/svc/svc"
	"shotcap/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	db         *db.SQLite
	rdb        *db.Redis
	httpServer *http.Server
}

type Deps struct {
	Shot   *svc.Shot
	Device *svc.Device
	OAuth  *svc.OAuth
	Codec  *cred.Codec
	Linker *cred.Linker
	Lim    *lim.Limiter
	DB     *db.SQLite
	RDB    *db.Redis
}

func NewServer(c *cfg.Cfg, d Deps) *Server {
	r := chi.NewRouter()
	mw := NewMw(d.Lim, d.Codec, c)
	s := &Server{
		router: r,
		cfg:    c,
		db:     d.DB,
		rdb:    d.RDB,
		httpServer: &http.Server{
			Addr:           ":" + c.Port,
			Handler:        r,
			ReadTimeout:    15 * time.Second,
			WriteTimeout:   15 * time.Second,
			IdleTimeout:    60 * time.Second,
			MaxHeaderBytes: 256 * 1024,
		},
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Get("/health", s.Health)
		r.Get("/ready", s.Ready)
	})
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	})
	r.Mount("/debug", middleware.Profiler())

	hdl := &Hdl{
		shot:   d.Shot,
		device: d.Device,
		oauth:  d.OAuth,
		codec:  d.Codec,
		linker: d.Linker,
		cfg:    c,
	}
	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(func(req *http.Request, status, size int, dur time.Duration) {
			metrics.RequestDuration.
				WithLabelValues(req.Method, req.URL.Path, strconv.Itoa(status)).
				Observe(dur.Seconds())
			hlog.FromRequest(req).Info().
				Str("method", req.Method).
				Str("url", req.URL.String()).
				Int("status", status).
				Int("size", size).
				Dur("duration", dur).
				Str("request_id", util.GetRequestID(req.Context())).
				Msg("http request")
		}))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.CORS)
		r.Use(mw.AnomalyDetection)
		r.Use(mw.Session)

		// binary and proxied responses set their own content type
		r.With(mw.RateLimitRead).Get("/images/{imageid}", hdl.GetImage)
		r.With(mw.RateLimitRead).Get("/proxy", hdl.Proxy)

		r.Group(func(r chi.Router) {
			r.Use(mw.JSONContentType)

			r.With(mw.RateLimitAuth).Post("/api/register", hdl.Register)
			r.With(mw.RateLimitAuth).Post("/api/login", hdl.Login)
			r.Post("/api/unload", hdl.Unload)
			r.With(mw.RateLimitRead).Get("/data/{id}/{domain}", hdl.GetShot)

			r.Group(func(r chi.Router) {
				r.Use(mw.RequireSession)
				r.With(mw.RateLimitWrite).Put("/data/{id}/{domain}", hdl.PutShot)
				r.With(mw.RateLimitWrite).Post("/api/delete-shot", hdl.DeleteShot)
				r.With(mw.RateLimitWrite).Post("/api/set-title/{id}/{domain}", hdl.SetTitle)
				r.With(mw.RateLimitWrite).Post("/api/set-expiration", hdl.SetExpiration)
				r.With(mw.RateLimitWrite).Post("/api/update", hdl.UpdateProfile)
				r.With(mw.RateLimitAuth).Get("/api/fxa-oauth/params", hdl.OAuthParams)
				r.With(mw.RateLimitAuth).Post("/api/fxa-oauth/token", hdl.OAuthToken)
			})
		})
	})
	return s
}
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) SetTimeouts(read, write, idle time.Duration) {
	s.httpServer.ReadTimeout = read
	s.httpServer.WriteTimeout = write
	s.httpServer.IdleTimeout = idle
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
