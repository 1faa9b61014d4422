package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/janelia-flyem/npmutate/mutate"
	"github.com/janelia-flyem/npmutate/neuprint"
	"github.com/janelia-flyem/npmutate/storage"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"
	"golang.org/x/sync/semaphore"
)

// Version is the release of npmutate, overridden at build time via -ldflags.
var Version = "0.1.0"

// WebAPIPath is the prefix of all HTTP API endpoints.
const WebAPIPath = "/api/"

// Server is the HTTP API over a mutation engine.
type Server struct {
	config  *Config
	engine  *mutate.Engine
	auth    *authorizer
	blocks  *blockList
	schemas requestSchemas
	sem     *semaphore.Weighted
	handler http.Handler
	started time.Time
}

// New returns a server for the engine.  Dataset thresholds in the config are set on
// the engine.
func New(config *Config, engine *mutate.Engine) (*Server, error) {
	auth, err := newAuthorizer(config.Auth)
	if err != nil {
		return nil, err
	}
	blocks, err := loadBlockList(config.Server.BlockListFile)
	if err != nil {
		return nil, err
	}
	schemas, err := compileSchemas(mutate.MergeAction, mutate.SplitAction, mutate.UpdateAction)
	if err != nil {
		return nil, err
	}
	for _, name := range config.Datasets() {
		engine.SetThresholds(name, config.Thresholds(name))
	}
	s := &Server{
		config:  config,
		engine:  engine,
		auth:    auth,
		blocks:  blocks,
		schemas: schemas,
		sem:     semaphore.NewWeighted(config.MaxConcurrentMutations()),
		started: time.Now(),
	}
	s.handler = s.routes()
	return s, nil
}

func (s *Server) routes() http.Handler {
	mux := web.New()
	mux.Use(middleware.EnvInit)
	mux.Use(middleware.Recoverer)

	mux.Get("/metrics", promhttp.Handler())
	mux.Get(WebAPIPath+"server/info", s.serverInfoHandler)
	mux.Get(WebAPIPath+":dataset/check", s.checkHandler)
	mux.Post(WebAPIPath+":dataset/merge", s.auth.isAuthorized(s.mergeHandler))
	mux.Post(WebAPIPath+":dataset/split", s.auth.isAuthorized(s.splitHandler))
	mux.Post(WebAPIPath+":dataset/segments/:bodyid/properties", s.auth.isAuthorized(s.updateHandler))

	if len(s.config.Server.CorsDomains) == 0 {
		return mux
	}
	neuprint.Infof("Allowing CORS requests from %v\n", s.config.Server.CorsDomains)
	return cors.New(cors.Options{
		AllowedOrigins:   s.config.Server.CorsDomains,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodHead},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)
}

// ServeHTTP serves one request of the HTTP API.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

// ListenAndServe serves the HTTP API until ctx is done, then lets requests in flight
// finish before returning.
func (s *Server) ListenAndServe(ctx context.Context) error {
	address := s.config.HTTPAddress()
	srv := &http.Server{
		Addr:        address,
		Handler:     s,
		ReadTimeout: 1 * time.Hour,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	neuprint.Infof("Web server listening at %s ...\n", address)

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		neuprint.Infof("Shutting down web server at %s ...\n", address)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

// Serve opens the configured store and mutation log, then serves the HTTP API until
// ctx is done.
func Serve(ctx context.Context, config *Config) error {
	if err := config.Logging.SetLogger(); err != nil {
		return err
	}
	store, err := storage.Open(config.Store)
	if err != nil {
		return err
	}
	defer store.Close()

	var mlog storage.MutationLog
	kl, err := storage.NewKafkaLog(config.Kafka)
	if err != nil {
		return err
	}
	if kl != nil {
		mlog = kl
		defer kl.Close()
	}
	s, err := New(config, mutate.NewEngine(store, mlog))
	if err != nil {
		return err
	}
	return s.ListenAndServe(ctx)
}
