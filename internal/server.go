package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/IBM/pgxpoolprometheus"
	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/extra/redisotel/v8"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
	"go.uber.org/multierr"

	"github.com/2beens/usermgmt/internal/apperr"
	"github.com/2beens/usermgmt/internal/auth"
	"github.com/2beens/usermgmt/internal/config"
	"github.com/2beens/usermgmt/internal/db"
	"github.com/2beens/usermgmt/internal/middleware"
	"github.com/2beens/usermgmt/internal/pictures"
	"github.com/2beens/usermgmt/internal/telemetry/metrics"
	"github.com/2beens/usermgmt/internal/telemetry/tracing"
	"github.com/2beens/usermgmt/internal/users"
	"github.com/2beens/usermgmt/pkg"
)

const generatedAdminPasswordLen = 16

// usersStore is implemented by both users.Repo and users.MemRepo.
type usersStore interface {
	Add(ctx context.Context, user *users.User) (*users.User, error)
	EnsureAdmin(ctx context.Context, admin *users.User) (bool, error)
	Exists(ctx context.Context, username, email string) (bool, error)
	Get(ctx context.Context, id uuid.UUID) (*users.User, error)
	GetByEmail(ctx context.Context, email string) (*users.User, error)
	List(ctx context.Context) ([]users.User, error)
	Delete(ctx context.Context, id uuid.UUID) error
	ToggleAdmin(ctx context.Context, id uuid.UUID) (bool, error)
	Ping(ctx context.Context) error
}

type Server struct {
	httpServer        *http.Server
	metricsHttpServer *http.Server
	versionInfo       string

	config      *config.Config
	dbPool      *pgxpool.Pool // nil with the in-memory users store
	usersStore  usersStore
	pictures    *pictures.DiskStore
	hasher      *auth.Hasher
	tokens      *auth.TokenService
	redisClient *redis.Client
	rateLimiter middleware.RequestRateLimiter // nil when rate limiting is disabled

	// metrics
	metricsManager *metrics.Manager
	promRegistry   *prometheus.Registry
	otelShutdown   func()
}

type NewServerParams struct {
	Config                  *config.Config
	JWTSecret               []byte
	AdminPassword           string
	RedisPassword           string
	PostgresPassword        string
	VersionInfo             string
	HoneycombTracingEnabled bool
}

func NewServer(
	ctx context.Context,
	params NewServerParams,
) (*Server, error) {
	cfg := params.Config

	var (
		dbPool     *pgxpool.Pool
		store      usersStore
		collectors []prometheus.Collector
	)
	switch cfg.UsersStore {
	case config.UsersStorePostgres:
		pool, err := db.NewDBPool(ctx, db.NewDBPoolParams{
			DBHost:         cfg.PostgresHost,
			DBPort:         cfg.PostgresPort,
			DBName:         cfg.PostgresDBName,
			DBUser:         cfg.PostgresUser,
			DBPassword:     params.PostgresPassword,
			TracingEnabled: params.HoneycombTracingEnabled,
		})
		if err != nil {
			return nil, fmt.Errorf("new db pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			log.Warnf("failed to ping db: %s", err)
		}
		dbPool = pool
		store = users.NewRepo(pool)
		collectors = append(collectors, pgxpoolprometheus.NewCollector(
			pool,
			map[string]string{"db_name": cfg.PostgresDBName},
		))
	case config.UsersStoreMemory:
		log.Warnln("using the in-memory users store, all users are lost on restart")
		store = users.NewMemRepo()
	default:
		return nil, fmt.Errorf("unknown users store: %s", cfg.UsersStore)
	}

	promRegistry := metrics.SetupPrometheus(collectors...)
	metricsManager := metrics.NewManager("backend", "usermgmt", promRegistry)
	metricsManager.GaugeLifeSignal.Set(0)

	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(cfg.RedisHost, cfg.RedisPort),
		Password: params.RedisPassword,
		DB:       0, // use default DB
	})
	if params.HoneycombTracingEnabled {
		rdb.AddHook(redisotel.NewTracingHook())
	}

	rdbStatus := rdb.Ping(ctx)
	if err := rdbStatus.Err(); err != nil {
		log.Errorf("--> failed to ping redis: %s", err)
	} else {
		log.Debugf("redis ping: %s", rdbStatus.Val())
	}

	var rateLimiter middleware.RequestRateLimiter
	if cfg.RateLimitDisabled {
		log.Warnln("rate limiting disabled")
	} else {
		rateLimiter = redis_rate.NewLimiter(rdb)
	}

	// use honeycomb distro to setup OpenTelemetry SDK
	otelShutdown, err := tracing.HoneycombSetup(params.HoneycombTracingEnabled, "usermgmt-backend")
	if err != nil {
		return nil, err
	}

	tokens, err := auth.NewTokenService(params.JWTSecret, cfg.TokenTTL(), cfg.TokenIssuer)
	if err != nil {
		return nil, fmt.Errorf("new token service: %w", err)
	}

	picturesStore, err := pictures.NewDiskStore(cfg.UploadsPath, pictures.DefaultURLPrefix)
	if err != nil {
		return nil, fmt.Errorf("new pictures disk store: %w", err)
	}

	s := &Server{
		config:      cfg,
		versionInfo: params.VersionInfo,
		dbPool:      dbPool,
		usersStore:  store,
		pictures:    picturesStore,
		hasher:      auth.NewHasher(cfg.BcryptCost),
		tokens:      tokens,
		redisClient: rdb,
		rateLimiter: rateLimiter,

		// telemetry
		metricsManager: metricsManager,
		promRegistry:   promRegistry,
		otelShutdown:   otelShutdown,
	}

	if _, err := s.bootstrapAdmin(ctx, params.AdminPassword); err != nil {
		return nil, fmt.Errorf("bootstrap admin: %w", err)
	}

	return s, nil
}

// bootstrapAdmin creates the admin account unless it already exists. With an
// empty password a random one is generated and logged once.
func (s *Server) bootstrapAdmin(ctx context.Context, password string) (bool, error) {
	generated := false
	if password == "" {
		randomPassword, err := pkg.GenerateRandomString(generatedAdminPasswordLen)
		if err != nil {
			return false, fmt.Errorf("generate admin password: %w", err)
		}
		password = randomPassword
		generated = true
	}

	passwordHash, err := s.hasher.Hash(password)
	if err != nil {
		return false, fmt.Errorf("hash admin password: %w", err)
	}

	created, err := s.usersStore.EnsureAdmin(ctx, &users.User{
		Username:     users.AdminUsername,
		Email:        users.AdminEmail,
		PasswordHash: passwordHash,
	})
	if err != nil {
		return false, err
	}

	switch {
	case !created:
		log.Debugf("admin user [%s] already exists", users.AdminUsername)
	case generated:
		log.Warnf(
			"admin user [%s] created with generated password [%s], change it with cmd/passwd",
			users.AdminEmail, password,
		)
	default:
		log.Infof("admin user [%s] created", users.AdminEmail)
	}

	return created, nil
}

func (s *Server) routerSetup() (*mux.Router, error) {
	r := mux.NewRouter()
	r.Use(middleware.PanicRecovery(s.metricsManager))
	r.Use(otelmux.Middleware("usermgmt-router"))

	usersHandler := users.NewHandler(
		s.usersStore,
		s.pictures,
		s.hasher,
		s.tokens,
		s.metricsManager,
		s.config.CookieSecure,
	)

	authGate := middleware.NewAuthGate(s.tokens, s.usersStore, s.metricsManager)
	signedIn := middleware.Pipeline(authGate)
	adminOnly := middleware.Pipeline(authGate, middleware.RequireAdmin(s.metricsManager))

	// preflight requests are answered by the cors middleware
	r.MatcherFunc(func(req *http.Request, _ *mux.RouteMatch) bool {
		return req.Method == http.MethodOptions
	}).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}).Name("preflight")

	api := r.PathPrefix("/api").Subrouter()
	api.Handle("/register", s.rateLimited("register", http.HandlerFunc(usersHandler.HandleRegister))).Methods("POST").Name("register")
	api.Handle("/login", s.rateLimited("login", http.HandlerFunc(usersHandler.HandleLogin))).Methods("POST").Name("login")
	api.HandleFunc("/logout", usersHandler.HandleLogout).Methods("POST").Name("logout")
	api.Handle("/profile", signedIn(http.HandlerFunc(usersHandler.HandleProfile))).Methods("GET").Name("profile")
	api.Handle("/users", adminOnly(http.HandlerFunc(usersHandler.HandleList))).Methods("GET").Name("list-users")
	api.Handle("/users/{id}", adminOnly(http.HandlerFunc(usersHandler.HandleDelete))).Methods("DELETE").Name("delete-user")
	api.Handle("/users/{id}", adminOnly(http.HandlerFunc(usersHandler.HandleToggleAdmin))).Methods("PATCH").Name("toggle-admin")
	api.HandleFunc("/health", s.handleHealth).Methods("GET").Name("health")

	r.PathPrefix(s.pictures.URLPrefix() + "/").Handler(
		http.StripPrefix(
			s.pictures.URLPrefix()+"/",
			http.FileServer(noDirListingFS{http.Dir(s.pictures.RootPath())}),
		),
	).Methods("GET", "HEAD").Name("uploads")

	// all the rest - unhandled paths
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		apperr.Write(w, r, apperr.NotFound("Not found", nil))
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pkg.WriteJSON(w, http.StatusMethodNotAllowed, apperr.ErrorResponse{Error: "Method not allowed"})
	})

	r.Use(middleware.LogRequest())
	r.Use(middleware.RequestMetrics(s.metricsManager))
	r.Use(middleware.Cors(s.config.AllowedOrigins))
	r.Use(middleware.DrainAndCloseRequest())

	return r, nil
}

func (s *Server) rateLimited(routeName string, next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}
	return middleware.RateLimit(
		s.rateLimiter,
		routeName,
		s.config.RateLimitPerMinute,
		s.metricsManager,
	)(next)
}

type healthResponse struct {
	Status  string            `json:"status"`
	Version string            `json:"version,omitempty"`
	Checks  map[string]string `json:"checks"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	resp := healthResponse{
		Status:  "ok",
		Version: s.versionInfo,
		Checks:  map[string]string{},
	}

	check := func(name string, err error) {
		if err != nil {
			log.Errorf("health check [%s]: %s", name, err)
			resp.Status = "unavailable"
			resp.Checks[name] = "down"
			return
		}
		resp.Checks[name] = "up"
	}

	check("users_store", s.usersStore.Ping(ctx))
	if s.redisClient != nil {
		check("redis", s.redisClient.Ping(ctx).Err())
	}

	statusCode := http.StatusOK
	if resp.Status != "ok" {
		statusCode = http.StatusServiceUnavailable
	}
	pkg.WriteJSON(w, statusCode, resp)
}

func (s *Server) Serve(host string, port int) {
	router, err := s.routerSetup()
	if err != nil {
		log.Fatalf("failed to setup router: %s", err)
	}

	ipAndPort := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Handler:      router,
		Addr:         ipAndPort,
		WriteTimeout: time.Minute,
		ReadTimeout:  time.Minute,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.HandlerFor(
		s.promRegistry,
		promhttp.HandlerOpts{},
	))
	metricsAddr := net.JoinHostPort(s.config.PrometheusMetricsHost, s.config.PrometheusMetricsPort)
	s.metricsHttpServer = &http.Server{
		Addr:    metricsAddr,
		Handler: metricsRouter,
	}

	go func() {
		log.Infof(" > server listening on: [%s]", ipAndPort)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("main service, listen and serve: %s", err)
		}
	}()

	go func() {
		log.Debugf(" > metrics listening on: [%s]", metricsAddr)
		err := s.metricsHttpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics service, listen and serve: %s", err)
		}
	}()

	s.metricsManager.GaugeLifeSignal.Set(1)
}

func (s *Server) GracefulShutdown() error {
	log.Debug("graceful shutdown initiated ...")

	s.metricsManager.GaugeLifeSignal.Set(0)

	if s.otelShutdown != nil {
		s.otelShutdown()
		log.Trace("otel shut down ...")
	}

	maxWaitDuration := time.Second * 15
	ctx, timeoutCancel := context.WithTimeout(context.Background(), maxWaitDuration)
	defer timeoutCancel()

	var err error
	if s.httpServer != nil {
		if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown http server: %w", shutdownErr))
		} else {
			log.Warnln("server shut down")
		}
	}

	if s.metricsHttpServer != nil {
		if shutdownErr := s.metricsHttpServer.Shutdown(ctx); shutdownErr != nil {
			err = multierr.Append(err, fmt.Errorf("shutdown metrics http server: %w", shutdownErr))
		} else {
			log.Warnln("metrics server shut down")
		}
	}

	if s.redisClient != nil {
		if closeErr := s.redisClient.Close(); closeErr != nil {
			err = multierr.Append(err, fmt.Errorf("close redis client: %w", closeErr))
		}
	}

	if s.dbPool != nil {
		log.Debugln("closing db pool ...")
		s.dbPool.Close() // blocking operation
		log.Debugln("db pool closed")
	}

	if ok := sentry.Flush(5 * time.Second); ok {
		log.Debugf("sentry flush ok: %t", ok)
	}

	return err
}

// noDirListingFS hides directory indexes of the uploads folder.
type noDirListingFS struct {
	fs http.FileSystem
}

func (nfs noDirListingFS) Open(name string) (http.File, error) {
	f, err := nfs.fs.Open(name)
	if err != nil {
		return nil, err
	}

	stat, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if stat.IsDir() {
		_ = f.Close()
		return nil, os.ErrNotExist
	}

	return f, nil
}
