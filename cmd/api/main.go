package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"chestrestock-api/internal/cache"
	"chestrestock-api/internal/config"
	"chestrestock-api/internal/handler"
	"chestrestock-api/internal/middleware"
	"chestrestock-api/internal/repository"
	"chestrestock-api/internal/restock"
	"chestrestock-api/internal/router"
	"chestrestock-api/internal/service"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("Starting chest restock API...")

	cfg := config.MustLoad()
	log.Printf("Environment: %s", cfg.App.Environment)

	var checks []handler.ReadyCheck

	// Restock state repository
	var repo repository.RestockRepository
	switch cfg.StoreDB.Type {
	case "mongodb", "mongo":
		mongoRepo, err := repository.NewMongoDBRestockRepository(cfg.StoreDB.MongoURI, cfg.StoreDB.MongoDatabase)
		if err != nil {
			log.Fatalf("Failed to initialize MongoDB: %v", err)
		}
		repo = mongoRepo
		log.Println("MongoDB restock repository initialized")
	case "postgres", "postgresql":
		pgRepo, err := repository.NewPostgresRestockRepository(cfg.StoreDB.PostgresDSN())
		if err != nil {
			log.Fatalf("Failed to initialize PostgreSQL: %v", err)
		}
		repo = pgRepo
		log.Println("PostgreSQL restock repository initialized")
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.StoreDB.Path), 0o755); err != nil {
			log.Fatalf("Failed to create data directory: %v", err)
		}
		sqliteRepo, err := repository.NewSQLiteRestockRepository(cfg.StoreDB.Path)
		if err != nil {
			log.Fatalf("Failed to initialize SQLite: %v", err)
		}
		repo = sqliteRepo
		log.Println("SQLite restock repository initialized")
	}
	defer repo.Close()
	checks = append(checks, handler.ReadyCheck{Name: "store", Check: func(ctx context.Context) error {
		_, err := repo.GetStats(ctx)
		return err
	}})

	// MySQL bypass grants (optional)
	var permRepo *repository.MySQLPermissionRepository
	if cfg.Database.Enabled {
		mysqlDB, err := sql.Open("mysql", cfg.Database.DSN())
		if err != nil {
			log.Printf("Warning: MySQL connection failed: %v", err)
		} else {
			mysqlDB.SetMaxOpenConns(10)
			mysqlDB.SetMaxIdleConns(5)
			mysqlDB.SetConnMaxLifetime(5 * time.Minute)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err = mysqlDB.PingContext(ctx)
			if err == nil {
				permRepo = repository.NewMySQLPermissionRepository(mysqlDB)
				err = permRepo.EnsureSchema(ctx)
			}
			cancel()
			if err != nil {
				log.Printf("Warning: MySQL unavailable, bypass grants limited to definitions file: %v", err)
				mysqlDB.Close()
				permRepo = nil
			} else {
				defer mysqlDB.Close()
				checks = append(checks, handler.ReadyCheck{Name: "mysql", Check: mysqlDB.PingContext})
				log.Println("MySQL permission repository initialized")
			}
		}
	}

	// Redis client
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.RedisAddress(),
		Password: cfg.Cache.RedisPassword,
		DB:       cfg.Cache.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Printf("Warning: Redis connection failed: %v", err)
		redisClient.Close()
		redisClient = nil
	} else {
		log.Println("Redis client initialized")
		defer redisClient.Close()
		checks = append(checks, handler.ReadyCheck{Name: "redis", Check: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	cancel()

	// Write-behind buffer
	var redisBuffer *cache.RedisStateBuffer
	if redisClient != nil && cfg.Cache.BufferEnabled {
		var err error
		redisBuffer, err = cache.NewRedisStateBuffer(cache.RedisBufferConfig{
			Addr:          cfg.Cache.RedisAddress(),
			Password:      cfg.Cache.RedisPassword,
			DB:            cfg.Cache.RedisDB,
			FlushInterval: cfg.Cache.FlushInterval,
			KeyPrefix:     cfg.Cache.KeyPrefix,
		}, service.CreateFlushFunc(repo))
		if err != nil {
			log.Printf("Warning: Redis buffer initialization failed: %v", err)
			redisBuffer = nil
		} else {
			log.Println("Redis state buffer initialized")
		}
	}

	// Permission lookups cache
	var lookupCache cache.Cache
	if cfg.Cache.Type == "redis" && redisClient != nil {
		lookupCache = cache.NewRedisCache(redisClient, cfg.Cache.KeyPrefix)
	} else {
		lookupCache = cache.NewMemoryCache(time.Minute)
	}
	defer lookupCache.Close()

	defs := &config.Definitions{}
	if loaded, err := config.LoadDefinitions(cfg.Restock.DefinitionsFile); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatalf("Failed to load container definitions: %v", err)
		}
		log.Printf("No definitions file at %s, starting empty", cfg.Restock.DefinitionsFile)
	} else {
		defs = loaded
	}

	oracle := service.FirstOracle{service.NewStaticOracle(defs.Bypass)}
	var oracleCache *service.CachedOracle
	var grants handler.GrantStore
	if permRepo != nil {
		oracleCache = service.NewCachedOracle(permRepo, lookupCache, cfg.Cache.TTL)
		oracle = append(oracle, oracleCache)
		grants = permRepo
	}

	// A nil buffer interface keeps writes going straight to the repository.
	var buffer service.StateBuffer
	var bufferCounter handler.BufferCounter
	if redisBuffer != nil {
		buffer = redisBuffer
		bufferCounter = redisBuffer
	}
	store := service.NewStateStore(repo, buffer)
	log.Printf("Restock state store ready (%s, write-behind=%t)", cfg.StoreDB.Type, store.Buffered())

	restockService := service.NewRestockService(service.Config{
		Store:           store,
		Permissions:     oracle,
		Clock:           restock.SystemClock{},
		Materials:       defs.Materials,
		DefaultMaxStack: cfg.Restock.DefaultMaxStack,
	})

	ctx, cancel = context.WithTimeout(context.Background(), 30*time.Second)
	if err := restockService.LoadDefinitions(ctx, defs); err != nil {
		log.Fatalf("Failed to register containers: %v", err)
	}
	cancel()
	log.Printf("Registered %d containers", len(defs.Containers))

	sweeper := service.NewSweepScheduler(restockService, service.SweepConfig{Interval: cfg.Restock.SweepInterval})
	sweeper.Start()

	healthHandler := handler.New(checks...)
	containerHandler := handler.NewContainerHandler(restockService)
	adminHandler := handler.NewAdminHandler(handler.AdminConfig{
		Service:     restockService,
		Sweeper:     sweeper,
		Buffer:      bufferCounter,
		Repo:        repo,
		DBType:      cfg.StoreDB.Type,
		Grants:      grants,
		OracleCache: oracleCache,
	})

	authMiddleware := middleware.NewAuthMiddleware(middleware.AuthConfig{
		APIKeys: cfg.App.APIKeys,
	})

	r := router.New(router.Config{
		Handler:          healthHandler,
		ContainerHandler: containerHandler,
		AdminHandler:     adminHandler,
		AuthMiddleware:   authMiddleware,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Printf("Server listening on %s", cfg.Server.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	ctx, cancel = context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}

	sweeper.Stop()

	// Flush pending state before the repository closes.
	if redisBuffer != nil {
		log.Println("Closing Redis buffer...")
		redisBuffer.Close()
	}

	log.Println("Server stopped")
	fmt.Println("Goodbye!")
}

