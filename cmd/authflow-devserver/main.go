// Command authflow-devserver runs the reference auth service locally.
//
// It listens on :8080 backed by miniredis unless -redis-addr or REDIS_ADDR
// points at a real Redis. Issued one-time codes are logged instead of
// being sent.
//
// Run:
//
//	go run ./cmd/authflow-devserver -seed
//
// Then point the CLI at it:
//
//	AUTHFLOW_BASE_URL=http://localhost:8080 go run ./cmd/authflow login
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/MrEthical07/authflow/devserver"
)

func main() {
	var (
		addr      = flag.String("addr", ":8080", "listen address")
		redisAddr = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
		envFile   = flag.String("env", "", "optional .env file")
		seed      = flag.Bool("seed", false, "create demo accounts")
		dev       = flag.Bool("dev", true, "human-readable logs")
	)
	flag.Parse()

	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
			os.Exit(2)
		}
	}

	logger, err := newLogger(*dev)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(logger, *addr, *redisAddr, *seed); err != nil {
		logger.Fatal("devserver stopped", zap.Error(err))
	}
}

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		gin.SetMode(gin.DebugMode)
		return zap.NewDevelopment()
	}
	gin.SetMode(gin.ReleaseMode)
	return zap.NewProduction()
}

func run(logger *zap.Logger, addr, redisAddr string, seed bool) error {
	if redisAddr == "" {
		redisAddr = os.Getenv("REDIS_ADDR")
	}

	var rdb redis.UniversalClient
	if redisAddr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			return fmt.Errorf("start miniredis: %w", err)
		}
		defer mr.Close()
		redisAddr = mr.Addr()
		logger.Info("using miniredis", zap.String("addr", redisAddr))
	} else {
		logger.Info("using redis", zap.String("addr", redisAddr))
	}
	rdb = redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{redisAddr}})
	defer func() { _ = rdb.Close() }()

	cfg := devserver.DefaultConfig()
	cfg.Redis = rdb
	cfg.Logger = logger
	if key := os.Getenv("DEVSERVER_SIGNING_KEY"); key != "" {
		cfg.SigningKey = []byte(key)
	}
	srv, err := devserver.New(cfg)
	if err != nil {
		return err
	}
	if seed {
		if err := seedAccounts(logger, srv); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("listening", zap.String("addr", addr))
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	logger.Info("shutting down")
	return httpSrv.Shutdown(shutdownCtx)
}

// seedAccounts creates a plain account and one with two-factor enabled.
func seedAccounts(logger *zap.Logger, srv *devserver.Server) error {
	if _, err := srv.CreateUser(devserver.NewUser{
		Name:        "Alice",
		Username:    "alice",
		Email:       "alice@example.com",
		Phone:       "+15550100",
		DateOfBirth: "1990-01-01",
		Password:    "correct-horse",
	}); err != nil {
		return fmt.Errorf("seed alice: %w", err)
	}
	logger.Info("seeded account", zap.String("email", "alice@example.com"), zap.String("password", "correct-horse"))

	bob, err := srv.CreateUser(devserver.NewUser{
		Name:        "Bob",
		Username:    "bob",
		Email:       "bob@example.com",
		DateOfBirth: "1985-06-15",
		Password:    "battery-staple",
	})
	if err != nil {
		return fmt.Errorf("seed bob: %w", err)
	}
	secret, backup, err := srv.EnableTwoFactor(bob)
	if err != nil {
		return fmt.Errorf("seed bob two-factor: %w", err)
	}
	logger.Info("seeded two-factor account",
		zap.String("email", "bob@example.com"),
		zap.String("password", "battery-staple"),
		zap.String("totp_secret", secret),
		zap.Strings("backup_codes", backup),
	)
	return nil
}
