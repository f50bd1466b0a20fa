// Command authflow-loadtest measures client sign-in and session refresh
// against an in-process devserver.
//
// Each worker owns one account and one client. The login phase runs a full
// password sign-in per worker; the refresh phase hammers RefreshUser from
// several goroutines per client so concurrent fetches collapse into one
// request.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/MrEthical07/authflow"
	"github.com/MrEthical07/authflow/devserver"
	"github.com/MrEthical07/authflow/kv"
)

func main() {
	var (
		clients   = flag.Int("clients", 50, "number of accounts and clients")
		fanout    = flag.Int("fanout", 8, "concurrent refresh callers per client")
		ops       = flag.Int("ops", 5000, "refresh operations in total")
		redisAddr = flag.String("redis-addr", "", "redis address; if empty, REDIS_ADDR env or miniredis is used")
	)
	flag.Parse()

	if *clients <= 0 || *fanout <= 0 || *ops <= 0 {
		fmt.Fprintln(os.Stderr, "clients, fanout, and ops must be > 0")
		os.Exit(2)
	}

	ctx := context.Background()
	gin.SetMode(gin.ReleaseMode)

	addr := *redisAddr
	if addr == "" {
		addr = os.Getenv("REDIS_ADDR")
	}
	if addr == "" {
		mr, err := miniredis.Run()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to start miniredis: %v\n", err)
			os.Exit(1)
		}
		defer mr.Close()
		addr = mr.Addr()
		fmt.Printf("using miniredis at %s\n", addr)
	} else {
		fmt.Printf("using redis at %s\n", addr)
	}
	rdb := redis.NewUniversalClient(&redis.UniversalOptions{Addrs: []string{addr}})
	defer func() { _ = rdb.Close() }()

	cfg := devserver.DefaultConfig()
	cfg.Redis = rdb
	srv, err := devserver.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "devserver: %v\n", err)
		os.Exit(1)
	}
	baseURL, stop, err := serve(srv.Handler())
	if err != nil {
		fmt.Fprintf(os.Stderr, "listen: %v\n", err)
		os.Exit(1)
	}
	defer stop()

	fmt.Printf("seeding %d accounts...\n", *clients)
	startSeed := time.Now()
	users := make([]string, *clients)
	for i := range users {
		users[i] = fmt.Sprintf("user%d@example.com", i)
		if _, err := srv.CreateUser(devserver.NewUser{Name: fmt.Sprintf("User %d", i), Email: users[i], Password: "load-test-pass"}); err != nil {
			fmt.Fprintf(os.Stderr, "seed failed: %v\n", err)
			os.Exit(1)
		}
	}
	fmt.Printf("seeded in %s\n", time.Since(startSeed).Round(time.Millisecond))

	fleet, loginStats := runLoginPhase(ctx, baseURL, users)
	defer func() {
		for _, c := range fleet {
			_ = c.Close()
		}
	}()
	refreshStats := runRefreshPhase(ctx, fleet, *ops, *fanout)

	var sent, joined uint64
	for _, c := range fleet {
		sent += c.Metrics().Value(authflow.MetricUserFetch)
		joined += c.Metrics().Value(authflow.MetricUserFetchDeduplicated)
	}

	fmt.Println("---- results ----")
	printStats("login", loginStats)
	printStats("refresh", refreshStats)
	fmt.Printf("user fetches sent=%d deduplicated=%d\n", sent, joined)
}

func serve(h http.Handler) (string, func(), error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return "", nil, err
	}
	s := &http.Server{Handler: h, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "serve: %v\n", err)
		}
	}()
	return "http://" + ln.Addr().String(), func() { _ = s.Close() }, nil
}

func newClient(baseURL string) (*authflow.Client, error) {
	cfg := authflow.DefaultConfig()
	cfg.API.BaseURL = baseURL
	cfg.Events.Enabled = false
	cfg.Metrics.EnableLatencyHistograms = true
	return authflow.New().WithConfig(cfg).WithStore(kv.NewMemoryStore()).Build()
}

func runLoginPhase(ctx context.Context, baseURL string, users []string) ([]*authflow.Client, phaseStats) {
	var (
		wg        sync.WaitGroup
		failures  int64
		latencies = make([]time.Duration, 0, len(users))
		fleet     = make([]*authflow.Client, len(users))
		mu        sync.Mutex
	)

	start := time.Now()
	for i, login := range users {
		wg.Add(1)
		go func(i int, login string) {
			defer wg.Done()
			c, err := newClient(baseURL)
			if err != nil {
				atomic.AddInt64(&failures, 1)
				return
			}
			fleet[i] = c
			t0 := time.Now()
			st, err := c.SubmitCredentials(ctx, login, "load-test-pass")
			d := time.Since(t0)
			if err != nil || st != authflow.StateAuthenticated {
				atomic.AddInt64(&failures, 1)
			}
			mu.Lock()
			latencies = append(latencies, d)
			mu.Unlock()
		}(i, login)
	}
	wg.Wait()
	total := time.Since(start)

	out := fleet[:0]
	for _, c := range fleet {
		if c != nil {
			out = append(out, c)
		}
	}
	return out, computeStats(total, latencies, failures)
}

func runRefreshPhase(ctx context.Context, fleet []*authflow.Client, ops, fanout int) phaseStats {
	var (
		wg        sync.WaitGroup
		cursor    int64
		failures  int64
		latencies = make([]time.Duration, 0, ops)
		mu        sync.Mutex
	)
	if len(fleet) == 0 {
		return phaseStats{}
	}

	start := time.Now()
	for w := 0; w < len(fleet)*fanout; w++ {
		wg.Add(1)
		go func(c *authflow.Client) {
			defer wg.Done()
			for {
				i := int(atomic.AddInt64(&cursor, 1)) - 1
				if i >= ops {
					return
				}
				t0 := time.Now()
				_, err := c.RefreshUser(ctx)
				d := time.Since(t0)
				if err != nil {
					atomic.AddInt64(&failures, 1)
				}
				mu.Lock()
				latencies = append(latencies, d)
				mu.Unlock()
			}
		}(fleet[w%len(fleet)])
	}
	wg.Wait()
	total := time.Since(start)
	return computeStats(total, latencies, failures)
}

type phaseStats struct {
	total    time.Duration
	ops      int
	failures int64
	p50      time.Duration
	p95      time.Duration
	p99      time.Duration
	opsPerS  float64
}

func computeStats(total time.Duration, samples []time.Duration, failures int64) phaseStats {
	if len(samples) == 0 {
		return phaseStats{total: total, failures: failures}
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return phaseStats{
		total:    total,
		ops:      len(samples),
		failures: failures,
		p50:      percentile(samples, 50),
		p95:      percentile(samples, 95),
		p99:      percentile(samples, 99),
		opsPerS:  float64(len(samples)) / total.Seconds(),
	}
}

func percentile(samples []time.Duration, p int) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	if p <= 0 {
		return samples[0]
	}
	if p >= 100 {
		return samples[len(samples)-1]
	}
	idx := (len(samples) - 1) * p / 100
	return samples[idx]
}

func printStats(name string, s phaseStats) {
	fmt.Printf("%s: ops=%d failures=%d total=%s ops/sec=%.0f p50=%s p95=%s p99=%s\n",
		name,
		s.ops,
		s.failures,
		s.total.Round(time.Millisecond),
		s.opsPerS,
		s.p50.Round(time.Microsecond),
		s.p95.Round(time.Microsecond),
		s.p99.Round(time.Microsecond),
	)
}
