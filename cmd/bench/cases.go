// README: Smoke check cases; HTTP surface, Postgres schema, and Redis reachability.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

type Runner struct {
	cfg   Config
	httpc *http.Client
	db    *pgxpool.Pool
	redis *redis.Client
}

type Result struct {
	Name    string
	Status  string
	Latency time.Duration
	Note    string
}

type TestCase struct {
	Name string
	Run  func(ctx context.Context, r *Runner) Result
}

func NewRunner(cfg Config) *Runner {
	return &Runner{
		cfg:   cfg,
		httpc: &http.Client{Timeout: 10 * time.Second},
	}
}

func (r *Runner) RunAll(ctx context.Context) []Result {
	if r.cfg.DSN != "" {
		if db, err := pgxpool.New(ctx, r.cfg.DSN); err == nil {
			r.db = db
		}
	}
	if r.cfg.RedisAddr != "" {
		r.redis = redis.NewClient(&redis.Options{Addr: r.cfg.RedisAddr})
	}

	tests := r.cases()
	results := make([]Result, 0, len(tests))

	for _, tc := range tests {
		res := tc.Run(ctx, r)
		res.Name = tc.Name
		results = append(results, res)
		fmt.Printf("%-5s %s", res.Status, tc.Name)
		if res.Latency > 0 {
			fmt.Printf(" (%s)", res.Latency)
		}
		if res.Note != "" {
			fmt.Printf(" - %s", res.Note)
		}
		fmt.Println()
	}

	if r.db != nil {
		r.db.Close()
	}
	if r.redis != nil {
		_ = r.redis.Close()
	}
	return results
}

func (r *Runner) cases() []TestCase {
	base := r.cfg.BaseURL
	return []TestCase{
		{
			Name: "Env: Postgres connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "SKIP", Note: "dsn not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.db.Ping(ctx); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Env: Redis connect",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.redis == nil {
					return Result{Status: "SKIP", Note: "redis not configured"}
				}
				ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
				defer cancel()
				if err := r.redis.Ping(ctx).Err(); err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "Schema: arrival_sessions table",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.checkRelation(ctx, "arrival_sessions")
			},
		},
		{
			Name: "Schema: billing_records table",
			Run: func(ctx context.Context, r *Runner) Result {
				return r.checkRelation(ctx, "billing_records")
			},
		},
		{
			Name: "Schema: single-active-session index",
			Run: func(ctx context.Context, r *Runner) Result {
				if r.db == nil {
					return Result{Status: "SKIP", Note: "dsn not configured"}
				}
				var n int
				err := r.db.QueryRow(ctx, `
                    SELECT count(*) FROM pg_indexes
                    WHERE indexname = 'ux_sessions_active_driver'`).Scan(&n)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if n != 1 {
					return Result{Status: "FAIL", Note: "partial unique index missing"}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "API: health",
			Run: func(ctx context.Context, r *Runner) Result {
				start := time.Now()
				status, _, err := r.get(ctx, base+"/health")
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if status != http.StatusOK {
					return Result{Status: "FAIL", Note: fmt.Sprintf("status %d", status)}
				}
				return Result{Status: "PASS", Latency: time.Since(start)}
			},
		},
		{
			Name: "API: metrics exposed",
			Run: func(ctx context.Context, r *Runner) Result {
				status, body, err := r.get(ctx, base+"/metrics")
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				if status != http.StatusOK || !strings.Contains(body, "ampstop_") {
					return Result{Status: "FAIL", Note: "metrics missing ampstop namespace"}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "API: sessions require auth",
			Run: func(ctx context.Context, r *Runner) Result {
				req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/sessions", strings.NewReader("{}"))
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				req.Header.Set("Content-Type", "application/json")
				resp, err := r.httpc.Do(req)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusUnauthorized {
					return Result{Status: "FAIL", Note: fmt.Sprintf("expected 401, got %d", resp.StatusCode)}
				}
				return Result{Status: "PASS"}
			},
		},
		{
			Name: "API: webhook rejects unsigned",
			Run: func(ctx context.Context, r *Runner) Result {
				form := "From=%2B15550001111&Body=HELP"
				req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/webhooks/sms", strings.NewReader(form))
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
				resp, err := r.httpc.Do(req)
				if err != nil {
					return Result{Status: "FAIL", Note: err.Error()}
				}
				defer resp.Body.Close()
				if resp.StatusCode != http.StatusForbidden {
					return Result{Status: "FAIL", Note: fmt.Sprintf("expected 403, got %d", resp.StatusCode)}
				}
				return Result{Status: "PASS"}
			},
		},
	}
}

func (r *Runner) checkRelation(ctx context.Context, name string) Result {
	if r.db == nil {
		return Result{Status: "SKIP", Note: "dsn not configured"}
	}
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT to_regclass($1) IS NOT NULL`, name).Scan(&exists)
	if err != nil {
		return Result{Status: "FAIL", Note: err.Error()}
	}
	if !exists {
		return Result{Status: "FAIL", Note: "relation missing"}
	}
	return Result{Status: "PASS"}
}

func (r *Runner) get(ctx context.Context, url string) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, "", err
	}
	resp, err := r.httpc.Do(req)
	if err != nil {
		return 0, "", err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(body), nil
}
