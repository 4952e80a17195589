package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"analytics/internal/diag"
)

// ─────────────────────────────────────────────────────────────
// Status server — /metrics, /healthz and /status for schedule mode
// ─────────────────────────────────────────────────────────────

// Status is the body of GET /status.
type Status struct {
	Active   []string   `json:"active"`
	Schedule string     `json:"schedule,omitempty"`
	NextRun  *time.Time `json:"nextRun,omitempty"`
	Stages   []string   `json:"stages"`
	Datasets []string   `json:"datasets,omitempty"`
}

// NewStatusRouter builds the HTTP routes. metrics may be nil.
func NewStatusRouter(svc *AnalyticsService, sched *Scheduler, metrics http.Handler) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/status", func(c *gin.Context) {
		st := Status{
			Active:   svc.Active(),
			Stages:   svc.Stages(),
			Datasets: svc.Datasets(),
		}
		if sched != nil {
			st.Schedule = sched.Expr()
			if next, ok := sched.Next(); ok {
				st.NextRun = &next
			}
		}
		c.JSON(http.StatusOK, st)
	})
	if metrics != nil {
		r.GET("/metrics", gin.WrapH(metrics))
	}
	return r
}

// Serve runs handler on addr until ctx is cancelled, then shuts down
// gracefully.
func Serve(ctx context.Context, addr string, handler http.Handler, sink diag.Sink) error {
	sink = diag.OrDiscard(sink)
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		sink.Log(ctx, slog.LevelInfo, "status server listening", slog.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("status server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		return nil
	}
}
