package cli

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/thistle/pkg/errors"
	"github.com/Ramsey-B/thistle/pkg/kafka"
	"github.com/Ramsey-B/thistle/pkg/models"
	"github.com/Ramsey-B/thistle/pkg/routes"
	"github.com/Ramsey-B/thistle/pkg/routes/health"
	"github.com/Ramsey-B/thistle/pkg/startup"
	"github.com/Ramsey-B/thistle/pkg/view"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the judgement consumer",
	Long: `Serve exposes judgements, merged entities, health checks and
Prometheus metrics over HTTP. With KAFKA_CONSUMER_ENABLED it also applies
judgements read from KAFKA_JUDGEMENT_TOPIC.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a := current
	checker := health.NewChecker(Version)

	s := startup.New(a.logger, a.cfg.StartupMaxAttempts)
	s.Add(
		startup.Func{
			Name: "store",
			StartFn: func(ctx context.Context) error {
				if err := a.openStore(ctx); err != nil {
					return err
				}
				if a.db != nil {
					checker.AddCheck("database", a.db.PingContext)
				}
				return nil
			},
			StopFn: func(context.Context) error { return a.closeStore() },
		},
		startup.Func{
			Name:    "resolver",
			StartFn: a.openResolver,
			StopFn:  a.closeResolver,
		},
	)

	if a.cfg.KafkaConsumerEnabled {
		var consumer *kafka.JudgementConsumer
		s.Add(startup.Func{
			Name:  "judgement-consumer",
			Needs: []string{"resolver"},
			StartFn: func(ctx context.Context) error {
				consumer = kafka.NewJudgementConsumer(kafka.ConsumerConfig{
					Brokers:       a.cfg.KafkaBrokers,
					Topic:         a.cfg.KafkaJudgementTopic,
					ConsumerGroup: a.cfg.KafkaConsumerGroup,
				}, a.resolver, logConflict(a), a.logger)
				return consumer.Start(ctx)
			},
			StopFn: func(context.Context) error {
				if consumer == nil {
					return nil
				}
				return consumer.Stop()
			},
		})
	}

	var e *echo.Echo
	s.Add(startup.Func{
		Name:  "http",
		Needs: []string{"store", "resolver"},
		StartFn: func(ctx context.Context) error {
			e = routes.NewRouter(routes.Deps{
				AppName:  a.cfg.AppName,
				Resolver: a.resolver,
				View:     view.New(a.store, a.resolver, a.registry, a.logger),
				Health:   checker,
				Logger:   a.logger,
			})
			server := &http.Server{
				Addr:         fmt.Sprintf(":%d", a.cfg.Port),
				ReadTimeout:  time.Duration(a.cfg.HttpServerReadTimeoutSeconds) * time.Second,
				WriteTimeout: time.Duration(a.cfg.HttpServerWriteTimeoutSeconds) * time.Second,
				IdleTimeout:  time.Duration(a.cfg.HttpServerIdleTimeoutSeconds) * time.Second,
			}
			go func() {
				if err := e.StartServer(server); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.WithError(err).Error("HTTP server stopped")
				}
			}()
			a.logger.WithField("port", a.cfg.Port).Info("HTTP server listening")
			return nil
		},
		StopFn: func(ctx context.Context) error {
			if e == nil {
				return nil
			}
			return e.Shutdown(ctx)
		},
	})

	if err := s.Start(ctx); err != nil {
		return err
	}
	checker.SetReady(true)

	<-ctx.Done()
	checker.SetReady(false)
	a.logger.Info("Shutting down")

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()
	return s.Stop(stopCtx)
}

// logConflict records judgements the consumer could not apply. They stay in
// the log for a reviewer; nothing is retried.
func logConflict(a *app) kafka.ConflictHandler {
	return func(ctx context.Context, j models.Judgement, conflict *errors.ConflictError) {
		a.logger.WithContext(ctx).WithFields(map[string]any{
			"left":     j.Left,
			"right":    j.Right,
			"verdict":  j.Verdict,
			"actor":    j.Actor,
			"blocking": conflict.Blocking,
		}).Warn("Judgement from stream needs review")
	}
}
