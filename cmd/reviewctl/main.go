// Command reviewctl — консоль ревьюера SDU из терминала: очереди, карточки,
// переходы статуса через Review Action Dispatcher и живые обновления из Redis.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/xela07ax/sdu-review-console/internal/dispatcher"
	"github.com/xela07ax/sdu-review-console/internal/domain"
	"github.com/xela07ax/sdu-review-console/internal/infra"
	"github.com/xela07ax/sdu-review-console/internal/storeclient"
	"github.com/xela07ax/sdu-review-console/internal/workflow"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(os.Stdout).ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app общие зависимости подкоманд; собирается в PersistentPreRunE.
type app struct {
	out io.Writer

	configPath string
	baseURL    string
	token      string
	role       string

	cfg    *infra.Config
	logger *zap.Logger
	engine *workflow.Engine
	client *storeclient.Client
	rdb    *redis.Client
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{out: out}

	root := &cobra.Command{
		Use:           "reviewctl",
		Short:         "Review SDU submissions from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init()
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			a.close()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ./config.yaml or ./configs/config.yaml)")
	pf.StringVar(&a.baseURL, "url", "", "console API base URL (overrides client.base_url)")
	pf.StringVar(&a.token, "token", "", "bearer token (overrides client.token)")
	pf.StringVar(&a.role, "role", "", "your reviewer role: sdu, sdu_coordinator, dean, adviser, student_leader")

	root.AddGroup(
		&cobra.Group{ID: "read", Title: "Queues and entities:"},
		&cobra.Group{ID: "review", Title: "Review actions:"},
	)

	root.AddCommand(
		a.loginCmd(),
		a.listCmd(),
		a.getCmd(),
		a.historyCmd(),
		a.actionsCmd(),
		a.dashboardCmd(),
		a.evaluateCmd(),
		a.watchCmd(),
		a.hashPasswordCmd(),
	)
	for _, act := range []domain.Action{
		domain.ActionApprove,
		domain.ActionRequestRevision,
		domain.ActionResubmit,
		domain.ActionRevoke,
		domain.ActionComplete,
	} {
		root.AddCommand(a.transitionCmd(act))
	}
	return root
}

func (a *app) init() error {
	cfg, err := infra.LoadConfig(a.configPath)
	if err != nil {
		return err
	}
	if a.baseURL != "" {
		cfg.Client.BaseURL = a.baseURL
	}
	if a.token != "" {
		cfg.Client.Token = a.token
	}
	if a.role != "" {
		cfg.Client.Role = a.role
	}
	a.cfg = cfg

	// В терминале человекочитаемый формат
	if cfg.Logger.Format == "" || cfg.Logger.Format == "json" {
		cfg.Logger.Format = "console"
		cfg.Logger.Level = "warn"
	}
	if a.logger, err = infra.NewLogger(cfg.Logger); err != nil {
		return err
	}

	policy, err := workflow.DefaultPolicy().WithOverrides(cfg.Workflow.Reviewers)
	if err != nil {
		return err
	}
	a.engine = workflow.NewEngine(policy)

	reliability := storeclient.DefaultReliabilitySettings()
	if cfg.Dispatcher.RateLimit > 0 {
		reliability.RateLimit = cfg.Dispatcher.RateLimit
	}
	if cfg.Dispatcher.Burst > 0 {
		reliability.Burst = cfg.Dispatcher.Burst
	}
	a.client, err = storeclient.New(storeclient.Config{
		BaseURL:        cfg.Client.BaseURL,
		Token:          cfg.Client.Token,
		Timeout:        cfg.Dispatcher.Timeout,
		FetchAttempts:  cfg.Client.FetchAttempts,
		SubmitAttempts: cfg.Client.SubmitAttempts,
		Reliability:    reliability,
	}, a.logger)
	return err
}

func (a *app) close() {
	if a.rdb != nil {
		_ = a.rdb.Close()
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}

// redis ленивое подключение: нужно только watch и распределённому гарду.
func (a *app) redis() *redis.Client {
	if a.rdb == nil {
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Redis.Addr,
			Password: a.cfg.Redis.Password,
			DB:       a.cfg.Redis.DB,
		})
	}
	return a.rdb
}

func (a *app) actorRole() (domain.Role, error) {
	if a.cfg.Client.Role == "" {
		return "", fmt.Errorf("role is required: pass --role or set client.role")
	}
	return domain.ParseRole(a.cfg.Client.Role)
}

// dispatcher один на вызов команды; гард в Redis, если несколько reviewctl работают параллельно.
func (a *app) dispatcher(refresher dispatcher.Refresher) *dispatcher.Dispatcher {
	opts := dispatcher.Options{
		Refresher: refresher,
		Timeout:   a.cfg.Dispatcher.Timeout,
	}
	if a.cfg.Dispatcher.UseRedis {
		opts.Guard = dispatcher.NewRedisGuard(a.redis(), a.cfg.Dispatcher.GuardTTL, "reviewctl-"+uuid.NewString())
	}
	return dispatcher.New(a.engine, a.client, a.logger, opts)
}
