package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/tghub/tghub/internal/audit"
	"github.com/tghub/tghub/internal/bus"
	"github.com/tghub/tghub/internal/channels"
	"github.com/tghub/tghub/internal/config"
	"github.com/tghub/tghub/internal/draft"
	"github.com/tghub/tghub/internal/metrics"
	"github.com/tghub/tghub/internal/policy"
	"github.com/tghub/tghub/internal/priority"
	"github.com/tghub/tghub/internal/router"
	"github.com/tghub/tghub/internal/scheduler"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the hub router, channels and draft engine",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	setupLogging(cfg, os.Stderr)
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = serve(ctx, cfg)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func serve(ctx context.Context, cfg *config.Config) error {
	tl, err := openTimeline(cfg)
	if err != nil {
		return err
	}
	defer tl.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var sink audit.Sink = audit.Nop{}
	if cfg.Audit.Enabled {
		ks, err := audit.NewKafkaSink(cfg.Audit.Brokers, cfg.Audit.Topic)
		if err != nil {
			return err
		}
		sink = ks
	}
	defer sink.Close()

	msgBus := bus.NewMessageBus()
	defer msgBus.Stop()

	tg, err := channels.NewTelegram(cfg.Telegram, cfg.Hub.ChatID, msgBus)
	if err != nil {
		return err
	}
	chans := []channels.Channel{tg}
	if cfg.Slack.Enabled {
		sl, err := channels.NewSlack(cfg.Slack, msgBus)
		if err != nil {
			return err
		}
		chans = append(chans, sl)
	}
	if cfg.WhatsApp.Enabled {
		chans = append(chans, channels.NewWhatsApp(cfg.WhatsApp, cfg.Paths.WhatsAppStore, msgBus))
	}
	chans = append(chans, channels.NewGateway(cfg.Gateway.Addr, cfg.Course, msgBus, tl, metrics.Handler(reg)))

	senders := make(map[string]router.Sender, len(chans))
	for name, ch := range channels.Senders(chans...) {
		senders[name] = ch
	}

	mutes := policy.NewMuteTable(tl)
	if err := loadMutes(tl, mutes); err != nil {
		return err
	}
	rt := router.New(routerConfig(cfg), router.Deps{
		Hub:        tg,
		Senders:    senders,
		Gate:       policy.NewDefaultEngine(mutes, rateConfig(cfg)),
		Mutes:      mutes,
		Classifier: priority.NewKeywordClassifier(cfg.Policy.UrgentKeywords, time.Duration(cfg.Policy.StaleAfterMin)*time.Minute),
		Store:      tl,
		Audit:      sink,
		Metrics:    m,
	})

	if cfg.Router.RestoreDays > 0 {
		since := time.Now().AddDate(0, 0, -cfg.Router.RestoreDays)
		posts, err := tl.ListHubPosts(ctx, since)
		if err != nil {
			return fmt.Errorf("restore hub posts: %w", err)
		}
		rt.Restore(posts)
		slog.Info("restored hub mappings", "posts", len(posts), "since", since.Format(time.DateOnly))
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	if cfg.Draft.Enabled {
		prov := newProvider(cfg)
		kb, err := openKnowledge(ctx, cfg, tl, prov)
		if err != nil {
			return err
		}
		defer kb.Close()
		slog.Info("knowledge index loaded", "documents", len(kb.Index.Documents()), "chunks", kb.Index.Len())

		eng := draft.NewEngine(draftConfig(cfg), kb.Index, tl, prov, rt, tl)
		rt.SetDrafter(eng)
		g.Go(func() error { return eng.Run(gctx) })
	}

	if cfg.Digest.Enabled {
		sched := scheduler.New(filepath.Join(cfg.Paths.Home, "scheduler.lock"))
		dg := &scheduler.Digest{Stats: tl, Hub: tg, Window: time.Duration(cfg.Digest.WindowHours) * time.Hour}
		if err := sched.Register(dg.Job(cfg.Digest.Cron)); err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	g.Go(func() error { return rt.Run(gctx, msgBus) })

	for _, ch := range chans {
		if err := ch.Start(gctx); err != nil {
			stopChannels(chans)
			cancel()
			_ = g.Wait()
			return fmt.Errorf("start %s: %w", ch.Name(), err)
		}
		slog.Info("channel started", "channel", ch.Name())
	}
	defer stopChannels(chans)

	slog.Info("tghub serving", "hub", cfg.Hub.ChatID, "gateway", cfg.Gateway.Addr, "channels", len(chans))
	return g.Wait()
}

func stopChannels(chans []channels.Channel) {
	for _, ch := range chans {
		if err := ch.Stop(); err != nil {
			slog.Warn("channel stop failed", "channel", ch.Name(), "error", err)
		}
	}
}
