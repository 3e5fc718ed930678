package main

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-stratum/stratumd/lib/ban"
	"github.com/go-stratum/stratumd/lib/config"
	"github.com/go-stratum/stratumd/lib/metrics"
	"github.com/go-stratum/stratumd/lib/stratum"
	"github.com/go-stratum/stratumd/lib/util/clock"
	"github.com/go-stratum/stratumd/lib/util/logger"
	"github.com/go-stratum/stratumd/lib/util/signals"
)

var log = logger.GetLogger()

var rootCmd = &cobra.Command{
	Use:   "stratumd",
	Short: "Line-delimited JSON-RPC (stratum) server daemon",
	RunE:  runDaemon,
}

func init() {
	cobra.OnInitialize(config.InitConfig)

	rootCmd.PersistentFlags().StringVar(&config.CfgFile, "config", "", "config file (default $HOME/.stratumd/config.yaml)")
	rootCmd.Flags().StringSlice("listen", nil, "listen endpoints (host:port)")
	rootCmd.Flags().String("metrics", "", "prometheus metrics listen address")

	_ = viper.BindPFlag("listen.endpoints", rootCmd.Flags().Lookup("listen"))
	_ = viper.BindPFlag("metrics.address", rootCmd.Flags().Lookup("metrics"))
}

// logDispatcher is the default policy: it only logs traffic. Real protocol
// front ends replace it with their own Dispatcher implementation.
type logDispatcher struct {
	stratum.NopDispatcher
}

func (logDispatcher) LogCategory() string { return "stratumd" }

func (logDispatcher) OnRequest(_ context.Context, sess *stratum.Session, env *stratum.Envelope) error {
	log.WithFields(logger.Fields{
		"at":     "main.logDispatcher.OnRequest",
		"connId": sess.ID(),
		"method": env.Request.Method,
		"id":     env.Request.IDString(),
	}).Info("request_received")
	return nil
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg := config.NewDaemonConfigFromViper()

	var clk clock.Clock = clock.System{}
	var ntpClk *clock.NTP
	if cfg.NTPEnabled {
		ntpClk = clock.NewNTP(cfg.NTPServer)
		ntpClk.Start()
		clk = ntpClk
	}

	bans := ban.NewManager(clk, cfg.BanSweepInterval)

	srv := stratum.NewServer(&stratum.Config{
		BanOnMalformed:       cfg.BanOnMalformed,
		MalformedBanDuration: cfg.MalformedBanDuration,
		MaxLineBytes:         cfg.MaxLineBytes,
		MaxSessions:          cfg.MaxSessions,
	}, logDispatcher{}, bans, clk)

	if err := srv.StartListeners("stratumd", cfg.Endpoints...); err != nil {
		return err
	}

	var metricsSrv *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			log.WithFields(logger.Fields{
				"at":      "main.runDaemon",
				"address": cfg.MetricsAddress,
			}).Info("metrics_server_started")
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.WithError(err).Error("metrics_server_failed")
			}
		}()
	}

	done := make(chan struct{})
	var stopOnce sync.Once
	signals.RegisterInterruptHandler(func() {
		stopOnce.Do(func() { close(done) })
	})
	go signals.Handle()

	log.WithFields(logger.Fields{
		"at":        "main.runDaemon",
		"endpoints": cfg.Endpoints,
	}).Info("stratumd_running")

	<-done

	srv.Shutdown()
	bans.Close()
	if ntpClk != nil {
		ntpClk.Stop()
	}
	if metricsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = metricsSrv.Shutdown(ctx)
	}
	signals.StopHandle()
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Errorf("stratumd failed: %s", err)
		os.Exit(1)
	}
}
