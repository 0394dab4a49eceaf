// Command uds-tunnel is the broker entry point: it loads configuration,
// wires up logging, TLS, the control-plane client and the statistics
// registry, and runs the supervisor until a shutdown signal arrives.
//
// The command line is parsed by a single github.com/spf13/cobra root
// command; there are no subcommands.
package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"udstunnel/internal/config"
	"udstunnel/internal/controlplane"
	"udstunnel/internal/protocol"
	"udstunnel/internal/statsreg"
	"udstunnel/internal/supervisor"
	"udstunnel/internal/tlsconfig"
)

func main() {
	var configPath string
	var metricsAddr string

	root := &cobra.Command{
		Use:   "uds-tunnel",
		Short: "TLS-terminating reverse tunnel broker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath, metricsAddr)
		},
	}
	root.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file (default: platform config dir)")
	root.Flags().StringVar(&metricsAddr, "metrics-address", "", "if set, serve Prometheus metrics on this address (e.g. :9090)")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(configPath, metricsAddr string) error {
	if configPath == "" {
		p, err := config.DefaultConfigPath()
		if err != nil {
			return err
		}
		configPath = p
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	log := newLogger(cfg)

	tlsCfg, err := tlsconfig.Load(tlsconfig.Options{
		CertFile:    cfg.SSLCertificate,
		KeyFile:     cfg.SSLCertificateKey,
		CipherList:  cfg.SSLCiphers,
		DHParamFile: cfg.SSLDHParam,
		Log:         log,
	})
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	stats, err := statsreg.New(registry)
	if err != nil {
		return err
	}

	cp := controlplane.New(cfg.UDSServer, cfg.UDSToken, time.Duration(cfg.UDSTimeout)*time.Second, cfg.UDSVerifySSL, log)

	if metricsAddr != "" {
		go serveMetrics(metricsAddr, registry, log)
	}

	sup := supervisor.New(supervisor.Options{
		ListenAddress: cfg.ListenAddress,
		ListenPort:    cfg.ListenPort,
		ListenIPv6:    cfg.ListenIPv6,
		TLSConfig:     tlsCfg,
		WorkerCount:   cfg.Workers,
		User:          cfg.User,
		Log:           log,
		Deps: protocol.Deps{
			ControlPlane: cp,
			Stats:        stats,
			Allow:        cfg,
			SecretHash:   cfg.Secret,
			Dial:         protocol.DefaultDialer,
			Log:          log,
		},
	})

	log.WithFields(logrus.Fields{
		"workers": cfg.Workers,
		"addr":    fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort),
	}).Info("starting broker")

	return sup.Run(context.Background())
}

// newLogger builds the process-wide logrus logger, rotating logfile output
// through lumberjack. stdlib's log package has no rotation or level
// support, so it is not used here.
func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.ErrorLevel
	}
	log.SetLevel(level)

	if cfg.LogFile == "" {
		log.SetOutput(os.Stderr)
		return log
	}

	rotator := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    int(cfg.LogSize / (1024 * 1024)),
		MaxBackups: cfg.LogNumber,
		Compress:   true,
	}
	log.SetOutput(io.MultiWriter(os.Stderr, rotator))
	return log
}

func serveMetrics(addr string, reg *prometheus.Registry, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	log.WithField("addr", addr).Info("serving metrics")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithError(err).Error("metrics server exited")
	}
}
