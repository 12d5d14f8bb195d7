package cmd

import (
	"context"
	"errors"

	"github.com/miekg/dns"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/dnsrelay/dnsrelay/internal/config"
	"github.com/dnsrelay/dnsrelay/internal/dispatcher"
	"github.com/dnsrelay/dnsrelay/internal/filter"
	"github.com/dnsrelay/dnsrelay/internal/metrics"
	"github.com/dnsrelay/dnsrelay/internal/relay"
	"github.com/dnsrelay/dnsrelay/internal/router"
	"github.com/dnsrelay/dnsrelay/internal/version"
)

const defaultConfigPath = "/etc/dnsrelay/config.yaml"

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the DNS forwarder",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			log := zerolog.Ctx(ctx)

			log.Info().
				Str("version", version.GetVersion()).
				Str("build_time", version.GetBuildTime()).
				Msg("dnsrelay starting")

			path := cfgFile
			if path == "" {
				path = defaultConfigPath
			}

			cfg, err := config.Load(path)
			if err != nil {
				log.Fatal().Err(err).Str("config", path).Msg("failed to load config")

				return err
			}

			metrics.RegisterCollectors()

			upstreams := make(map[string]dispatcher.Resolver, len(cfg.Upstreams))
			for name, client := range cfg.Upstreams {
				upstreams[name] = client
			}

			rt := router.New(cfg.RequestRules, cfg.DefaultUpstreams)
			f := filter.New(cfg.ResponseRules)
			d := dispatcher.New(upstreams, rt, f)
			handler := relay.New(ctx, d)

			udpServer := &dns.Server{Addr: cfg.Bind.String(), Net: "udp", Handler: handler}
			tcpServer := &dns.Server{Addr: cfg.Bind.String(), Net: "tcp", Handler: handler}

			errs := make(chan error, 2)

			go func() { errs <- udpServer.ListenAndServe() }()
			go func() { errs <- tcpServer.ListenAndServe() }()

			log.Info().Str("bind", cfg.Bind.String()).Int("upstreams", len(cfg.Upstreams)).Msg("listening")

			select {
			case <-ctx.Done():
				log.Info().Msg("shutting down")

				shutdownErrs := errors.Join(udpServer.Shutdown(), tcpServer.Shutdown())
				if shutdownErrs != nil {
					log.Warn().Err(shutdownErrs).Msg("shutdown reported errors")
				}

				return nil
			case err := <-errs:
				_ = errors.Join(udpServer.Shutdown(), tcpServer.Shutdown())

				return err
			}
		},
	}

	return cmd
}
