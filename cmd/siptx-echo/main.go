// siptx-echo is a minimal UAS for poking the stack: answers OPTIONS with
// 200 and INVITE with 486, and exposes transaction metrics over HTTP.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/talkio/siptx"
	"github.com/talkio/siptx/sip"
)

func main() {
	extAddr := flag.String("ip", "127.0.0.1:5060", "SIP listen address")
	transport := flag.String("t", "udp", "Transport: udp, tcp or ws")
	metricsAddr := flag.String("metrics", "127.0.0.1:8080", "Prometheus metrics HTTP address")
	flag.Parse()

	lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL"))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.StampMicro,
	}).With().Timestamp().Logger().Level(lvl)
	sip.SetDefaultLogger(log.Logger)

	host, _, err := sip.ParseAddr(*extAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid listen address")
	}

	ua, err := siptx.NewUA(
		siptx.WithUserAgent("siptx-echo"),
		siptx.WithHostname(host),
	)
	if err != nil {
		log.Fatal().Err(err).Msg("setup user agent failed")
	}
	defer ua.Close()

	srv, err := siptx.NewServer(ua)
	if err != nil {
		log.Fatal().Err(err).Msg("setup server failed")
	}

	srv.OnOptions(func(req *sip.Request, tx *sip.ServerTx) {
		res := sip.NewResponseFromRequest(req, sip.StatusOK, "OK", nil)
		if err := tx.Respond(res); err != nil {
			log.Error().Err(err).Msg("respond 200 failed")
		}
	})

	srv.OnInvite(func(req *sip.Request, tx *sip.ServerTx) {
		res := sip.NewResponseFromRequest(req, sip.StatusBusyHere, "Busy Here", nil)
		if err := tx.Respond(res); err != nil {
			log.Error().Err(err).Msg("respond 486 failed")
		}
		// Wait out the retransmission window before forgetting the branch.
		go tx.TerminateGracefully()
	})

	srv.OnAck(func(req *sip.Request, tx *sip.ServerTx) {})

	go func() {
		http.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(*metricsAddr, nil); err != nil {
			log.Error().Err(err).Msg("metrics endpoint failed")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	log.Info().Str("addr", *extAddr).Str("transport", *transport).Msg("listening")
	go func() {
		if err := srv.ListenAndServe(ctx, *transport, *extAddr); err != nil {
			log.Error().Err(err).Msg("serve stopped")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
}
