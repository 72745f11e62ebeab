package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sebas/b2bua/internal/banner"
	"github.com/sebas/b2bua/internal/config"
	"github.com/sebas/b2bua/internal/engine"
	"github.com/sebas/b2bua/internal/logger"
)

func main() {
	cfg := config.Load()

	logger.Init(os.Stdout)
	logger.SetLevel(cfg.LogLevel)

	banner.Print("B2BUA", []banner.ConfigLine{
		{Label: "SIP Listen", Value: fmt.Sprintf("%s:%d", cfg.SIPHost, cfg.SIPPort)},
		{Label: "RTP Listen", Value: fmt.Sprintf("%s:%d", cfg.RTPHost, cfg.RTPPort)},
		{Label: "Server Address", Value: cfg.ServerAddress},
		{Label: "Extensions", Value: fmt.Sprintf("%d-%d", cfg.ExtMin, cfg.ExtMax)},
		{Label: "Log Level", Value: cfg.LogLevel},
	})

	b2bua, err := engine.New(cfg, slog.Default())
	if err != nil {
		slog.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	run(b2bua, cfg)
}

func run(e *engine.Engine, cfg *config.Config) {
	slog.Info("starting b2bua",
		"sip_addr", cfg.SIPHost, "sip_port", cfg.SIPPort,
		"rtp_addr", cfg.RTPHost, "rtp_port", cfg.RTPPort,
		"server_address", cfg.ServerAddress,
		"extensions", []int{cfg.ExtMin, cfg.ExtMax},
	)
	logNetworkInterfaces()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- e.Run(ctx) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	case err := <-errCh:
		if err != nil {
			slog.Error("engine stopped with error", "error", err)
		}
		cancel()
		return
	}

	time.Sleep(1 * time.Second)
}

func logNetworkInterfaces() {
	interfaces, err := net.Interfaces()
	if err != nil {
		return
	}

	for _, iface := range interfaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ip, _, err := net.ParseCIDR(addr.String())
			if err != nil {
				continue
			}
			slog.Debug("network interface", "interface", iface.Name, "ip", ip.String())
		}
	}
}
