// Command socks5tun bridges a TUN device to an upstream SOCKS5 proxy: every
// TCP and UDP flow the kernel routes onto the device is forwarded through
// the proxy and the reply relayed back. The -c flag names the YAML config
// file; internal/config lists the recognized options.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/iprodev/socks5tun/internal/config"
	"github.com/iprodev/socks5tun/internal/tunnel"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "c", "config.yaml", "config path")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	tun, err := tunnel.New(cfg)
	if err != nil {
		log.Fatalf("tunnel: %v", err)
	}
	if err := tun.Init(); err != nil {
		log.Fatalf("tunnel init: %v", err)
	}
	defer func() {
		if err := tun.Fini(); err != nil {
			log.Printf("tunnel fini: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signal.Ignore(syscall.SIGPIPE)

	sigc := make(chan os.Signal, 1)
	signal.Notify(sigc, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigc
		log.Printf("shutting down...")
		tun.Stop()
		cancel()
	}()

	log.Printf("socks5tun: device %q -> %s", cfg.Tunnel.Name, cfg.Socks5.Addr())
	if err := tun.Run(ctx); err != nil {
		log.Fatalf("tunnel run: %v", err)
	}
}
