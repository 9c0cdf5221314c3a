package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/zond/swarmbot/server"
)

func main() {
	config := server.DefaultConfig()

	flag.StringVar(&config.Dir, "dir", config.Dir, "Where to save session configs, plans, proxies and logs.")
	flag.StringVar(&config.SSHAddr, "ssh", config.SSHAddr, "Where to listen to SSH connections. Empty disables the SSH console.")
	flag.BoolVar(&config.Stdin, "stdin", config.Stdin, "Read commands from standard input.")
	flag.StringVar(&config.BridgeURL, "bridge", config.BridgeURL, "Default bridge URL template, {id} expands to the session id.")
	flag.StringVar(&config.ProxyTestURL, "proxy_test_url", config.ProxyTestURL, "URL fetched when testing proxies.")
	flag.DurationVar(&config.TickPeriod, "tick", config.TickPeriod, "Length of one scheduler tick.")
	flag.DurationVar(&config.ChatCooldown, "chat_cooldown", config.ChatCooldown, "Minimum time between commands relayed from one player.")
	flag.IntVar(&config.LogMaxSizeMB, "log_max_size", config.LogMaxSizeMB, "Size in megabytes at which the log file is rotated.")

	flag.Parse()

	srv, err := server.New(config)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := srv.Start(ctx); err != nil {
		log.Fatal(err)
	}
}
