// Misty assistant - speech-to-speech conversations on a Misty robot.
// Replies stream from the OpenAI Realtime API and play on the robot in
// roughly one-second chunks while the rest is still being generated.
package main

import (
	"context"
	"flag"
	"log"
	"os/signal"
	"syscall"

	"github.com/teslashibe/go-misty/internal/config"
	mlog "github.com/teslashibe/go-misty/internal/log"
	"github.com/teslashibe/go-misty/pkg/assistant"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	mistyIP := flag.String("misty-ip", "", "Robot IP address (overrides MISTY_IP_ADDRESS)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")
	noDashboard := flag.Bool("no-dashboard", false, "Disable the status dashboard")
	singleTurn := flag.Bool("single-turn", false, "Return to wake-word mode after every reply")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}
	if *mistyIP != "" {
		cfg.Misty.IP = *mistyIP
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	if *noDashboard {
		cfg.Dashboard.Enabled = false
	}
	if *singleTurn {
		cfg.Conversation.Enabled = false
	}

	mlog.Init(cfg.LogLevel)

	app, err := assistant.New(cfg)
	if err != nil {
		log.Fatalf("❌ Configuration error: %v", err)
	}
	if err := app.Init(); err != nil {
		log.Fatalf("❌ Initialization failed: %v", err)
	}
	defer app.Shutdown()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := app.Run(ctx); err != nil {
		log.Fatalf("❌ Runtime error: %v", err)
	}
}
