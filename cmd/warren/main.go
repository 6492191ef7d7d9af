package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/wrenbt/warren/internal/config"
	"github.com/wrenbt/warren/internal/logging"
	"github.com/wrenbt/warren/internal/session"
)

func main() {
	downloadDir := flag.String("dir", "", "download directory (defaults to the configured per-OS downloads path)")
	listenPort := flag.Uint("port", 6881, "TCP port to accept inbound peer connections on")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	setupLogger(*verbose)

	config.Init()
	config.Update(func(c *config.Config) {
		c.ListenPort = uint16(*listenPort)
	})

	paths := flag.Args()
	if len(paths) == 0 {
		fmt.Fprintln(os.Stderr, "usage: warren [flags] <torrent-file>...")
		flag.PrintDefaults()
		os.Exit(2)
	}

	if err := run(paths, *downloadDir); err != nil {
		slog.Error("fatal", "error", err.Error())
		os.Exit(1)
	}
}

func run(torrentPaths []string, downloadDir string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.Default()

	client, err := session.NewClient(config.Load().ClientID, logger)
	if err != nil {
		return fmt.Errorf("new client: %w", err)
	}

	for _, path := range torrentPaths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}

		sess, err := client.AddTorrent(data, downloadDir)
		if err != nil {
			return fmt.Errorf("add torrent %s: %w", path, err)
		}
		logger.Info("torrent added", "name", sess.Metainfo.Info.Name, "info_hash", sess.InfoHashHex())
	}

	go reportProgress(ctx, client)

	if err := client.RunAll(ctx); err != nil && ctx.Err() == nil {
		return fmt.Errorf("client run: %w", err)
	}
	return nil
}

// reportProgress periodically prints a one-line status per torrent until
// ctx is canceled, giving a terminal-friendly view of what a GUI front-end
// would otherwise render from the same Session.Stats() snapshot.
func reportProgress(ctx context.Context, client *session.Client) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range client.Sessions() {
				stats := sess.Stats()
				fmt.Printf(
					"%s  %5.1f%%  peers=%d  down=%s/s  up=%s/s  tracker=%s\n",
					sess.Metainfo.Info.Name,
					stats.Progress,
					stats.TotalPeers,
					humanRate(stats.DownloadRate),
					humanRate(stats.UploadRate),
					strings.ToLower(stats.Status),
				)
			}
		}
	}
}

func humanRate(bytesPerSec uint64) string {
	const unit = 1024
	if bytesPerSec < unit {
		return fmt.Sprintf("%dB", bytesPerSec)
	}
	div, exp := uint64(unit), 0
	for n := bytesPerSec / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(bytesPerSec)/float64(div), "KMGTPE"[exp])
}

func setupLogger(verbose bool) {
	opts := logging.DefaultOptions()
	opts.SlogOpts.AddSource = verbose
	if verbose {
		opts.SlogOpts.Level = slog.LevelDebug
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}
