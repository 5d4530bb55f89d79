// Command rabbit runs a standalone content-distribution node: it joins the
// DHT, loads a manifest from disk, and serves/downloads it over the
// BitTorrent peer wire protocol until interrupted.
package main

import (
	"context"
	"encoding/hex"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/logging"
	"github.com/prxssh/rabbit/internal/node"
)

func main() {
	var (
		manifestPath = flag.String("manifest", "", "path to a manifest file to load on startup")
		listenAddr   = flag.String("dht-listen", ":6881", "UDP address for DHT traffic")
		peerPort     = flag.Int("peer-port", 6882, "TCP port advertised to peers via announce_peer")
		debug        = flag.Bool("debug", false, "enable debug logging")
	)
	flag.Parse()

	logger := setupLogger(*debug)

	cfg, err := config.Default()
	if err != nil {
		logger.Error("failed to build config", "error", err.Error())
		os.Exit(1)
	}

	n, err := node.New(cfg, *listenAddr, logger)
	if err != nil {
		logger.Error("failed to initialize node", "error", err.Error())
		os.Exit(1)
	}

	if err := n.Start(); err != nil {
		logger.Error("failed to start node", "error", err.Error())
		os.Exit(1)
	}
	defer n.Stop()

	logger.Info("node started",
		"peer_id", hex.EncodeToString(n.PeerID()[:]),
		"dht_listen", *listenAddr,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if *manifestPath != "" {
		if err := loadManifest(ctx, n, *manifestPath, *peerPort, logger); err != nil {
			logger.Error("failed to load manifest", "error", err.Error())
			os.Exit(1)
		}
	}

	reportLoop(ctx, n, logger)
}

func loadManifest(ctx context.Context, n *node.Node, path string, peerPort int, logger *slog.Logger) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read manifest: %w", err)
	}

	t, err := n.AddTorrent(ctx, data, peerPort)
	if err != nil {
		return fmt.Errorf("add torrent: %w", err)
	}

	logger.Info("torrent added", "name", t.Metainfo().Info.Name)
	return nil
}

// reportLoop periodically logs node-wide DHT and torrent progress until
// ctx is cancelled (e.g. by SIGINT/SIGTERM).
func reportLoop(ctx context.Context, n *node.Node, logger *slog.Logger) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return
		case <-ticker.C:
			stats := n.DHTStats()
			logger.Info("dht status",
				"contacts", stats.TotalContacts,
				"good", stats.GoodContacts,
				"questionable", stats.QuestionableContacts,
			)

			for _, t := range n.Torrents() {
				logger.Info("torrent status",
					"name", t.Metainfo().Info.Name,
					"progress", fmt.Sprintf("%.1f%%", t.Progress()*100),
				)
			}
		}
	}
}

func setupLogger(debug bool) *slog.Logger {
	opts := logging.DefaultOptions()
	if debug {
		opts.SlogOpts.Level = slog.LevelDebug
		opts.SlogOpts.AddSource = true
	}

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
	return l
}
