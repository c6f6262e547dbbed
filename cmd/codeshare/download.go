package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	centralserver "tarun-kavipurapu/p2p-codeshare/central-server"
	"tarun-kavipurapu/p2p-codeshare/peer"
	"tarun-kavipurapu/p2p-codeshare/pkg/logger"
	"tarun-kavipurapu/p2p-codeshare/pkg/manifest"
	"tarun-kavipurapu/p2p-codeshare/pkg/protocol"
)

var (
	downloadCode     string
	downloadMeta     string
	downloadPeers    string
	downloadProgress bool
)

var downloadCmd = &cobra.Command{
	Use:     "download",
	Short:   "Download a shared file by code, or directly from a manifest and peer list",
	Example: `  codeshare download --code 482913
  codeshare download --meta report.pdf.meta.json --peer 192.168.1.20:10001,192.168.1.21:10001`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		m, peers, err := resolveDownload(ctx)
		if err != nil {
			return err
		}

		fetcher := peer.NewTCPFetcher(cfg.Download.Timeout)
		downloader := peer.NewDownloader(fetcher, cfg.Download.Concurrency)

		tracker := peer.NewDownloadTracker(m)
		var renderer *peer.ProgressRenderer
		if downloadProgress {
			renderer = peer.NewProgressRenderer(tracker, os.Stdout, true)
			renderer.SetRefreshRate(200 * time.Millisecond)
			go renderer.Start()
		}

		path, err := downloader.DownloadToFile(ctx, m, peers, cfg.Download.OutDir, tracker)
		if renderer != nil {
			renderer.StopAndWait()
		}
		if err != nil {
			var dlErr *peer.DownloadError
			if errors.As(err, &dlErr) {
				return fmt.Errorf("failed to download chunk %d from peers (%d chunk(s) failed)", dlErr.FirstFailed(), len(dlErr.Failed))
			}
			return err
		}

		fmt.Printf("Saved %s (%d bytes)\n", path, m.Filesize)
		return nil
	},
}

// resolveDownload turns --code or --meta/--peer into a manifest and an
// ordered peer list.
func resolveDownload(ctx context.Context) (*manifest.Manifest, []protocol.PeerAddress, error) {
	switch {
	case downloadCode != "" && downloadMeta != "":
		return nil, nil, errors.New("use either --code or --meta, not both")

	case downloadCode != "":
		url, err := brokerURL(ctx, cfg.Peer.BrokerURL)
		if err != nil {
			return nil, nil, err
		}
		client := centralserver.NewClient(url)
		info, err := client.Info(ctx, downloadCode)
		if err != nil {
			return nil, nil, err
		}
		m, err := client.Manifest(ctx, downloadCode)
		if err != nil {
			return nil, nil, err
		}
		peers := info.Peers
		if downloadPeers != "" {
			extra, err := protocol.ParsePeerList(downloadPeers)
			if err != nil {
				return nil, nil, err
			}
			peers = append(extra, peers...)
		}
		logger.Sugar.Infof("Code %s: %s (%d bytes) from %d peer(s)", downloadCode, m.Filename, m.Filesize, len(peers))
		return m, peers, nil

	case downloadMeta != "":
		data, err := os.ReadFile(downloadMeta)
		if err != nil {
			return nil, nil, err
		}
		m, err := manifest.Unmarshal(data)
		if err != nil {
			return nil, nil, err
		}
		if downloadPeers == "" {
			return nil, nil, errors.New("--meta needs at least one --peer")
		}
		peers, err := protocol.ParsePeerList(downloadPeers)
		if err != nil {
			return nil, nil, err
		}
		return m, peers, nil

	default:
		return nil, nil, errors.New("one of --code or --meta is required")
	}
}

func init() {
	rootCmd.AddCommand(downloadCmd)
	f := downloadCmd.Flags()
	f.StringVar(&downloadCode, "code", "", "Six digit share code")
	f.StringVar(&downloadMeta, "meta", "", "Path to a <file>.meta.json manifest")
	f.StringVarP(&downloadPeers, "peer", "p", "", "Comma separated host:port peers, tried in order")
	f.StringP("out", "o", "downloads", "Output directory")
	f.Int("concurrency", 8, "Maximum chunks in flight")
	f.Duration("timeout", 10*time.Second, "Per-peer connect and I/O timeout")
	f.BoolVar(&downloadProgress, "progress", true, "Show a live progress bar")

	bindFlag(f, "out", "download.out_dir")
	bindFlag(f, "concurrency", "download.concurrency")
	bindFlag(f, "timeout", "download.timeout")
}
