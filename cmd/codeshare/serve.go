package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	centralserver "tarun-kavipurapu/p2p-codeshare/central-server"
	"tarun-kavipurapu/p2p-codeshare/peer"
	"tarun-kavipurapu/p2p-codeshare/pkg/errdefs"
	"tarun-kavipurapu/p2p-codeshare/pkg/logger"
	"tarun-kavipurapu/p2p-codeshare/pkg/monitor"
	"tarun-kavipurapu/p2p-codeshare/pkg/protocol"
	"tarun-kavipurapu/p2p-codeshare/pkg/storage"
)

var peerInteractive bool

// seedNode is a running chunk server plus what it needs to share files.
type seedNode struct {
	server *peer.PeerServer
	store  storage.Store
	client *centralserver.Client
	self   protocol.PeerAddress
}

func startSeedNode(ctx context.Context) (*seedNode, error) {
	pc := cfg.Peer
	store, err := storage.Open(cfg.Storage.Backend, pc.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open peer store: %w", err)
	}

	server := peer.NewPeerServer(peer.PeerServerOpts{
		ListenAddr: pc.ListenAddr,
		Store:      store,
		MaxConns:   pc.MaxConns,
		Timeout:    cfg.Download.Timeout,
	})
	if err := server.Start(); err != nil {
		store.Close()
		return nil, err
	}

	self, err := advertisedAddress(server.Addr(), pc.AdvertiseHost)
	if err != nil {
		server.Stop()
		store.Close()
		return nil, fmt.Errorf("cannot determine advertised address: %w", err)
	}

	url, err := brokerURL(ctx, pc.BrokerURL)
	if err != nil {
		logger.Sugar.Warnf("Sharing by code disabled: %v", err)
	}
	var client *centralserver.Client
	if url != "" {
		client = centralserver.NewClient(url)
		logger.Sugar.Infof("Sharing through broker %s", client.BaseURL())
	}

	logger.Sugar.Infof("Peer reachable at %s", self)
	return &seedNode{server: server, store: store, client: client, self: self}, nil
}

func (n *seedNode) close() {
	n.server.Stop()
	n.store.Close()
}

// share seeds path and registers it with the broker, returning the code.
func (n *seedNode) share(ctx context.Context, path string) (string, error) {
	m, err := n.server.Seed(path, cfg.Peer.ChunkSize)
	if err != nil {
		return "", err
	}
	if n.client == nil {
		return "", fmt.Errorf("seeded %s but no broker is configured", m.Filename)
	}
	code, err := n.client.Register(ctx, m, n.self)
	if err != nil {
		return "", fmt.Errorf("failed to register %s: %w", m.Filename, err)
	}
	logger.Sugar.Infof("Shared %s as code %s", m.Filename, code)
	return code, nil
}

// join downloads the file behind code, seeds it with the session's chunk
// size and announces this peer to the broker.
func (n *seedNode) join(ctx context.Context, code string) (string, error) {
	if n.client == nil {
		return "", fmt.Errorf("no broker is configured")
	}
	info, err := n.client.Info(ctx, code)
	if err != nil {
		return "", err
	}
	m := info.Manifest
	if m == nil {
		if m, err = n.client.Manifest(ctx, code); err != nil {
			return "", err
		}
	}

	d := peer.NewDownloader(peer.NewTCPFetcher(cfg.Download.Timeout), cfg.Download.Concurrency)
	path, err := d.DownloadToFile(ctx, m, info.Peers, cfg.Download.OutDir, nil)
	if err != nil {
		return "", err
	}
	seeded, err := n.server.Seed(path, m.ChunkSize)
	if err != nil {
		return "", err
	}
	if seeded.ID() != m.ID() {
		return "", fmt.Errorf("%w: re-chunked %s does not match the session manifest", errdefs.ErrIntegrity, path)
	}
	if err := n.client.AddPeer(ctx, code, n.self); err != nil {
		return "", err
	}
	return path, nil
}

func (n *seedNode) run() {
	quit := make(chan struct{})
	defer close(quit)
	go monitor.Global.LogPeriodic(time.Minute, quit)

	if !peerInteractive {
		waitForSignal()
		return
	}

	fmt.Println("Codeshare Peer Interactive Shell")
	fmt.Println("Type 'help' for commands.")
	prompt.New(
		func(in string) { peerExecutor(in, n) },
		peerCompleter,
		prompt.OptionPrefix("peer> "),
		prompt.OptionTitle("Codeshare Peer"),
		prompt.OptionSetExitCheckerOnInput(exitChecker),
	).Run()
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve chunks already in the peer store",
	RunE: func(cmd *cobra.Command, args []string) error {
		node, err := startSeedNode(cmd.Context())
		if err != nil {
			return err
		}
		defer node.close()
		node.run()
		return nil
	},
}

var seedCmd = &cobra.Command{
	Use:   "seed <file>...",
	Short: "Chunk files, serve them and print their share codes",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		node, err := startSeedNode(cmd.Context())
		if err != nil {
			return err
		}
		defer node.close()

		for _, path := range args {
			code, err := node.share(cmd.Context(), path)
			if err != nil {
				return err
			}
			fmt.Printf("Share code for %s: %s\n", path, code)
		}
		node.run()
		return nil
	},
}

func peerExecutor(in string, n *seedNode) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}
	ctx := context.Background()

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping peer...")
	case "status":
		fmt.Println(n.server.GetStatus())
	case "seed":
		if len(blocks) < 2 {
			fmt.Println("Usage: seed <file_path>")
			return
		}
		m, err := n.server.Seed(blocks[1], cfg.Peer.ChunkSize)
		if err != nil {
			fmt.Printf("Error seeding file: %v\n", err)
			return
		}
		fmt.Printf("Seeding %s (%d chunks).\n", m.Filename, m.NumChunks)
	case "share":
		if len(blocks) < 2 {
			fmt.Println("Usage: share <file_path>")
			return
		}
		code, err := n.share(ctx, blocks[1])
		if err != nil {
			fmt.Printf("Error sharing file: %v\n", err)
			return
		}
		fmt.Printf("Share code: %s\n", code)
	case "join":
		if len(blocks) < 2 {
			fmt.Println("Usage: join <code>")
			return
		}
		path, err := n.join(ctx, blocks[1])
		if err != nil {
			fmt.Printf("Error joining session: %v\n", err)
			return
		}
		fmt.Printf("Downloaded %s, now serving it for %s.\n", path, blocks[1])
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status                 - Show peer status")
		fmt.Println("  seed <path>            - Chunk a local file into the store")
		fmt.Println("  share <path>           - Seed a file and get a share code")
		fmt.Println("  join <code>            - Download a shared file and serve it too")
		fmt.Println("  exit                   - Stop peer and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func peerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show peer status"},
		{Text: "seed", Description: "Seed a file"},
		{Text: "share", Description: "Seed and register a file"},
		{Text: "join", Description: "Download and reseed a shared file"},
		{Text: "exit", Description: "Exit the peer"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

func init() {
	for _, cmd := range []*cobra.Command{serveCmd, seedCmd} {
		rootCmd.AddCommand(cmd)
		f := cmd.Flags()
		f.StringP("addr", "a", "0.0.0.0:10001", "Address for this peer to listen on")
		f.String("advertise-host", "", "Host other peers should dial (default: detected LAN address)")
		f.String("data-dir", "peer-data", "Directory for chunks and manifests")
		f.Uint32("chunk-size", 262144, "Chunk size in bytes for newly seeded files")
		f.Int("max-conns", 64, "Maximum concurrent chunk connections")
		f.BoolVarP(&peerInteractive, "interactive", "i", false, "Start in interactive mode")

		bindFlag(f, "addr", "peer.listen_addr")
		bindFlag(f, "advertise-host", "peer.advertise_host")
		bindFlag(f, "data-dir", "peer.data_dir")
		bindFlag(f, "chunk-size", "peer.chunk_size")
		bindFlag(f, "max-conns", "peer.max_conns")
	}
}
