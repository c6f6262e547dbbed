package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/spf13/cobra"

	centralserver "tarun-kavipurapu/p2p-codeshare/central-server"
	"tarun-kavipurapu/p2p-codeshare/peer"
	"tarun-kavipurapu/p2p-codeshare/pkg/logger"
	"tarun-kavipurapu/p2p-codeshare/pkg/monitor"
	"tarun-kavipurapu/p2p-codeshare/pkg/storage"
)

var brokerInteractive bool

var brokerCmd = &cobra.Command{
	Use:   "broker",
	Short: "Start the share-code broker",
	RunE: func(cmd *cobra.Command, args []string) error {
		bc := cfg.Broker
		store, err := storage.Open(cfg.Storage.Backend, bc.DataDir)
		if err != nil {
			return fmt.Errorf("failed to open broker store: %w", err)
		}
		defer store.Close()

		fetcher := peer.NewTCPFetcher(cfg.Download.Timeout)
		broker := centralserver.NewBroker(centralserver.BrokerOpts{
			ListenAddr:    bc.ListenAddr,
			Store:         store,
			SessionTTL:    bc.SessionTTL,
			SweepInterval: bc.SweepInterval,
			ChunkSize:     bc.ChunkSize,
			MaxUploadSize: bc.MaxUploadSize,
			Downloader:    peer.NewDownloader(fetcher, cfg.Download.Concurrency),
			Advertise:     bc.Advertise,
		})

		logger.Sugar.Infof("Starting broker on %s", bc.ListenAddr)
		if err := broker.Start(); err != nil {
			return err
		}
		defer broker.Stop()

		quit := make(chan struct{})
		defer close(quit)
		go monitor.Global.LogPeriodic(time.Minute, quit)

		if brokerInteractive {
			fmt.Println("Codeshare Broker Interactive Shell")
			fmt.Println("Type 'help' for commands.")

			prompt.New(
				func(in string) { brokerExecutor(in, broker) },
				brokerCompleter,
				prompt.OptionPrefix("broker> "),
				prompt.OptionTitle("Codeshare Broker"),
				prompt.OptionSetExitCheckerOnInput(exitChecker),
			).Run()
			return nil
		}

		waitForSignal()
		return nil
	},
}

func brokerExecutor(in string, broker *centralserver.Broker) {
	blocks := strings.Fields(strings.TrimSpace(in))
	if len(blocks) == 0 {
		return
	}

	switch blocks[0] {
	case "exit", "quit":
		fmt.Println("Stopping broker...")
	case "status":
		fmt.Println(broker.GetStatus())
	case "sessions":
		sessions := broker.Registry().List()
		if len(sessions) == 0 {
			fmt.Println("No live sessions.")
			return
		}
		for _, s := range sessions {
			fmt.Printf("- %s  %s (%d bytes, %d chunks)\n", s.Code, s.Manifest.Filename, s.Manifest.Filesize, s.Manifest.NumChunks)
			for _, p := range s.Peers {
				fmt.Printf("    peer %s\n", p)
			}
		}
	case "sweep":
		fmt.Printf("Removed %d expired session(s).\n", broker.Sweep())
	case "help":
		fmt.Println("Available commands:")
		fmt.Println("  status       - Show broker status")
		fmt.Println("  sessions     - List live sessions and their peers")
		fmt.Println("  sweep        - Expire stale sessions now")
		fmt.Println("  exit         - Stop broker and exit")
	default:
		fmt.Println("Unknown command: " + blocks[0])
	}
}

func brokerCompleter(d prompt.Document) []prompt.Suggest {
	s := []prompt.Suggest{
		{Text: "status", Description: "Show broker status and stats"},
		{Text: "sessions", Description: "List live share codes"},
		{Text: "sweep", Description: "Run the session reaper now"},
		{Text: "exit", Description: "Exit the broker"},
		{Text: "help", Description: "Show help"},
	}
	return prompt.FilterHasPrefix(s, d.GetWordBeforeCursor(), true)
}

// exitChecker ends prompt.Run after an exit command so deferred cleanup runs.
func exitChecker(in string, breakline bool) bool {
	in = strings.TrimSpace(in)
	return breakline && (in == "exit" || in == "quit")
}

func waitForSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	logger.Sugar.Infof("Received %s, shutting down", s)
}

func init() {
	rootCmd.AddCommand(brokerCmd)
	f := brokerCmd.Flags()
	f.StringP("addr", "a", "0.0.0.0:5000", "Address for the broker to listen on")
	f.Duration("ttl", time.Hour, "Session lifetime")
	f.Duration("sweep", 60*time.Second, "Interval between expiry sweeps")
	f.String("data-dir", "broker-data", "Directory for manifest artifacts")
	f.Bool("advertise", true, "Advertise the broker over mDNS")
	f.BoolVarP(&brokerInteractive, "interactive", "i", false, "Start in interactive mode")

	bindFlag(f, "addr", "broker.listen_addr")
	bindFlag(f, "ttl", "broker.session_ttl")
	bindFlag(f, "sweep", "broker.sweep_interval")
	bindFlag(f, "data-dir", "broker.data_dir")
	bindFlag(f, "advertise", "broker.advertise")
}
