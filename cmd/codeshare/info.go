package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	centralserver "tarun-kavipurapu/p2p-codeshare/central-server"
)

var infoCmd = &cobra.Command{
	Use:   "info <code>",
	Short: "Show the file and peers behind a share code",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		url, err := brokerURL(cmd.Context(), cfg.Peer.BrokerURL)
		if err != nil {
			return err
		}
		info, err := centralserver.NewClient(url).Info(cmd.Context(), args[0])
		if err != nil {
			return err
		}

		fmt.Printf("Code:    %s\n", info.Code)
		fmt.Printf("File:    %s\n", info.Filename)
		if m := info.Manifest; m != nil {
			fmt.Printf("Size:    %d bytes in %d chunk(s) of %d\n", m.Filesize, m.NumChunks, m.ChunkSize)
			fmt.Printf("ID:      %s\n", m.ID())
		}
		fmt.Printf("Expires: %s (in %s)\n", info.ExpiresAt.Format(time.RFC3339), time.Until(info.ExpiresAt).Round(time.Second))
		fmt.Println("Peers:")
		for _, p := range info.Peers {
			fmt.Printf("  - %s\n", p)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(infoCmd)
}
