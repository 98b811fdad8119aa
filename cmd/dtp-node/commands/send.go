package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/skycoin/dtp/pkg/node"
)

var (
	serverAddr string
	configPath string
	chunkSize  int
)

func init() {
	sendCmd.Flags().StringVarP(&serverAddr, "server", "s", "", "UDP address of the receiving node (defaults to transport.remote_address)")
	sendCmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	sendCmd.Flags().IntVarP(&chunkSize, "chunk-size", "", 0, "payload bytes per data unit (overrides config)")
	rootCmd.AddCommand(sendCmd)
}

var sendCmd = &cobra.Command{
	Use:   "send <file>",
	Short: "Sends a file to a receiving node",
	Args:  cobra.ExactArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		var conf *node.Config
		if configPath != "" {
			conf = cfg.readConfig([]string{configPath})
		} else {
			conf = cfg.readConfig(nil)
		}
		if chunkSize > 0 {
			conf.Client.ChunkSize = chunkSize
		}

		n, err := node.NewNode(conf, cfg.masterLogger)
		if err != nil {
			cfg.logger.Fatal("Failed to initialize node: ", err)
		}

		ctx, cancel := context.WithCancel(context.Background())
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		go func() {
			<-ch
			cancel()
		}()

		sendErr := n.Send(ctx, args[0], serverAddr)
		cancel()
		if err := n.Close(); err != nil {
			cfg.logger.WithError(err).Warn("Failed to close node")
		}
		if sendErr != nil {
			cfg.logger.Fatal("Failed to send file: ", sendErr)
		}
	},
}
