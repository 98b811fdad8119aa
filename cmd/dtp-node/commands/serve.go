package commands

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/skycoin/dtp/pkg/node"
)

var listenAddr string

func init() {
	serveCmd.Flags().StringVarP(&listenAddr, "addr", "a", "", "UDP address to receive on (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve [config-path]",
	Short: "Receives files into the configured directory",
	Args:  cobra.MaximumNArgs(1),
	Run: func(_ *cobra.Command, args []string) {
		conf := cfg.readConfig(args)
		if listenAddr != "" {
			conf.Transport.LocalAddr = listenAddr
		}

		n, err := node.NewNode(conf, cfg.masterLogger)
		if err != nil {
			cfg.logger.Fatal("Failed to initialize node: ", err)
		}
		if err := n.Start(); err != nil {
			cfg.logger.Fatal("Failed to start node: ", err)
		}

		ch := make(chan os.Signal, 2)
		signal.Notify(ch, []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT}...)
		<-ch
		go func() {
			select {
			case <-time.After(time.Duration(conf.ShutdownTimeout)):
				cfg.logger.Fatal("Timeout reached: terminating")
			case s := <-ch:
				cfg.logger.Fatalf("Received signal %s: terminating", s)
			}
		}()

		if err := n.Close(); err != nil {
			cfg.logger.Fatal("Failed to close node: ", err)
		}
	},
}
