package commands

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/skycoin/dtp/pkg/node"
	"github.com/skycoin/dtp/pkg/util/pathutil"
)

var (
	output        string
	replace       bool
	configLocType = pathutil.WorkingDirLoc
)

func init() {
	genConfigCmd.Flags().StringVarP(&output, "output", "o", "", "path of output config file. Uses default of 'type' flag if unspecified.")
	genConfigCmd.Flags().BoolVarP(&replace, "replace", "r", false, "whether to allow rewrite of a file that already exists.")
	genConfigCmd.Flags().VarP(&configLocType, "type", "m", fmt.Sprintf("config generation mode. Valid values: %v", pathutil.AllConfigLocationTypes()))
	rootCmd.AddCommand(genConfigCmd)
}

var genConfigCmd = &cobra.Command{
	Use:   "gen-config",
	Short: "Generates a config file",
	PreRun: func(_ *cobra.Command, _ []string) {
		if output == "" {
			output, _ = pathutil.NodeDefaults().Get(configLocType)
			cfg.logger.Infof("No 'output' set; using default path: %s", output)
		}
		var err error
		if output, err = pathutil.ExpandPath(output); err != nil {
			cfg.logger.WithError(err).Fatalln("invalid output provided")
		}
	},
	Run: func(_ *cobra.Command, _ []string) {
		conf := genConfig(configLocType, filepath.Dir(output))
		if err := pathutil.WriteJSONConfig(conf, output, replace); err != nil {
			cfg.logger.WithError(err).Fatalln("failed to write config")
		}
		cfg.logger.Infof("Config written to %s", output)
	},
}

// genConfig returns the default config with paths placed next to the config
// file for the home and local location types.
func genConfig(loc pathutil.ConfigLocationType, dir string) *node.Config {
	conf := node.DefaultConfig()
	switch loc {
	case pathutil.HomeLoc, pathutil.LocalLoc:
		conf.Server.ReceivedDir = filepath.Join(dir, "received")
		conf.TransferLog.Type = node.LogStoreBoltDB
		conf.TransferLog.Location = filepath.Join(dir, "transfers.db")
	}
	return conf
}
