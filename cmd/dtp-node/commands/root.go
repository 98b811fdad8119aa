package commands

import (
	"fmt"
	"io/ioutil"
	"log"
	"log/syslog"
	"net/http"
	_ "net/http/pprof" // no_lint

	"github.com/pkg/profile"
	logrus_syslog "github.com/sirupsen/logrus/hooks/syslog"
	"github.com/skycoin/skycoin/src/util/logging"
	"github.com/spf13/cobra"

	"github.com/skycoin/dtp/pkg/node"
	"github.com/skycoin/dtp/pkg/util/pathutil"
)

const configEnv = "DTP_CONFIG"

type runCfg struct {
	syslogAddr  string
	tag         string
	profileMode string
	port        string

	profileStop  func()
	logger       *logging.Logger
	masterLogger *logging.MasterLogger
}

var cfg = &runCfg{}

var rootCmd = &cobra.Command{
	Use:   "dtp-node",
	Short: "Datagram transfer protocol node",
	PersistentPreRun: func(_ *cobra.Command, _ []string) {
		cfg.startProfiler().startLogger()
	},
	PersistentPostRun: func(_ *cobra.Command, _ []string) {
		cfg.profileStop()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfg.syslogAddr, "syslog", "", "none", "syslog server address. E.g. localhost:514")
	rootCmd.PersistentFlags().StringVarP(&cfg.tag, "tag", "", "dtp", "logging tag")
	rootCmd.PersistentFlags().StringVarP(&cfg.profileMode, "profile", "p", "none", "enable profiling with pprof. Mode:  none or one of: [cpu, mem, mutex, block, trace, http]")
	rootCmd.PersistentFlags().StringVarP(&cfg.port, "port", "", "6060", "port for http-mode of pprof")
}

// Execute executes root CLI command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}

func (cfg *runCfg) startProfiler() *runCfg {
	var option func(*profile.Profile)
	switch cfg.profileMode {
	case "none":
		cfg.profileStop = func() {}
		return cfg
	case "http":
		go func() {
			log.Println(http.ListenAndServe(fmt.Sprintf("localhost:%v", cfg.port), nil))
		}()
		cfg.profileStop = func() {}
		return cfg
	case "cpu":
		option = profile.CPUProfile
	case "mem":
		option = profile.MemProfile
	case "mutex":
		option = profile.MutexProfile
	case "block":
		option = profile.BlockProfile
	case "trace":
		option = profile.TraceProfile
	default:
		log.Fatalf("invalid profile mode %q", cfg.profileMode)
	}
	cfg.profileStop = profile.Start(profile.ProfilePath("./logs/"+cfg.tag), option).Stop
	return cfg
}

func (cfg *runCfg) startLogger() *runCfg {
	cfg.masterLogger = logging.NewMasterLogger()
	cfg.logger = cfg.masterLogger.PackageLogger(cfg.tag)

	if cfg.syslogAddr != "none" {
		hook, err := logrus_syslog.NewSyslogHook("udp", cfg.syslogAddr, syslog.LOG_INFO, cfg.tag)
		if err != nil {
			cfg.logger.Error("Unable to connect to syslog daemon:", err)
		} else {
			cfg.masterLogger.AddHook(hook)
			cfg.masterLogger.Out = ioutil.Discard
		}
	}
	return cfg
}

// readConfig loads the config named by args[0], $DTP_CONFIG or one of the
// default locations, falling back to node.DefaultConfig.
func (cfg *runCfg) readConfig(args []string) *node.Config {
	path := pathutil.FindConfigPath(args, 0, configEnv, pathutil.NodeDefaults())
	if path == "" {
		cfg.logger.Info("No config found; using defaults")
		return node.DefaultConfig()
	}
	conf, err := node.ReadConfig(path)
	if err != nil {
		cfg.logger.Fatalf("Failed to read config: %s", err)
	}
	cfg.logger.Infof("Using config %s", path)
	return conf
}
