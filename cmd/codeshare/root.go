package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"tarun-kavipurapu/p2p-codeshare/pkg/config"
	"tarun-kavipurapu/p2p-codeshare/pkg/logger"
)

// configKeyAnnotation marks a flag as an override for a config key.
const configKeyAnnotation = "codeshare_config_key"

var (
	cfgFile string
	vcfg    = config.New()
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "codeshare",
	Short: "P2P file sharing with six digit share codes",
	Long: `Share a file by code: a seeder splits it into hashed chunks and serves them,
a broker maps the code to the manifest and peers, and receivers pull verified
chunks from any peer holding them.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if keys := f.Annotations[configKeyAnnotation]; len(keys) == 1 {
				_ = vcfg.BindPFlag(keys[0], f)
			}
		})
		c, err := config.Load(vcfg, cfgFile)
		if err != nil {
			return err
		}
		cfg = c
		return logger.Init(cfg.Log.File, cfg.Log.Level)
	},
}

// bindFlag routes flag name of fs to config key once the command runs.
func bindFlag(fs *pflag.FlagSet, name, key string) {
	if err := fs.SetAnnotation(name, configKeyAnnotation, []string{key}); err != nil {
		panic(err)
	}
}

func Execute() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		logger.Sugar.Error(err)
		os.Exit(1)
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&cfgFile, "config", "c", "", "Config file (default ./codeshare.yaml if present)")
	pf.String("log-level", "info", "Log level: debug, info, warn, error")
	pf.String("log-file", "logs/p2p-codeshare.log", "Log file, empty for stderr only")
	pf.String("storage", "disk", "Blob store backend: disk, badger or memory")
	pf.StringP("broker", "b", "http://127.0.0.1:5000", "Broker base URL, or 'auto' to find one over mDNS")

	bindFlag(pf, "log-level", "log.level")
	bindFlag(pf, "log-file", "log.file")
	bindFlag(pf, "storage", "storage.backend")
	bindFlag(pf, "broker", "peer.broker_url")
}
