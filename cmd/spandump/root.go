package main

import (
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

const keyDebug = "debug"

// newViper creates a viper instance reading SPANDUMP_* environment variables.
func newViper() *viper.Viper {
	vp := viper.New()

	// env var must start with SPANDUMP_
	vp.SetEnvPrefix("spandump")
	// replace - by _ for environment variable names
	// (eg: the env var for max-nodes is SPANDUMP_MAX_NODES)
	vp.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	vp.AutomaticEnv()
	return vp
}

func newRootCmd(vp *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "spandump",
		Short:         "Inspect live spans of an instrumented workload",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := vp.BindPFlags(cmd.Flags()); err != nil {
				return err
			}
			initLogrus(vp.GetBool(keyDebug))
			return nil
		},
	}
	root.PersistentFlags().Bool(keyDebug, false, "Enable debug logging")
	return root
}

func initLogrus(debug bool) {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors:   true,
		TimestampFormat: time.DateTime,
	})
	if debug {
		logrus.SetLevel(logrus.DebugLevel)
	} else {
		logrus.SetLevel(logrus.InfoLevel)
	}
}
