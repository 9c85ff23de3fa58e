package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var configFile string

// initConfig loads the optional config file. It supplies defaults for
// the mount options and log level; command-line flags win.
func initConfig() {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		home, err := os.UserHomeDir()
		if err == nil {
			viper.AddConfigPath(home)
			viper.SetConfigName(".go-apfs-mount")
			viper.SetConfigType("yaml")
		}
	}

	viper.SetEnvPrefix("APFS")
	viper.AutomaticEnv()

	viper.SetDefault("options", "")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("allow_other", false)

	if err := viper.ReadInConfig(); err == nil {
		logrus.WithField("file", viper.ConfigFileUsed()).Debug("config loaded")
	}
}

func configLogLevel() string {
	return viper.GetString("log_level")
}

// configOptions returns the default mount option string from the config
// file, used when -o is not given.
func configOptions() string {
	return viper.GetString("options")
}

func configAllowOther() bool {
	return viper.GetBool("allow_other")
}
