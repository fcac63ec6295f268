package cmds

import (
	"os"
	"strings"

	clay "github.com/go-go-golems/clay/pkg"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// legacyEnv maps config keys to the unprefixed variables the web client
// deployment already sets.
var legacyEnv = map[string][]string{
	"port":    {"PORT"},
	"api-key": {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// InitViper loads .env, then lets clay set up viper (--config, logging
// flags, APPNAME_ env prefix, config file lookup) and binds the legacy
// env names on top.
func InitViper(appName string, rootCmd *cobra.Command) error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return errors.Wrap(err, "load .env")
	}
	if err := clay.InitViper(appName, rootCmd); err != nil {
		return errors.Wrap(err, "init viper")
	}
	return bindLegacyEnv(appName)
}

func bindLegacyEnv(appName string) error {
	prefix := strings.ToUpper(appName)
	for key, names := range legacyEnv {
		args := append([]string{key, prefix + "_" + strings.ToUpper(strings.ReplaceAll(key, "-", "_"))}, names...)
		if err := viper.BindEnv(args...); err != nil {
			return errors.Wrapf(err, "bind env %s", key)
		}
	}
	return nil
}
