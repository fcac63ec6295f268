package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/lunabot/cmd/lunabot/cmds"
)

var rootCmd = &cobra.Command{
	Use:   "lunabot",
	Short: "lunabot relays websocket chat prompts to Gemini",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// reinitialize the logger because we can now parse --log-level and co
		// from the command line flag
		return clay.InitLogger()
	},
	SilenceUsage: true,
}

func main() {
	err := cmds.InitViper("lunabot", rootCmd)
	cobra.CheckErr(err)
	err = clay.InitLogger()
	cobra.CheckErr(err)

	rootCmd.AddCommand(cmds.NewServeCommand())
	turnsCmd, err := cmds.NewTurnsCommand()
	cobra.CheckErr(err)
	rootCmd.AddCommand(turnsCmd)

	err = rootCmd.Execute()
	cobra.CheckErr(err)
}
