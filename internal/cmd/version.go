package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// Version は edgecam のバージョン
const Version = "0.1.0"

// VersionCommand は version コマンドを返す
func VersionCommand(commit string) *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "バージョンを表示する",
		Action: func(c *cli.Context) error {
			_, err := fmt.Fprintf(c.App.Writer, "edgecam %s (commit: %s)\n", Version, commit)
			return err
		},
	}
}
