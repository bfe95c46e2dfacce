package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
)

// NewApp はすべてのサブコマンドを登録した cli.App を返す
func NewApp(commit string) *cli.App {
	return &cli.App{
		Name:    "edgecam",
		Usage:   "トリガーを受けてカメラ画像を推論サーバーへ送るエッジエージェント",
		Version: fmt.Sprintf("%s (commit: %s)", Version, commit),
		Commands: []*cli.Command{
			RunCommand(),
			CheckConfigCommand(),
			DiscoverCommand(),
			CaptureCommand(),
			VersionCommand(commit),
		},
	}
}
