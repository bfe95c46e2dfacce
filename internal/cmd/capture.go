package cmd

import (
	"fmt"
	"time"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"edgecam/internal/agent"
	"edgecam/internal/app"
)

const (
	defaultProbeTimeout = 2 * time.Second
	defaultFirstFrame   = 5 * time.Second
)

// CaptureCommand は capture コマンドを返す
//
// トリガーを待たずに1回だけ取得してアップロードする。
func CaptureCommand() *cli.Command {
	return &cli.Command{
		Name:  "capture",
		Usage: "1回だけ画像を取得してアップロードする",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.DurationFlag{
				Name:  "wait",
				Usage: "最初の有効なフレームを待つ時間",
				Value: defaultFirstFrame,
			},
		},
		Action: captureAction,
	}
}

func captureAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	log, cleanup, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() { _ = log.Sync() }()

	a, err := app.New(c.Context, cfg, log, app.Deps{})
	if err != nil {
		log.Error("起動に失敗しました", zap.Error(err))
		return cli.Exit(fmt.Sprintf("起動に失敗しました: %v", err), exitError)
	}
	defer a.Close()

	out := a.DeliverOnce(c.Context, c.Duration("wait"))
	fmt.Fprintf(c.App.Writer, "outcome: %s\n", out)
	if out != agent.OutcomeUploaded {
		return cli.Exit("", exitNotUploaded)
	}
	return nil
}
