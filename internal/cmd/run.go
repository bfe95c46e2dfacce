package cmd

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"edgecam/internal/app"
)

// RunCommand は run コマンドを返す
//
// SIGINT / SIGTERM を受け取るまでトリガーを待ち受ける。
func RunCommand() *cli.Command {
	return &cli.Command{
		Name:  "run",
		Usage: "トリガーを待ち受けて画像を配信する",
		Flags: []cli.Flag{
			ConfigFlag,
			&cli.StringFlag{
				Name:  "host",
				Usage: "HTTPサーバーのホスト（指定するとサーバーを有効にする）",
			},
			&cli.IntFlag{
				Name:  "port",
				Usage: "HTTPサーバーのポート（指定するとサーバーを有効にする）",
			},
		},
		Action: runAction,
	}
}

func runAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}

	// コマンドラインオプションで設定を上書き
	if c.IsSet("host") {
		cfg.Server.Host = c.String("host")
		cfg.Server.Enabled = true
	}
	if c.IsSet("port") {
		cfg.Server.Port = c.Int("port")
		cfg.Server.Enabled = true
	}

	log, cleanup, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer cleanup()
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("edgecam を起動します",
		zap.String("version", Version),
		zap.String("config", cfg.Path()),
		zap.String("platform", string(cfg.Platform)),
		zap.String("camera", string(cfg.Camera.Type)))

	a, err := app.New(ctx, cfg, log, app.Deps{})
	if err != nil {
		log.Error("起動に失敗しました", zap.Error(err))
		return cli.Exit(fmt.Sprintf("起動に失敗しました: %v", err), exitError)
	}

	if err := a.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error("異常終了しました", zap.Error(err))
		return cli.Exit(err.Error(), exitError)
	}
	return nil
}
