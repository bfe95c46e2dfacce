// Package cmd は edgecam バイナリのサブコマンドを提供する
package cmd

import (
	"fmt"

	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"edgecam/internal/config"
	"edgecam/internal/logger"
)

// 終了コード
const (
	exitOK          = 0
	exitError       = 1 // 起動・実行時のエラー
	exitConfig      = 2 // 設定ファイルの読み込み・検証エラー
	exitNotUploaded = 3 // capture でアップロードできなかった
)

// ConfigFlag は設定ファイルのパス
var ConfigFlag = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "設定ファイルのパス",
	Value:   config.DefaultFile,
	EnvVars: []string{"EDGECAM_CONFIG"},
}

func loadConfig(c *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(c.String(ConfigFlag.Name))
	if err != nil {
		return nil, cli.Exit(fmt.Sprintf("設定の読み込みに失敗しました: %v", err), exitConfig)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config) (*zap.Logger, func(), error) {
	log, cleanup, err := logger.New(cfg.Log)
	if err != nil {
		return nil, nil, cli.Exit(fmt.Sprintf("ロガーの作成に失敗しました: %v", err), exitConfig)
	}
	return log, cleanup, nil
}
