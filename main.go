// Package main は edgecam CLI のエントリーポイント
//
// 使用方法:
//
//	edgecam <command> [options]
//
// 終了コード:
//   - 0: 正常終了
//   - 1: 起動・実行時のエラー
//   - 2: 設定ファイルのエラー
//   - 3: capture でアップロードできなかった
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"edgecam/internal/cmd"
)

// commit はビルド時に ldflags で設定する
var commit = "unknown"

func main() {
	app := cmd.NewApp(commit)
	app.ExitErrHandler = exitErrHandler

	if err := app.Run(os.Args); err != nil {
		// cli.ExitCoder は exitErrHandler で終了済み
		os.Exit(1)
	}
}

// exitErrHandler は cli.Exit の終了コードを保ったまま終了する
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()

		// cli.Exit("", N) のメッセージは表示しない
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "エラー: %v\n", err)
	os.Exit(1)
}
