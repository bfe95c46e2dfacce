package cmd

import (
	"errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/urfave/cli/v2"

	"edgecam/internal/app"
	"edgecam/internal/camera"
)

// newDiscovery はテストで差し替える
var newDiscovery = func() camera.Discovery { return camera.NewLinuxDiscovery() }

// DiscoverCommand は discover コマンドを返す
func DiscoverCommand() *cli.Command {
	return &cli.Command{
		Name:  "discover",
		Usage: "接続されているカメラデバイスを一覧表示する",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "probe",
				Usage: "各デバイスを開いてフレームが読めるか確認する",
			},
			&cli.StringFlag{
				Name:  "backend",
				Usage: "確認に使うバックエンド",
				Value: camera.BackendFFmpeg,
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "1デバイスあたりの確認のタイムアウト",
				Value: defaultProbeTimeout,
			},
		},
		Action: discoverAction,
	}
}

func discoverAction(c *cli.Context) error {
	if runtime.GOOS == "windows" {
		return cli.Exit("Windowsではデバイスの自動検出に対応していません", exitError)
	}

	d := newDiscovery()
	devices, err := d.ScanDevices(c.Context)
	if err != nil {
		return cli.Exit(fmt.Sprintf("デバイスの検索に失敗しました: %v", err), exitError)
	}
	if len(devices) == 0 {
		fmt.Fprintln(c.App.Writer, "カメラデバイスが見つかりません")
		return nil
	}

	for _, device := range devices {
		info, err := d.GetDeviceInfo(c.Context, device)
		if err != nil {
			fmt.Fprintf(c.App.Writer, "%s\t(情報を取得できません: %v)\n", device, err)
			continue
		}
		fmt.Fprintf(c.App.Writer, "%s\t%s\t%s\n", info.Device, info.Name, strings.Join(info.Formats, ","))
	}

	if !c.Bool("probe") {
		return nil
	}

	factory := app.NewFactory()
	src := camera.SourceConfig{
		Kind:     camera.KindUSB,
		Backend:  c.String("backend"),
		Platform: camera.PlatformLinux,
		Width:    640,
		Height:   480,
	}
	device, err := camera.FindWorkingCamera(c.Context, d, func(device string) (camera.Opener, error) {
		s := src
		s.Device = device
		return factory.NewOpener(s)
	}, c.Duration("timeout"))
	if errors.Is(err, camera.ErrNoWorkingCamera) {
		return cli.Exit("フレームを読み取れるデバイスがありません", exitError)
	}
	if err != nil {
		return cli.Exit(err.Error(), exitError)
	}
	fmt.Fprintf(c.App.Writer, "使用可能なデバイス: %s\n", device)
	return nil
}
