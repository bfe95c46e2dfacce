package cmd

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"edgecam/internal/config"
)

// CheckConfigCommand は check-config コマンドを返す
func CheckConfigCommand() *cli.Command {
	return &cli.Command{
		Name:   "check-config",
		Usage:  "設定ファイルを読み込んで検証する",
		Flags:  []cli.Flag{ConfigFlag},
		Action: checkConfigAction,
	}
}

func checkConfigAction(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	if w := cfg.PlatformWarning(); w != "" {
		fmt.Fprintf(c.App.ErrWriter, "警告: %s\n", w)
	}
	printSummary(c.App.Writer, cfg)
	return nil
}

func printSummary(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "設定ファイル: %s\n", cfg.Path())
	fmt.Fprintf(w, "platform:     %s\n", cfg.Platform)

	src := cfg.Source()
	switch {
	case src.URL != "":
		fmt.Fprintf(w, "camera:       %s %s\n", src.Kind, src.URL)
	case src.Device != "":
		fmt.Fprintf(w, "camera:       %s %s\n", src.Kind, src.Device)
	default:
		fmt.Fprintf(w, "camera:       %s (自動検出)\n", src.Kind)
	}
	fmt.Fprintf(w, "size:         %dx%d gamma=%.2f\n", src.Width, src.Height, cfg.Camera.Gamma)
	fmt.Fprintf(w, "mvi:          %s device=%s\n", cfg.MVI.Endpoint, cfg.MVI.DeviceID)

	if cfg.MQTT.Enabled() {
		fmt.Fprintf(w, "mqtt:         %s topic=%s\n", cfg.MQTTTrigger().BrokerURL(), cfg.MQTT.Topic)
	}
	if cfg.Redis.Enabled() {
		fmt.Fprintf(w, "redis:        channel=%s\n", cfg.Redis.Channel)
	}
	if cfg.Server.Enabled {
		fmt.Fprintf(w, "server:       %s\n", cfg.ServerAddress())
	}
	fmt.Fprintln(w, "OK")
}
