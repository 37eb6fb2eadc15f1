package main

import (
	"flag"
	"os"
	"path/filepath"

	"go.uber.org/fx"

	"homechat/internal/daemon"
)

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".homechat", "homechat.toml")
}

func main() {
	configFlag := flag.String("config", "", "path to homechat.toml (defaults to ~/.homechat/homechat.toml)")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	app := fx.New(
		daemon.Module(daemon.Params{ConfigPath: configPath}),
	)

	app.Run()
}
