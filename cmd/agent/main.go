//go:build linux

package main

import (
	"io"
	"os"

	"github.com/Hara602/fanguard/internal/config"
	"github.com/Hara602/fanguard/internal/sysutil"
	"github.com/alecthomas/kong"
	"go.uber.org/zap"
)

type cli struct {
	Config   string `short:"c" type:"path" default:"${config_path}" env:"FANGUARD_CONFIG" help:"Agent configuration file"`
	LogLevel string `name:"log-level" help:"Override the configured log level (debug, info, warn, error)"`
	Database string `type:"path" help:"Override the configured policy database"`

	Run    runCmd    `cmd:"" default:"1" help:"Run the agent (default)"`
	Rule   ruleCmd   `cmd:"" help:"Manage path rules"`
	Device deviceCmd `cmd:"" help:"Manage the USB device block list"`
	Audit  auditCmd  `cmd:"" help:"Show the audit trail"`
}

// app 是各子命令共享的运行环境
type app struct {
	cfg *config.Config
	log *zap.Logger
	out io.Writer
}

func (c *cli) AfterApply(kctx *kong.Context) error {
	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}
	if c.LogLevel != "" {
		cfg.LogLevel = c.LogLevel
	}
	if c.Database != "" {
		cfg.Database = c.Database
	}
	if err := sysutil.InitLogger(cfg.LogLevel, cfg.LogJSON); err != nil {
		return err
	}
	kctx.Bind(&app{cfg: cfg, log: sysutil.Log, out: kctx.Stdout})
	return nil
}

func parser(c *cli, opts ...kong.Option) (*kong.Kong, error) {
	opts = append([]kong.Option{
		kong.Name("fanguard"),
		kong.Description("USB and file access guard built on fanotify."),
		kong.UsageOnError(),
		kong.Vars{"config_path": config.DefaultPath},
	}, opts...)
	return kong.New(c, opts...)
}

func main() {
	var c cli
	k, err := parser(&c)
	if err != nil {
		panic(err)
	}
	kctx, err := k.Parse(os.Args[1:])
	k.FatalIfErrorf(err)

	err = kctx.Run()
	sysutil.Log.Sync()
	kctx.FatalIfErrorf(err)
}
