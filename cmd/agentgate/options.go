package main

import (
	"github.com/jessevdk/go-flags"

	"github.com/cordum/agentgate/core/infra/config"
)

// Options are the command-line flags. The struct tags are interpreted by
// github.com/jessevdk/go-flags.
type Options struct {
	Config      string `short:"f" long:"config" description:"YAML config path (overrides AGENTGATE_CONFIG)"`
	HTTPAddr    string `long:"http-addr" description:"API listen address"`
	MetricsAddr string `long:"metrics-addr" description:"Prometheus listen address"`
	Version     bool   `short:"v" long:"version" description:"print build info and exit"`
}

func parseOptions(args []string) (*Options, error) {
	opts := &Options{}
	parser := flags.NewParser(opts, flags.HelpFlag|flags.PassDoubleDash)
	if _, err := parser.ParseArgs(args); err != nil {
		return nil, err
	}
	return opts, nil
}

// loadConfig resolves the config file path and applies flag overrides,
// which win over both the file and the environment.
func loadConfig(opts *Options) (*config.Config, error) {
	path := opts.Config
	if path == "" {
		path = config.ConfigPathFromEnv()
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, err
	}
	if opts.HTTPAddr != "" {
		cfg.HTTPAddr = opts.HTTPAddr
	}
	if opts.MetricsAddr != "" {
		cfg.MetricsAddr = opts.MetricsAddr
	}
	return cfg, nil
}
