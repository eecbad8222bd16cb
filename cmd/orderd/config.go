package main

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type config struct {
	Addr          string        `env:"ORDERD_ADDR" envDefault:":8080"`
	ShutdownGrace time.Duration `env:"ORDERD_SHUTDOWN_GRACE" envDefault:"5s"`
	InboxSize     int           `env:"ORDERD_INBOX_SIZE" envDefault:"16"`
	StaleAfter    time.Duration `env:"ORDERD_STALE_AFTER" envDefault:"30m"`
	LogLevel      string        `env:"ORDERD_LOG_LEVEL" envDefault:"info"`
}

func loadConfig() (config, error) {
	var cfg config
	if err := env.Parse(&cfg); err != nil {
		return config{}, err
	}
	return cfg, nil
}
