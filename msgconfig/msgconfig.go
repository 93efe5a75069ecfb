// The MIT License (MIT)
//
// # Copyright (c) 2016 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

// Package msgconfig assembles process configuration from CLI flags layered
// over environment variables and an optional .env file, the same layering
// order the teacher's own CLI tools use (urfave/cli flags, with
// caarlos0/env and joho/godotenv filling unset values from the process
// environment).
package msgconfig

import (
	"net"
	"strconv"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/urfave/cli"
)

// Variant selects which dedup.Index implementation a binary runs.
type Variant string

const (
	VariantBlocking Variant = "blocking"
	VariantLockFree Variant = "lockfree"
)

// Config holds every knob shared across the udp-processor, tcp-processor
// and messaged binaries.
type Config struct {
	UDPListen1 string  `env:"UDP_LISTEN_1"`
	UDPListen2 string  `env:"UDP_LISTEN_2"`
	TCPListen  string  `env:"TCP_LISTEN"`
	Workers    int     `env:"WORKERS" envDefault:"12"`
	Capacity   int     `env:"QUEUE_CAPACITY" envDefault:"1024"`
	Variant    Variant `env:"INDEX_VARIANT" envDefault:"lockfree"`
	Verbose    bool    `env:"VERBOSE"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9100"`
	LogDir     string  `env:"LOG_DIR" envDefault:"."`
}

// Validate enforces the invariants spec §6 requires of the CLI surface:
// ports in [0,65535], at least one worker, a variant name we recognize.
func (c *Config) Validate() error {
	for _, addr := range []string{c.UDPListen1, c.UDPListen2, c.TCPListen} {
		if addr == "" {
			continue
		}
		if _, port, err := splitHostPort(addr); err != nil {
			return errors.Wrapf(err, "invalid listen address %q", addr)
		} else if port < 0 || port > 65535 {
			return errors.Errorf("port %d out of range [0,65535] in %q", port, addr)
		}
	}
	if c.Workers < 1 {
		return errors.Errorf("workers must be >= 1, got %d", c.Workers)
	}
	if c.Capacity < 1 {
		return errors.Errorf("capacity must be >= 1, got %d", c.Capacity)
	}
	if c.Variant != VariantBlocking && c.Variant != VariantLockFree {
		return errors.Errorf("unknown index variant %q", c.Variant)
	}
	return nil
}

// Flags returns the urfave/cli flag set shared by every binary's app
// definition; each cmd wires it into its own cli.App and positional-arg
// handling (the listen addresses themselves are positional, per spec §6).
func Flags() []cli.Flag {
	return []cli.Flag{
		cli.IntFlag{Name: "workers", Value: 12, Usage: "stream worker pool size"},
		cli.IntFlag{Name: "capacity", Value: 1024, Usage: "handle queue capacity"},
		cli.StringFlag{Name: "variant", Value: string(VariantLockFree), Usage: "dedup index variant: blocking|lockfree"},
		cli.BoolFlag{Name: "verbose", Usage: "enable debug logging"},
		cli.StringFlag{Name: "metrics-addr", Value: ":9100", Usage: "address for the /metrics and /debug/pprof HTTP server"},
		cli.StringFlag{Name: "log-dir", Value: ".", Usage: "directory for the text log sinks"},
		cli.StringFlag{Name: "env-file", Usage: "optional .env file to load before resolving configuration"},
	}
}

// FromCLI builds a Config from a cli.Context, with environment variables
// (and an optional .env file) able to fill in defaults the flags didn't
// override explicitly.
func FromCLI(c *cli.Context) (*Config, error) {
	if path := c.String("env-file"); path != "" {
		if err := godotenv.Load(path); err != nil {
			return nil, errors.Wrapf(err, "load env file %s", path)
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.Wrap(err, "parse environment configuration")
	}

	if c.IsSet("workers") || cfg.Workers == 0 {
		cfg.Workers = c.Int("workers")
	}
	if c.IsSet("capacity") || cfg.Capacity == 0 {
		cfg.Capacity = c.Int("capacity")
	}
	if c.IsSet("variant") || cfg.Variant == "" {
		cfg.Variant = Variant(c.String("variant"))
	}
	if c.Bool("verbose") {
		cfg.Verbose = true
	}
	if c.IsSet("metrics-addr") || cfg.MetricsAddr == "" {
		cfg.MetricsAddr = c.String("metrics-addr")
	}
	if c.IsSet("log-dir") || cfg.LogDir == "" {
		cfg.LogDir = c.String("log-dir")
	}

	args := c.Args()
	switch len(args) {
	case 1:
		cfg.TCPListen = args[0]
	case 3:
		cfg.UDPListen1, cfg.UDPListen2, cfg.TCPListen = args[0], args[1], args[2]
	default:
		return nil, errors.New("expected either 1 positional arg (tcp) or 3 (udp1 udp2 tcp)")
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func splitHostPort(addr string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, errors.Wrap(err, "parse port")
	}
	return host, port, nil
}
