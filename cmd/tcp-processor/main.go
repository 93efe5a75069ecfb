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

package main

import (
	"context"
	"log"
	"os"
	"path/filepath"

	"github.com/fatih/color"
	"github.com/urfave/cli"
	"go.uber.org/automaxprocs/maxprocs"
	"go.uber.org/zap"

	"github.com/xtaci/messaging-relay/lifecycle"
	"github.com/xtaci/messaging-relay/metrics"
	"github.com/xtaci/messaging-relay/msgconfig"
	"github.com/xtaci/messaging-relay/relay"
	"github.com/xtaci/messaging-relay/sinklog"
)

var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	if _, err := maxprocs.Set(); err != nil {
		log.Println("automaxprocs:", err)
	}

	app := cli.NewApp()
	app.Name = "tcp-processor"
	app.Usage = "stream server: drains forwarded records from udp-processor"
	app.Version = VERSION
	app.Flags = msgconfig.Flags()
	app.ArgsUsage = "tcp-listen"
	app.Action = run

	if err := app.Run(os.Args); err != nil {
		color.Red("%v", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := msgconfig.FromCLI(c)
	if err != nil {
		return err
	}

	log.Println("version:", VERSION)
	log.Println("tcp listen:", cfg.TCPListen)
	log.Println("workers:", cfg.Workers)
	log.Println("metrics addr:", cfg.MetricsAddr)

	zapCfg := zap.NewProductionConfig()
	if cfg.Verbose {
		zapCfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	zl, err := zapCfg.Build()
	if err != nil {
		return err
	}
	defer zl.Sync()
	log2 := zl.Sugar()

	lc := lifecycle.New(log2)

	sink, err := sinklog.Open(filepath.Join(cfg.LogDir, "tcp_messaages.log"))
	if err != nil {
		return err
	}
	lc.Register("sink", sink.Close)

	m := metrics.New("tcp")
	ctx := lc.Context(context.Background())
	go m.SampleMemory(ctx, metrics.DefaultSampleInterval, log2)
	go metrics.Serve(ctx, cfg.MetricsAddr, m, log2)

	srv, err := relay.NewServer(cfg.TCPListen, relay.Options{
		Workers:  cfg.Workers,
		Capacity: cfg.Capacity,
		Sink:     sink,
		Metrics:  m,
		Log:      log2,
	})
	if err != nil {
		return err
	}

	go func() {
		if err := srv.Run(ctx); err != nil {
			log2.Errorw("stream server exited", "error", err)
			lc.Stop()
		}
	}()

	<-lc.Done()
	return lc.Shutdown()
}
