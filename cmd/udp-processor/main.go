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

	"github.com/xtaci/messaging-relay/dedup"
	"github.com/xtaci/messaging-relay/ingest"
	"github.com/xtaci/messaging-relay/lifecycle"
	"github.com/xtaci/messaging-relay/metrics"
	"github.com/xtaci/messaging-relay/msgconfig"
	"github.com/xtaci/messaging-relay/sinklog"
)

// VERSION is populated via build flags when packaging official binaries.
var VERSION = "SELFBUILD"

func main() {
	if VERSION == "SELFBUILD" {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}
	if _, err := maxprocs.Set(); err != nil {
		log.Println("automaxprocs:", err)
	}

	app := cli.NewApp()
	app.Name = "udp-processor"
	app.Usage = "datagram receiver: dedups and forwards to a tcp-processor"
	app.Version = VERSION
	app.Flags = msgconfig.Flags()
	app.ArgsUsage = "udp-listen-1 udp-listen-2 tcp-target"
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
	log.Println("udp listen 1:", cfg.UDPListen1)
	log.Println("udp listen 2:", cfg.UDPListen2)
	log.Println("tcp target:", cfg.TCPListen)
	log.Println("index variant:", cfg.Variant)
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

	var idx dedup.Index
	if cfg.Variant == msgconfig.VariantBlocking {
		idx = dedup.NewBlockingIndex(dedup.DefaultBlockingCapacity, log2)
	} else {
		idx = dedup.NewLockFreeIndex(dedup.DefaultLockFreeCapacity, log2)
	}
	lc.Register("index", idx.Close)

	sink, err := sinklog.Open(filepath.Join(cfg.LogDir, "udp_messaages.log"))
	if err != nil {
		return err
	}
	lc.Register("sink", sink.Close)

	m := metrics.New("udp")
	if rh, ok := idx.(interface{ OnResize(func()) }); ok {
		rh.OnResize(m.Resizes.Inc)
	}

	ctx := lc.Context(context.Background())
	go m.SampleMemory(ctx, metrics.DefaultSampleInterval, log2)
	go m.SampleSize(ctx, metrics.DefaultSampleInterval, idx)
	go metrics.Serve(ctx, cfg.MetricsAddr, m, log2)

	forwarder, err := ingest.DialTCPForwarder(cfg.TCPListen)
	if err != nil {
		return err
	}
	lc.Register("forwarder", forwarder.Close)

	receivers := make([]*ingest.Receiver, 0, 2)
	for _, addr := range []string{cfg.UDPListen1, cfg.UDPListen2} {
		recv, err := ingest.NewReceiver(addr, ingest.Options{
			Index:     idx.NewAccessor(),
			Forwarder: forwarder,
			Sink:      sink,
			Metrics:   m,
			Log:       log2,
			Lifecycle: lc,
		})
		if err != nil {
			return err
		}
		lc.Register("receiver:"+addr, recv.Close)
		receivers = append(receivers, recv)
	}

	for _, recv := range receivers {
		recv := recv
		go func() {
			if err := recv.Run(); err != nil {
				log2.Errorw("receiver exited", "error", err)
				lc.Stop()
			}
		}()
	}

	<-lc.Done()
	return lc.Shutdown()
}
