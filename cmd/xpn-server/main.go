// Command xpn-server runs one partition member: the data channel
// (dispatcher.Dispatcher over internal/transport.Listener) and, when
// --controller-addr is set, the membership controller channel
// (spec.md §6's "Controller channel").
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/dariomnz/xpn/internal/checkpoint"
	"github.com/dariomnz/xpn/internal/config"
	"github.com/dariomnz/xpn/internal/dispatcher"
	"github.com/dariomnz/xpn/internal/membership"
	"github.com/dariomnz/xpn/internal/metrics"
	"github.com/dariomnz/xpn/internal/nfi"
	"github.com/dariomnz/xpn/internal/transport"
	"github.com/dariomnz/xpn/internal/xlog"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to the partition configuration YAML")
	partitionName := flag.String("partition", "", "name of the partition this process serves")
	index := flag.Int("index", -1, "index of this process in the partition's server list")
	controllerAddr := flag.String("controller-addr", "", "address to bind the membership controller channel on (disabled if empty)")
	metricsAddr := flag.String("metrics-addr", "", "override the partition's metrics.Collector bind address")
	flag.Parse()

	logger := xlog.New(xlog.DefaultConfig())

	if *configPath == "" || *partitionName == "" || *index < 0 {
		fmt.Fprintln(os.Stderr, "usage: xpn-server --config FILE --partition NAME --index N [--controller-addr ADDR]")
		return 22 // EINVAL
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Errorf("load config: %v", err)
		return 5
	}
	partition, err := cfg.Find(*partitionName)
	if err != nil {
		logger.Errorf("find partition: %v", err)
		return 22
	}
	if *index >= len(partition.Servers) {
		logger.Errorf("index %d out of range for partition %q (%d servers)", *index, *partitionName, len(partition.Servers))
		return 22
	}
	self := partition.Servers[*index]

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	metricsCfg := metrics.DefaultConfig()
	if *metricsAddr != "" {
		metricsCfg.Addr = *metricsAddr
	}
	collector := metrics.New(metricsCfg)
	if err := collector.Start(ctx); err != nil {
		logger.Warnf("metrics collector start failed: %v", err)
	}
	defer collector.Stop(context.Background())

	store, err := checkpoint.New(ctx, checkpoint.Options{
		Kind:   partition.Checkpoint.Kind,
		Path:   partition.Checkpoint.Path,
		Bucket: partition.Checkpoint.Bucket,
		Region: partition.Checkpoint.Region,
		Prefix: partition.Checkpoint.Prefix,
	})
	if err != nil {
		logger.Errorf("checkpoint store init: %v", err)
		return 5
	}

	d := dispatcher.New(self.DirBase, logger)
	d.Checkpointer = store
	d.Metrics = collector

	ln, err := transport.Listen(self.Address(), d.Serve, logger)
	if err != nil {
		logger.Errorf("listen %s: %v", self.Address(), err)
		return 5
	}
	defer ln.Close()
	logger.Infof("xpn-server serving partition %q index %d on %s", partition.Name, *index, self.Address())

	if *controllerAddr != "" {
		startControllerChannel(ctx, logger, partition, *controllerAddr)
	}

	if err := ln.Serve(ctx); err != nil {
		logger.Errorf("serve: %v", err)
		return 5
	}
	return 0
}

// startControllerChannel binds the membership controller channel in the
// background, only meaningful on the process elected to host it (not
// every partition member runs one).
func startControllerChannel(ctx context.Context, logger *xlog.Logger, partition config.Partition, addr string) {
	dial := func(dialCtx context.Context, srv config.Server) (*nfi.NFI, error) {
		dialer := transport.SocketDialer{DialTimeout: partition.ConnectTimeout, Logger: logger}
		ch, err := dialer.Dial(dialCtx, srv.Address())
		if err != nil {
			return nil, err
		}
		return nfi.New(ch), nil
	}
	controller := membership.NewController(partition, dial, logger)
	controller.StartHealthMonitoring(ctx)
	server := membership.NewServer(controller, logger)

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logger.Errorf("controller channel listen %s: %v", addr, err)
		return
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()
	go func() {
		if err := server.Serve(ctx, ln); err != nil {
			logger.Warnf("controller channel serve: %v", err)
		}
	}()
	logger.Infof("membership controller channel listening on %s", addr)
}
