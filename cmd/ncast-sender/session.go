// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"

	"github.com/nishisan-dev/n-cast/internal/config"
	"github.com/nishisan-dev/n-cast/internal/console"
	"github.com/nishisan-dev/n-cast/internal/daemon"
	"github.com/nishisan-dev/n-cast/internal/logging"
	"github.com/nishisan-dev/n-cast/internal/observability"
	"github.com/nishisan-dev/n-cast/internal/sender"
	"github.com/nishisan-dev/n-cast/internal/stats"
	"github.com/nishisan-dev/n-cast/internal/storage"
	"github.com/nishisan-dev/n-cast/internal/transport"
)

// senderApp monta e executa sessões do sender a partir da configuração.
type senderApp struct {
	logger      *slog.Logger
	tracker     *observability.Tracker
	progress    bool
	interactive bool
}

// runner adapta runSession ao scheduler do daemon.
func (a *senderApp) runner(cfg *config.SenderConfig) daemon.SessionFunc {
	return func(ctx context.Context, sessionID string) error {
		return a.runSession(ctx, cfg, sessionID)
	}
}

func (a *senderApp) runSession(ctx context.Context, cfg *config.SenderConfig, sessionID string) (err error) {
	logger, logCloser, logPath, err := logging.NewSessionLogger(a.logger, cfg.Logging.SessionDir, "sender", sessionID)
	if err != nil {
		return err
	}
	defer func() {
		logCloser.Close()
		if err == nil && !cfg.Logging.KeepSessionLogs {
			logging.RemoveSessionLog(cfg.Logging.SessionDir, "sender", sessionID)
		} else if logPath != "" {
			a.logger.Info("session log kept", "session", sessionID, "path", logPath)
		}
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ep, err := transport.ResolveInterface(cfg.Network.Interface)
	if err != nil {
		return err
	}
	group := cfg.Network.GroupAddr
	if !group.IsValid() {
		group = ep.Multicast()
	}

	udp, err := transport.ListenUDP(transport.UDPConfig{
		Interface: ep.Interface,
		Local:     netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(cfg.SenderPort())),
		TTL:       cfg.Network.TTL,
		SndBuf:    int(cfg.Network.SndBufRaw),
		DSCP:      cfg.Network.DSCPValue,
		Broadcast: true,
	})
	if err != nil {
		return err
	}
	defer udp.Close()
	conn := transport.NewLimitConn(ctx, udp, cfg.Network.MaxRateRaw)

	src, err := storage.OpenSource(ctx, storage.SourceConfig{
		Path:        cfg.Source.Path,
		Compression: cfg.Source.Compression,
		Limit:       cfg.Source.SizeRaw,
		S3:          cfg.Source.S3,
	})
	if err != nil {
		return err
	}
	defer src.Close()

	var trace *stats.Trace
	if cfg.Stats.TraceFile != "" {
		trace = stats.NewTrace()
	}

	t := cfg.Transfer
	s := sender.New(sender.Config{
		SessionID:      sessionID,
		BlockSize:      t.BlockSize,
		SliceSize:      t.SliceSize,
		MinSliceSize:   t.MinSliceSize,
		MaxSliceSize:   t.MaxSliceSize,
		MaxClients:     t.MaxClients,
		BufferSize:     t.BufferSizeRaw,
		ReadChunk:      int(t.ReadChunkRaw),
		PollInterval:   t.PollInterval,
		AckTimeout:     t.AckTimeout,
		MaxWaitRetries: t.MaxWaitRetries,
		HelloInterval:  cfg.Start.HelloInterval,
		StartWait:      cfg.Start.Wait,
		MinClients:     cfg.Start.MinClients,
		P2P:            cfg.Network.P2P,
		HelloAddr:      netip.AddrPortFrom(ep.Broadcast(), uint16(cfg.ReceiverPort())),
		DataAddr:       netip.AddrPortFrom(group, uint16(cfg.ReceiverPort())),
	}, conn, src, logger, trace)

	logger.Info("session ready",
		"interface", ep.Interface.Name,
		"addr", ep.Addr(),
		"group", group,
		"source", cfg.Source.Path,
		"size", src.Size(),
	)

	a.tracker.Attach(s)

	var monitor *stats.HostMonitor
	if cfg.Stats.Monitor {
		monitor = stats.NewHostMonitor(logger, sourceDisk(cfg.Source.Path), ep.Interface.Name, 0)
		monitor.Start()
		defer monitor.Stop()
	}
	reporter := stats.NewReporter(s.Counters(), monitor, logger, cfg.Stats.Interval)
	reporter.Start()
	defer reporter.Stop()

	if a.progress {
		progress := stats.NewProgressReporter("send", s.Counters(), src.Size())
		defer progress.Stop()
	}
	if a.interactive {
		fmt.Fprintln(os.Stderr, "press Enter to start the transfer, q to abort")
		go console.Watch(ctx, os.Stdin, console.Commands{Start: s.Start, Quit: cancel})
	}

	sum, runErr := s.Run(ctx)
	a.tracker.Finish(sessionID, sum, runErr)

	if trace != nil {
		path := tracePath(cfg.Stats.TraceFile, sessionID)
		if werr := trace.WriteFile(path); werr != nil {
			logger.Warn("writing trace file", "path", path, "error", werr)
		} else {
			logger.Info("trace written", "path", path, "events", len(trace.Events()))
		}
	}
	return runErr
}

// tracePath expande {session} no caminho do trace.
func tracePath(path, sessionID string) string {
	return strings.ReplaceAll(path, "{session}", sessionID)
}

// sourceDisk escolhe o filesystem amostrado pelo monitor.
func sourceDisk(path string) string {
	if path == "" || path == "-" || strings.HasPrefix(path, "s3://") || strings.HasPrefix(path, "/dev/") {
		return "/"
	}
	return filepath.Dir(path)
}
