/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/fatih/color"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/peertalk/peertalk"
	"github.com/peertalk/peertalk/config"
	"github.com/peertalk/peertalk/protocol"
	"github.com/peertalk/peertalk/registry"
	"github.com/peertalk/peertalk/stats"
)

var runConfigPath string
var runPollInterval time.Duration

func init() {
	RootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVarP(&runConfigPath, "config", "c", "/etc/peertalkd.ini", "path to peertalkd.ini")
	runCmd.Flags().DurationVar(&runPollInterval, "poll-interval", 30*time.Millisecond, "cooperative poll loop tick interval")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the PeerTalk discovery and messaging daemon",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := runDaemon(runConfigPath, runPollInterval); err != nil {
			log.Fatal(err)
		}
	},
}

func runDaemon(configPath string, pollInterval time.Duration) error {
	file, err := config.Load(configPath)
	if err != nil {
		return err
	}
	applyLogLevel(file.LogLevel)

	ctx, err := peertalk.New(file.Peertalk)
	if err != nil {
		return err
	}

	st := stats.New()
	go st.Start(file.MonitoringPort)

	ctx.SetCallbacks(peertalk.Callbacks{
		OnPeerDiscovered: func(p registry.PeerInfo) {
			log.Infof("%s peer discovered: %s", color.GreenString("+"), p.Name)
		},
		OnPeerLost: func(p registry.PeerInfo) {
			log.Infof("%s peer lost: %s", color.YellowString("-"), p.Name)
		},
		OnPeerConnected: func(p registry.PeerInfo) {
			log.Infof("%s peer connected: %s", color.GreenString("+"), p.Name)
		},
		OnPeerDisconnected: func(p registry.PeerInfo) {
			mark := color.YellowString("-")
			if p.State == registry.Failed {
				mark = color.RedString("-")
			}
			log.Infof("%s peer disconnected: %s", mark, p.Name)
		},
		OnMessageReceived: func(id registry.PeerID, msgType protocol.MessageType, data []byte) {
			log.Debugf("received %d bytes (type %s) from peer %d", len(data), msgType, id)
		},
	})
	ctx.StartDiscovery()

	sigStop := make(chan os.Signal, 1)
	signal.Notify(sigStop, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)

	notifySystemdReady()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sigStop:
			log.Warning("shutting down")
			return ctx.Shutdown()
		case <-ticker.C:
			ctx.Poll()
			st.ObservePeers(ctx.Peers())
			notifySystemdWatchdog()
		}
	}
}

func notifySystemdReady() {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if !supported {
		return
	}
	if err != nil {
		log.WithError(err).Warning("failed to notify systemd of readiness")
	}
}

func notifySystemdWatchdog() {
	supported, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog)
	if !supported {
		return
	}
	if err != nil {
		log.WithError(err).Debug("failed to notify systemd watchdog")
	}
}

func applyLogLevel(level string) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		log.WithField("level", level).Warning("unrecognized log level, defaulting to info")
		return
	}
	log.SetLevel(lvl)
}
