// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command irc-relay bridges an IRC channel to a Mattermost channel or a
// Matrix room. IRC users are relayed through one primary IRC session;
// every remote user gets an IRC session of their own.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"go.mau.fi/util/exzerolog"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/irc-relay/pkg/ircconn"
	"github.com/aiku/irc-relay/pkg/relay"
	"github.com/aiku/irc-relay/pkg/remote/matrix"
	"github.com/aiku/irc-relay/pkg/remote/mattermost"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

const name = "irc-relay"

var (
	configPath         = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	showVersion        = flag.MakeFull("v", "version", "View relay version and quit.", "false").Bool()
	wantHelp, _        = flag.MakeHelpFlag()
)

func main() {
	flag.SetHelpTitles(
		name+" - relay an IRC channel to Mattermost or Matrix.",
		name+" [-hve] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *showVersion {
		fmt.Printf("%s %s (commit %s, built %s)\n", name, Tag, Commit, BuildTime)
		os.Exit(0)
	} else if *writeExampleConfig {
		if err := writeExample(*configPath); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		os.Exit(0)
	}

	if err := run(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func writeExample(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("refusing to overwrite existing %s", path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to check %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(relay.ExampleConfig), 0o600); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}
	return nil
}

func run() error {
	cfg, err := relay.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	exzerolog.SetupDefaults(log)

	remote, err := newRemote(cfg, *log)
	if err != nil {
		return err
	}
	dialer := ircconn.NewDialer(ircconn.ConfigFrom(cfg.IRC), *log)
	bridge := relay.NewBridge(cfg, dialer, remote, nil, *log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("version", Tag).
		Str("server", cfg.IRC.Server).
		Str("channel", cfg.IRC.Channel).
		Str("remote", cfg.Remote.Type).
		Msg("Starting IRC relay")
	if err := bridge.Run(ctx); err != nil {
		log.Error().Err(err).Msg("Relay stopped with error")
		return err
	}
	log.Info().Msg("Relay stopped")
	return nil
}

func newRemote(cfg *relay.Config, log zerolog.Logger) (relay.Remote, error) {
	switch cfg.Remote.Type {
	case relay.RemoteMattermost:
		return mattermost.New(cfg.Remote.Mattermost, log), nil
	case relay.RemoteMatrix:
		remote, err := matrix.New(cfg.Remote.Matrix, log)
		if err != nil {
			return nil, err
		}
		return remote, nil
	default:
		return nil, fmt.Errorf("unsupported remote type %q", cfg.Remote.Type)
	}
}
