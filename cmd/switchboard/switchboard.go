// Copyright (C) 2025 Michael J. Fromberger. All Rights Reserved.

// Program switchboard is a command-line utility for running and interacting
// with a switchboard gateway.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"

	"github.com/creachadair/switchboard"
	"github.com/creachadair/switchboard/gateway"
	"github.com/creachadair/switchboard/wire"
)

var flags struct {
	Socket string `flag:"socket,default=/tmp/switchboard.sock,Path of the gateway socket"`
	Codec  string `flag:"codec,default=json,Payload codec (json or msgpack)"`
}

var serveFlags struct {
	MaxDepth int  `flag:"max-depth,default=100,Maximum routed call depth"`
	Verbose  bool `flag:"v,Enable debug logging"`
}

var callFlags struct {
	From    string        `flag:"from,default=cli,Service name to register the caller as"`
	Timeout time.Duration `flag:"timeout,default=30s,Call timeout"`
}

func main() {
	root := &command.C{
		Name:     filepath.Base(os.Args[0]),
		Help:     "Run and interact with a switchboard gateway.",
		SetFlags: command.Flags(flax.MustBind, &flags),
		Commands: []*command.C{
			{
				Name:     "serve",
				Help:     "Run a gateway on the configured socket until interrupted.",
				SetFlags: command.Flags(flax.MustBind, &serveFlags),
				Run:      runServe,
			},
			{
				Name:     "call",
				Usage:    "<service> <method> [json-params]",
				Help:     "Issue a single call as an ephemeral client and print the result.",
				SetFlags: command.Flags(flax.MustBind, &callFlags),
				Run:      runCall,
			},
			{
				Name: "services",
				Help: "List the services registered with the gateway.",
				Run:  runServices,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

func pickCodec() (wire.Codec, error) { return wire.CodecByName(flags.Codec) }

func runServe(env *command.Env) error {
	codec, err := pickCodec()
	if err != nil {
		return err
	}
	level := slog.LevelInfo
	if serveFlags.Verbose {
		level = slog.LevelDebug
	}
	g := gateway.New(gateway.Options{
		Codec:        codec,
		MaxCallDepth: serveFlags.MaxDepth,
		Logger:       slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	})
	if err := g.Start(flags.Socket); err != nil {
		return fmt.Errorf("start gateway: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	return g.Stop()
}

func runCall(env *command.Env) error {
	if len(env.Args) < 2 {
		return env.Usagef("Missing service and method arguments")
	}
	target, method := env.Args[0], env.Args[1]
	var params any
	if len(env.Args) > 2 {
		if err := json.Unmarshal([]byte(env.Args[2]), &params); err != nil {
			return fmt.Errorf("invalid params: %w", err)
		}
	}

	c, err := dial(callFlags.From, callFlags.Timeout)
	if err != nil {
		return err
	}
	defer c.Close()

	data, err := c.Call(context.Background(), target, method, params)
	if err != nil {
		return err
	}
	return printJSON(data)
}

func runServices(env *command.Env) error {
	c, err := dial("cli", 10*time.Second)
	if err != nil {
		return err
	}
	defer c.Close()

	data, err := c.Call(context.Background(), gateway.Name, "services", nil)
	if err != nil {
		return err
	}
	return printJSON(data)
}

// dial connects an ephemeral client to the configured gateway.
func dial(service string, timeout time.Duration) (*switchboard.Client, error) {
	codec, err := pickCodec()
	if err != nil {
		return nil, err
	}
	c := switchboard.New(switchboard.Options{
		Service:          service,
		Gateway:          flags.Socket,
		Codec:            codec,
		CallTimeout:      timeout,
		DisableReconnect: true,
	})
	if err := c.Connect(context.Background()); err != nil {
		return nil, fmt.Errorf("connect to gateway: %w", err)
	}
	return c, nil
}

func printJSON(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
