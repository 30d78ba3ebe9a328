package main

import (
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/strings1/qkd-key-provisioning/cmd/flags"
	"github.com/strings1/qkd-key-provisioning/qkdsim"
)

var nodeFlags []cli.Flag = append([]cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:5000",
		Usage: "address to listen on for the key-manager API",
	},
	flags.PeerURLFlag,
	&cli.StringFlag{
		Name:     "seed",
		Required: true,
		Usage:    "hex-encoded derivation seed, at least 16 bytes; both parties must share it",
	},
	&cli.IntFlag{
		Name:  "key-bytes",
		Value: 32,
		Usage: "size of each served key block in bytes",
	},
	&cli.StringFlag{
		Name:  "key-mode",
		Value: "buffer",
		Usage: "what qkd_get_key serves: 'buffer', 'private-pem' or 'public-pem'",
	},
	flags.PprofFlag,
	flags.DrainSecondsFlag,
}, flags.CommonFlags...)

func main() {
	app := &cli.App{
		Name:  "qkd-node",
		Usage: "Serve the QKD key-manager API from a simulated node",
		Flags: nodeFlags,
		Action: func(cCtx *cli.Context) error {
			logger := flags.SetupLogger(cCtx)

			seed, err := hex.DecodeString(cCtx.String("seed"))
			if err != nil || len(seed) < 16 {
				logger.Error("Invalid seed - must be hex, at least 32 chars (16 bytes)", "err", err)
				return fmt.Errorf("invalid seed: %v", err)
			}

			mode, err := qkdsim.ParseKeyMode(cCtx.String("key-mode"))
			if err != nil {
				logger.Error("Invalid key-mode", "err", err)
				return err
			}

			node, err := qkdsim.NewNode(qkdsim.Config{
				Seed:     seed,
				PeerURL:  cCtx.String(flags.PeerURLFlag.Name),
				KeyBytes: cCtx.Int("key-bytes"),
				Mode:     mode,
				Log:      logger,
			})
			if err != nil {
				logger.Error("Failed to create node", "err", err)
				return err
			}

			server, err := qkdsim.NewServer(&qkdsim.ServerConfig{
				ListenAddr:               cCtx.String("listen-addr"),
				EnablePprof:              cCtx.Bool(flags.PprofFlag.Name),
				Log:                      logger,
				DrainDuration:            time.Duration(cCtx.Int64(flags.DrainSecondsFlag.Name)) * time.Second,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}, node)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Node is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
