package main

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/strings1/qkd-key-provisioning/cmd/flags"
	"github.com/strings1/qkd-key-provisioning/keyloader"
	"github.com/strings1/qkd-key-provisioning/keystream"
	"github.com/strings1/qkd-key-provisioning/session"
)

var bytesFlag = &cli.IntFlag{
	Name:  "bytes",
	Value: 32,
	Usage: "number of key bytes to request",
}
var rawFlag = &cli.BoolFlag{
	Name:  "raw",
	Usage: "write raw bytes to stdout instead of hex",
}

func main() {
	app := &cli.App{
		Name:  "qkd-client",
		Usage: "Consume key material from a QKD key-manager service",
		Flags: append([]cli.Flag{flags.ServiceURLFlag, flags.PeerURLFlag}, flags.CommonFlags...),
		Commands: []*cli.Command{
			{
				Name:        "rand",
				Usage:       "stream key material as a randomness source",
				Description: "Opens a session lazily and serves the requested number of bytes, refetching from the service as needed.",
				Flags:       []cli.Flag{bytesFlag, rawFlag},
				Action: func(cCtx *cli.Context) error {
					return runRand(cCtx, flags.SetupLogger(cCtx))
				},
			},
			{
				Name:        "keys",
				Usage:       "load the session keypair from a two-party setup",
				Description: "Opens and connects a session on the sender, then loads the private key from the sender and the public key from the receiver.",
				Action: func(cCtx *cli.Context) error {
					return runKeys(cCtx, flags.SetupLogger(cCtx))
				},
			},
			{
				Name:        "e2e",
				Usage:       "verify both parties agree on fetched key material",
				Flags:       []cli.Flag{},
				Action: func(cCtx *cli.Context) error {
					return runE2E(cCtx, flags.SetupLogger(cCtx))
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func runRand(cCtx *cli.Context, logger *slog.Logger) error {
	mgr, err := session.NewManager(cCtx.String(flags.ServiceURLFlag.Name), logger)
	if err != nil {
		return err
	}

	reader := keystream.NewReader(mgr)
	defer reader.Close()

	buf := make([]byte, cCtx.Int(bytesFlag.Name))
	n, err := reader.ReadContext(cCtx.Context, buf)
	if err != nil {
		if n > 0 {
			logger.Warn("partial key material", "requested", len(buf), "served", n, "err", err)
		} else {
			return err
		}
	}

	if cCtx.Bool(rawFlag.Name) {
		_, err = os.Stdout.Write(buf[:n])
		return err
	}
	fmt.Println(hex.EncodeToString(buf[:n]))
	return nil
}

func runKeys(cCtx *cli.Context, logger *slog.Logger) error {
	senderURL := cCtx.String(flags.ServiceURLFlag.Name)
	receiverURL := cCtx.String(flags.PeerURLFlag.Name)
	if receiverURL == "" {
		return errors.New("keys requires --peer-url for the receiver party")
	}

	sender, err := session.NewManager(senderURL, logger)
	if err != nil {
		return err
	}
	receiver, err := session.NewManager(receiverURL, logger)
	if err != nil {
		return err
	}

	ctx := cCtx.Context
	sess, err := sender.Dial(ctx)
	if err != nil {
		return err
	}
	defer sender.Close(context.Background(), sess)

	// The handle propagated to the receiver during open; connect its side too.
	recvSess := receiver.Adopt(sess.Handle())
	if err := receiver.Connect(ctx, recvSess); err != nil {
		return err
	}
	defer receiver.Close(context.Background(), recvSess)

	loader := &keyloader.Loader{}
	priv, err := loader.PrivateKey(ctx, senderURL, sess)
	if err != nil {
		return fmt.Errorf("could not load private key: %w", err)
	}
	pub, err := loader.PublicKey(ctx, receiverURL, recvSess)
	if err != nil {
		return fmt.Errorf("could not load public key: %w", err)
	}

	logger.Info("loaded session keypair",
		"handle", sess.Handle(),
		"privateType", fmt.Sprintf("%T", priv),
		"publicType", fmt.Sprintf("%T", pub),
	)

	if edPriv, ok := priv.(ed25519.PrivateKey); ok {
		if edPub, ok := pub.(ed25519.PublicKey); ok && !edPub.Equal(edPriv.Public()) {
			return errors.New("loaded public key does not match the private key")
		}
	}

	fmt.Printf("handle=%s private=%T public=%T\n", sess.Handle(), priv, pub)
	return nil
}

func runE2E(cCtx *cli.Context, logger *slog.Logger) error {
	aliceURL := cCtx.String(flags.ServiceURLFlag.Name)
	bobURL := cCtx.String(flags.PeerURLFlag.Name)
	if bobURL == "" {
		return errors.New("e2e requires --peer-url for the second party")
	}

	alice, err := session.NewManager(aliceURL, logger)
	if err != nil {
		return err
	}
	bob, err := session.NewManager(bobURL, logger)
	if err != nil {
		return err
	}

	ctx := cCtx.Context
	sess, err := alice.Dial(ctx)
	if err != nil {
		return err
	}
	defer alice.Close(context.Background(), sess)
	logger.Info("session open", "handle", sess.Handle())

	bobSess := bob.Adopt(sess.Handle())
	if err := bob.Connect(ctx, bobSess); err != nil {
		return err
	}
	defer bob.Close(context.Background(), bobSess)

	aliceKey, err := alice.Fetch(ctx, sess)
	if err != nil {
		return err
	}
	bobKey, err := bob.Fetch(ctx, bobSess)
	if err != nil {
		return err
	}

	if !bytes.Equal(aliceKey, bobKey) {
		return errors.New("parties disagree on fetched key material")
	}

	fmt.Printf("both parties agree on %d key bytes\n", len(aliceKey))
	return nil
}
