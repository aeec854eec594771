// Copyright 2026 The ionsync Authors
// This file is part of the ionsync library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

// Command siteid generates and inspects the site identities relay
// transport sessions authenticate with: a btcec/secp256k1 keypair whose
// public key doubles as the site's relay pubkey, and whose sha256 hash
// (truncated to 16 bytes) is the site's record.SiteID.
package main

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/urfave/cli/v2"

	"github.com/ionsync/engine/record"
)

var jsonFlag = &cli.BoolFlag{
	Name:  "json",
	Usage: "print output as JSON",
}

var privateFlag = &cli.BoolFlag{
	Name:  "private",
	Usage: "include the private key in the output",
}

type keyOutput struct {
	SiteID     string `json:"site_id"`
	PublicKey  string `json:"public_key"`
	PrivateKey string `json:"private_key,omitempty"`
}

func siteIDFromPub(pub *btcec.PublicKey) record.SiteID {
	sum := sha256.Sum256(pub.SerializeCompressed())
	var id record.SiteID
	copy(id[:], sum[:16])
	return id
}

func printKey(ctx *cli.Context, out keyOutput) {
	if ctx.Bool(jsonFlag.Name) {
		fmt.Printf("{\"site_id\":%q,\"public_key\":%q", out.SiteID, out.PublicKey)
		if out.PrivateKey != "" {
			fmt.Printf(",\"private_key\":%q", out.PrivateKey)
		}
		fmt.Println("}")
		return
	}
	fmt.Println("Site ID:     ", out.SiteID)
	fmt.Println("Public key:  ", out.PublicKey)
	if out.PrivateKey != "" {
		fmt.Println("Private key: ", out.PrivateKey)
	}
}

var commandNew = &cli.Command{
	Name:  "new",
	Usage: "generate a new site identity",
	Flags: []cli.Flag{jsonFlag, privateFlag},
	Action: func(ctx *cli.Context) error {
		priv, err := btcec.NewPrivateKey()
		if err != nil {
			return fmt.Errorf("generate key: %w", err)
		}
		out := keyOutput{
			SiteID:    siteIDFromPub(priv.PubKey()).String(),
			PublicKey: hex.EncodeToString(priv.PubKey().SerializeCompressed()),
		}
		if ctx.Bool(privateFlag.Name) {
			out.PrivateKey = hex.EncodeToString(priv.Serialize())
		}
		printKey(ctx, out)
		return nil
	},
}

var commandInspect = &cli.Command{
	Name:      "inspect",
	Usage:     "derive the site id and public key from a private key file",
	ArgsUsage: "<keyfile>",
	Description: `
Reads a hex-encoded secp256k1 private key from <keyfile> and prints the
site id and public key it corresponds to.`,
	Flags: []cli.Flag{jsonFlag, privateFlag},
	Action: func(ctx *cli.Context) error {
		keyfilePath := ctx.Args().First()
		if keyfilePath == "" {
			return fmt.Errorf("missing <keyfile> argument")
		}
		raw, err := os.ReadFile(keyfilePath)
		if err != nil {
			return fmt.Errorf("read keyfile: %w", err)
		}
		privBytes, err := hex.DecodeString(trimNewline(raw))
		if err != nil {
			return fmt.Errorf("decode keyfile: %w", err)
		}
		priv, pub := btcec.PrivKeyFromBytes(privBytes)
		out := keyOutput{
			SiteID:    siteIDFromPub(pub).String(),
			PublicKey: hex.EncodeToString(pub.SerializeCompressed()),
		}
		if ctx.Bool(privateFlag.Name) {
			out.PrivateKey = hex.EncodeToString(priv.Serialize())
		}
		printKey(ctx, out)
		return nil
	},
}

func trimNewline(b []byte) string {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return string(b)
}

func main() {
	app := &cli.App{
		Name:  "siteid",
		Usage: "generate and inspect ionsync site identities",
		Commands: []*cli.Command{
			commandNew,
			commandInspect,
		},
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
