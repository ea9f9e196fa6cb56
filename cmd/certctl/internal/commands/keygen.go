package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/wolfeidau/certlane/internal/sealer"
	"github.com/wolfeidau/certlane/internal/signer"
)

type KeygenCmd struct {
	Kind string `help:"key kind" default:"signer" enum:"signer,sealer"`
	Out  string `help:"write the private key to this file (mode 0600) instead of stdout" type:"path"`
}

type generatedKey struct {
	Kind         string `json:"kind"`
	PrivateKey   string `json:"privateKey,omitempty"`
	PublicKeyHex string `json:"publicKeyHex,omitempty"`
	Address      string `json:"address,omitempty"`
	KeyFile      string `json:"keyFile,omitempty"`
}

func (k *KeygenCmd) Run(ctx context.Context, globals *Globals) error {
	return k.run(os.Stdout)
}

func (k *KeygenCmd) run(out io.Writer) error {
	res := generatedKey{Kind: k.Kind}

	switch k.Kind {
	case "sealer":
		key, err := sealer.GenerateKey()
		if err != nil {
			return err
		}
		res.PrivateKey = key
	default:
		s, err := signer.GenerateKey()
		if err != nil {
			return err
		}
		res.PrivateKey = s.PrivateKeyHex()
		res.PublicKeyHex = s.PublicKeyHex()
		res.Address = s.Address()
	}

	if k.Out != "" {
		if err := os.WriteFile(k.Out, []byte(res.PrivateKey+"\n"), 0o600); err != nil {
			return fmt.Errorf("failed to write key file: %w", err)
		}
		res.KeyFile = k.Out
		res.PrivateKey = ""
	}
	return printJSON(out, res)
}
