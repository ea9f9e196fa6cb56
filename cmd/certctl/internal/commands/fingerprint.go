package commands

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/wolfeidau/certlane/internal/canonical"
)

type FingerprintCmd struct {
	File string `arg:"" help:"JSON file to fingerprint (- for stdin)" default:"-"`
	Raw  bool   `help:"hash the whole canonical document instead of a package fingerprint"`
}

func (f *FingerprintCmd) Run(ctx context.Context, globals *Globals) error {
	data, err := readInput(f.File)
	if err != nil {
		return err
	}
	fp, err := f.fingerprint(data)
	if err != nil {
		return err
	}
	fmt.Println(fp)
	return nil
}

func (f *FingerprintCmd) fingerprint(data []byte) (string, error) {
	if f.Raw {
		canon, err := canonical.CanonicalizeJSON(data)
		if err != nil {
			return "", err
		}
		return canonical.SHA256Hex(canon), nil
	}
	return canonical.ComputeFingerprintJSON(data)
}

func readInput(path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(os.Stdin)
	}
	return os.ReadFile(path)
}
