package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/evidara/trialtrace/core/errors"
	"github.com/evidara/trialtrace/core/sign"
)

type keysOutput struct {
	OK          bool   `json:"ok"`
	KeyID       string `json:"key_id,omitempty"`
	PrivatePath string `json:"private_path,omitempty"`
	PublicPath  string `json:"public_path,omitempty"`
	Error       string `json:"error,omitempty"`
	ErrorCode   string `json:"error_code,omitempty"`
	Hint        string `json:"hint,omitempty"`
}

func runKeys(arguments []string) int {
	if hasExplainFlag(arguments) {
		return writeExplain("Generate the ed25519 key pair a study uses to attest export root hashes.")
	}
	if len(arguments) == 0 || arguments[0] != "generate" {
		printUsage()
		return exitInvalidInput
	}
	arguments = reorderInterspersedFlags(arguments[1:], map[string]bool{"out": true})
	flagSet := flag.NewFlagSet("keys generate", flag.ContinueOnError)
	flagSet.SetOutput(io.Discard)

	var outDir string
	var jsonOutput bool
	flagSet.StringVar(&outDir, "out", ".", "directory for study.key / study.pub")
	flagSet.BoolVar(&jsonOutput, "json", false, "emit JSON output")
	if err := flagSet.Parse(arguments); err != nil {
		return writeKeysOutput(true, keysFailure(err), exitInvalidInput)
	}

	pair, err := sign.GenerateKeyPair()
	if err != nil {
		return writeKeysOutput(jsonOutput, keysFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	if err := os.MkdirAll(outDir, 0o750); err != nil {
		wrapped := errors.Wrap(err, errors.CategoryIOFailure, "key_write", "create the output directory")
		return writeKeysOutput(jsonOutput, keysFailure(wrapped), exitInternalFailure)
	}
	privatePath := filepath.Join(outDir, "study.key")
	publicPath := filepath.Join(outDir, "study.pub")
	if _, err := os.Stat(privatePath); err == nil {
		wrapped := errors.Wrap(fmt.Errorf("%s already exists", privatePath),
			errors.CategoryInvalidInput, "key_exists", "refusing to overwrite an existing signing key")
		return writeKeysOutput(jsonOutput, keysFailure(wrapped), exitInvalidInput)
	}
	if err := sign.WriteKeyPair(privatePath, publicPath, pair); err != nil {
		return writeKeysOutput(jsonOutput, keysFailure(err), exitCodeForError(err, exitInternalFailure))
	}
	return writeKeysOutput(jsonOutput, keysOutput{
		OK:          true,
		KeyID:       sign.KeyID(pair.Public),
		PrivatePath: privatePath,
		PublicPath:  publicPath,
	}, exitOK)
}

func keysFailure(err error) keysOutput {
	return keysOutput{OK: false, Error: err.Error(), ErrorCode: errors.CodeOf(err), Hint: errors.HintOf(err)}
}

func writeKeysOutput(jsonOutput bool, output keysOutput, exitCode int) int {
	if jsonOutput {
		return writeJSONOutput(output, exitCode)
	}
	if output.Error != "" {
		fmt.Fprintln(os.Stderr, "trialtrace:", output.Error)
		return exitCode
	}
	fmt.Printf("key_id=%s\nprivate=%s\npublic=%s\n", output.KeyID, output.PrivatePath, output.PublicPath)
	return exitCode
}
