package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/AbuAR/superhero-wallet/vault"
)

const seedLen = 32

func newKeystoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keystore",
		Short: "Manage encrypted keystores",
	}

	seal := &cobra.Command{
		Use:   "seal",
		Short: "Encrypt a seed into a keystore file",
		Long: "Encrypt a hex seed (or a freshly generated one) under a password and " +
			"write the keystore for the popup to pass to unlockWallet.",
		RunE: runKeystoreSeal,
	}
	seal.Flags().String("seed-file", "", "File holding the hex seed; a random seed is generated when empty")
	seal.Flags().String("out", "keystore.cbor", "Output path")

	cmd.AddCommand(seal)
	return cmd
}

func runKeystoreSeal(cmd *cobra.Command, args []string) error {
	seedFile, _ := cmd.Flags().GetString("seed-file")
	out, _ := cmd.Flags().GetString("out")

	seed, err := loadSeed(seedFile)
	if err != nil {
		return err
	}
	defer clear(seed)

	password, err := readNewPassword(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer clear(password)

	params, err := vault.DefaultKDFParams()
	if err != nil {
		return err
	}
	blob, err := vault.SealSeed(password, seed, params)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, blob, 0o600); err != nil {
		return fmt.Errorf("failed to write keystore: %w", err)
	}

	v := vault.New(nil)
	res, err := v.Generate(cmd.Context(), seed)
	v.Lock(context.Background())
	if err != nil || !res.Generate {
		return fmt.Errorf("seed rejected")
	}
	fmt.Fprintf(cmd.OutOrStdout(), "keystore: %s\naddress:  %s\n", out, res.Address)
	return nil
}

func loadSeed(path string) ([]byte, error) {
	if path == "" {
		seed := make([]byte, seedLen)
		if _, err := rand.Read(seed); err != nil {
			return nil, fmt.Errorf("failed to generate seed: %w", err)
		}
		return seed, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	seed, err := hex.DecodeString(strings.TrimSpace(string(data)))
	clear(data)
	if err != nil {
		return nil, fmt.Errorf("seed file is not hex: %w", err)
	}
	return seed, nil
}

// readNewPassword prompts twice on the terminal.
func readNewPassword(prompt io.Writer) ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, fmt.Errorf("stdin is not a terminal")
	}

	fmt.Fprint(prompt, "Password: ")
	first, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}

	fmt.Fprint(prompt, "Repeat password: ")
	second, err := term.ReadPassword(fd)
	fmt.Fprintln(prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to read password: %w", err)
	}
	defer clear(second)

	if len(first) == 0 {
		return nil, fmt.Errorf("empty password")
	}
	if !bytes.Equal(first, second) {
		clear(first)
		return nil, fmt.Errorf("passwords do not match")
	}
	return first, nil
}
