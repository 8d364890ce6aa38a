package main

import (
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/zqbxx/evcrypt/internal/cryptocore"
	"github.com/zqbxx/evcrypt/internal/header"
	"github.com/zqbxx/evcrypt/internal/inforecord"
	"github.com/zqbxx/evcrypt/internal/keystore"
	"github.com/zqbxx/evcrypt/internal/writer"
)

func newEncryptCmd() *cobra.Command {
	var (
		keyHex     string
		blockSize  int64
		infoNames  []string
		infoFiles  []string
		useArgon2  bool
	)

	cmd := &cobra.Command{
		Use:   "encrypt <input> <output>",
		Short: "Encrypt a file into a container",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := resolveKey(keyHex, useArgon2)
			if err != nil {
				return err
			}

			if len(infoNames) != len(infoFiles) {
				return fatalf("--info-name and --info-file must be given the same number of times")
			}
			records := inforecord.New()
			for i, name := range infoNames {
				f, err := openInfoFile(infoFiles[i])
				if err != nil {
					return err
				}
				defer f.Close()
				if err := records.Add([]byte(name), inforecord.FromFile(f)); err != nil {
					return err
				}
			}

			bs := blockSize
			if bs <= 0 {
				bs = header.DefaultBlockSize
			}

			var bar *progressbar.ProgressBar
			hook := func(i, total int) {
				if bar == nil {
					bar = progressbar.NewOptions(total,
						progressbar.OptionSetDescription("encrypting"),
						progressbar.OptionShowCount(),
						progressbar.OptionOnCompletion(func() { fmt.Println() }),
					)
				}
				_ = bar.Set(i + 1)
			}

			if err := writer.WriteEncryptedFile(key, args[0], args[1], []*inforecord.InfoRecord{records}, bs, hook); err != nil {
				return err
			}
			log.Info().Str("output", args[1]).Msg("wrote container")
			return nil
		},
	}

	cmd.Flags().StringVar(&keyHex, "key", "", "hex-encoded 32-byte key, or the passphrase when --argon2 is set (required)")
	cmd.Flags().Int64Var(&blockSize, "block-size", header.DefaultBlockSize, "plaintext block size in bytes")
	cmd.Flags().StringArrayVar(&infoNames, "info-name", nil, "name of an info record to attach (paired with --info-file)")
	cmd.Flags().StringArrayVar(&infoFiles, "info-file", nil, "path whose contents become an info record's payload")
	cmd.Flags().BoolVar(&useArgon2, "argon2", false, "derive --key as an Argon2id passphrase hash instead of treating it as raw hex")
	return cmd
}

func resolveKey(keyHex string, useArgon2 bool) ([]byte, error) {
	if keyHex == "" {
		return nil, fatalf("--key is required")
	}
	if useArgon2 {
		kdf := keystore.NewArgon2idKDF()
		return kdf.DeriveKey([]byte(keyHex))
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fatalf("--key is not valid hex: %v", err)
	}
	if len(key) != cryptocore.KeyLen {
		return nil, fatalf("--key must decode to %d bytes, got %d", cryptocore.KeyLen, len(key))
	}
	return key, nil
}
