package main

import (
	"encoding/hex"
	"os"

	"github.com/spf13/cobra"

	"github.com/zqbxx/evcrypt/internal/cryptocore"
	"github.com/zqbxx/evcrypt/internal/stream"
)

func newCatCmd() *cobra.Command {
	var keyHex string

	cmd := &cobra.Command{
		Use:   "cat <container>",
		Short: "Decrypt a container's content to stdout",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := hex.DecodeString(keyHex)
			if err != nil || len(key) != cryptocore.KeyLen {
				return fatalf("--key must be %d hex-encoded bytes", cryptocore.KeyLen)
			}

			st, err := stream.Open(args[0], key)
			if err != nil {
				return err
			}
			defer st.Close()

			const chunk = 256 * 1024
			for {
				buf, err := st.Read(chunk)
				if err != nil {
					return err
				}
				if len(buf) == 0 {
					break
				}
				if _, err := os.Stdout.Write(buf); err != nil {
					return err
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "hex-encoded 32-byte key")
	return cmd
}
