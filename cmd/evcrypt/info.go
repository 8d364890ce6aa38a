package main

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/zqbxx/evcrypt/internal/cryptocore"
	"github.com/zqbxx/evcrypt/internal/stream"
)

func newInfoCmd() *cobra.Command {
	var keyHex string

	cmd := &cobra.Command{
		Use:   "info <container>",
		Short: "Print a container's size and info records",
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

			fmt.Printf("raw_file_size: %d\n", st.Size())

			reader := st.InfoRecordReader()
			if reader == nil {
				fmt.Println("info records: none")
				return nil
			}
			for {
				rec, err := reader.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				recs, err := rec.Records()
				if err != nil {
					return err
				}
				for _, r := range recs {
					fmt.Printf("info record %q: %d bytes\n", r.Name, len(r.Data))
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&keyHex, "key", "", "hex-encoded 32-byte key")
	return cmd
}
