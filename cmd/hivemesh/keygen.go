package main

import (
	"encoding/hex"
	"fmt"

	"github.com/hivemesh/hivemesh/internal/crypto"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an X25519 key pair for sealed payloads",
	RunE: func(cmd *cobra.Command, args []string) error {
		keys, err := crypto.GenerateKeyPair()
		if err != nil {
			return err
		}
		fmt.Printf("public:  %s\n", hex.EncodeToString(keys.Public[:]))
		fmt.Printf("private: %s\n", hex.EncodeToString(keys.Private[:]))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
