package main

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"forumhall/pkg/ofscp"
	"forumhall/pkg/server"
)

func keygenCmd() *cobra.Command {
	var outFile string

	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 device keypair",
		Long: `Generate a fresh Ed25519 device keypair. The public key is what gets
registered as a device key; the private key stays with the client and is
never sent to the server.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ofscp.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("failed to generate keypair: %w", err)
			}

			out := map[string]string{
				"keyId":      "dk_" + strings.ReplaceAll(uuid.NewString(), "-", ""),
				"algorithm":  ofscp.AlgorithmEd25519,
				"publicKey":  pub,
				"privateKey": base64.StdEncoding.EncodeToString(priv),
			}
			encoded, err := json.MarshalIndent(out, "", "  ")
			if err != nil {
				return err
			}
			encoded = append(encoded, '\n')

			if outFile != "" {
				if err := os.WriteFile(outFile, encoded, 0o600); err != nil {
					return fmt.Errorf("failed to write key file: %w", err)
				}
				fmt.Printf("Wrote keypair to %s\n", outFile)
				return nil
			}
			fmt.Print(string(encoded))
			return nil
		},
	}

	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the keypair to a file instead of stdout")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("forumhall %s (protocol %s)\n", server.SoftwareVersion, ofscp.ProtocolVersion)
		},
	}
}
