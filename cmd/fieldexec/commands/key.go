package commands

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var keyComment = "fieldexec"
var keyOutPath = ""
var keyPath = ""

var KeyCmd = &cobra.Command{
	Use:   "key",
	Short: "Manage SSH key material",
}

var GenerateKeyCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a new ed25519 keypair",
	Long: `Generate a new ed25519 keypair. The private key is printed to stdout (or
written to --out with owner-only permissions) and the matching
authorized_keys line is printed to stderr.`,
	Run: func(cmd *cobra.Command, _ []string) {
		privateKeyPEM, err := executionService.GenerateKey(cmd.Context(), keyComment)

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		authorizedKeyLine, err := executionService.AuthorizedKeyLine(cmd.Context(), privateKeyPEM, "", keyComment)

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		if keyOutPath != "" {
			if err := os.WriteFile(keyOutPath, []byte(privateKeyPEM), 0600); err != nil {
				cmd.PrintErrf("❌ Error: failed to write %s: %v\n", keyOutPath, err)
				return
			}
			cmd.Printf("✅ Private key written to %s\n", keyOutPath)
		} else {
			fmt.Fprint(cmd.OutOrStdout(), privateKeyPEM)
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "%s\n", strings.TrimSpace(authorizedKeyLine))
	},
}

var InstallKeyCmd = &cobra.Command{
	Use:   "install username@hostname[:port]",
	Short: "Install a public key on a remote host",
	Long: `Install the public half of a keypair into the remote user's
authorized_keys, authenticating once with a password. The key is not added
again if an identical line is already present.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if keyPath == "" {
			cmd.PrintErrf("❌ Error: --key-path is required\n")
			return
		}

		username, hostname, port, err := parseSSHURL(args[0])

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		keyPEM, err := os.ReadFile(keyPath)

		if err != nil {
			cmd.PrintErrf("❌ Error: failed to read SSH key %s: %v\n", keyPath, err)
			return
		}

		passphrase, err := readPasswordSecurely("🔒 Enter SSH key passphrase (leave empty if none): ", cmd.OutOrStdout(), cmd.ErrOrStderr(), false)

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		password, err := readPasswordSecurely("🔒 Enter SSH password: ", cmd.OutOrStdout(), cmd.ErrOrStderr(), false)

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		err = executionService.InstallPublicKey(cmd.Context(), username+"@"+hostname, port, password, string(keyPEM), passphrase, keyComment)

		if err != nil {
			cmd.PrintErrf("❌ Error: %v\n", err)
			return
		}

		cmd.Printf("✅ Public key installed for %s@%s\n", username, hostname)
	},
}

func init() {
	KeyCmd.AddCommand(GenerateKeyCmd)
	KeyCmd.AddCommand(InstallKeyCmd)

	GenerateKeyCmd.Flags().StringVar(&keyComment, "comment", "fieldexec", "Comment attached to the generated key")
	GenerateKeyCmd.Flags().StringVar(&keyOutPath, "out", "", "Write the private key to this file instead of stdout")

	InstallKeyCmd.Flags().StringVar(&keyPath, "key-path", "", "Path to the private key whose public half is installed")
	InstallKeyCmd.Flags().StringVar(&keyComment, "comment", "fieldexec", "Comment attached to the installed key")
}
