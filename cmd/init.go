package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"sandboxprobe/internal/config"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default profile",
		Long: `Generate a default sandboxprobe.yaml in the current directory (or at --config).
The default profile troubleshoots a Neovim config: it installs Neovim,
restores plugins in the background and collects health and plugin status.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cwd, _ := os.Getwd()
			printer.Printf("📂 Current directory: %s\n", cwd)

			path := configPath()
			if err := config.WriteDefaultProfile(path, force); err != nil {
				return err
			}
			printer.Printf("✅ Created %s\n", path)

			printer.Printf("\n💡 Next steps:\n")
			printer.Printf("   - Set SANDBOX_HOST, SANDBOX_USER and SANDBOX_IDENTITY_FILE (or a .env next to the profile)\n")
			printer.Printf("   - Use 'sandboxprobe phases' to review the plan\n")
			printer.Printf("   - Use 'sandboxprobe collect' to see which files will be uploaded\n")
			printer.Printf("   - Use 'sandboxprobe run' to start a session\n")
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing profile")

	return cmd
}
