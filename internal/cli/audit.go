package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/audit"
	"github.com/wardenlabs/warden/internal/config"
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect the local audit mirror",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the audit mirror's hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if cfg.Audit.MirrorPath == "" {
			return fmt.Errorf("no audit mirror configured (audit.mirror_path)")
		}
		n, err := audit.VerifyMirror(cfg.Audit.MirrorPath)
		if err != nil {
			return fmt.Errorf("chain broken after %d entries: %w", n, err)
		}
		fmt.Printf("audit mirror intact: %d entries verified\n", n)
		return nil
	},
}
