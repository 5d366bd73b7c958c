package cli

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wardenlabs/warden/internal/cache"
	"github.com/wardenlabs/warden/internal/config"
	"github.com/wardenlabs/warden/internal/policy"
)

var checkStale bool

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().BoolVar(&checkStale, "stale", false, "Use the cached policy even if its TTL has expired")
}

var checkCmd = &cobra.Command{
	Use:   "check <tool>",
	Short: "Evaluate one tool name against the cached policy (dry-run)",
	Long:  "Decides a single tool call from the local cache without contacting the\ncontrol plane. Exit code 0 = allowed, 3 = blocked.",
	Args:  cobra.ExactArgs(1),
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store := cache.New(cfg.Cache.Path)
	rec, ok := store.Load(cfg.Cache.TTL)
	if !ok && checkStale {
		rec, ok = store.LoadStale()
	}
	if !ok {
		return fmt.Errorf("no usable policy cache at %s (try --stale, or run the sidecar first)", cfg.Cache.Path)
	}

	aliases, err := cfg.LoadAliases()
	if err != nil {
		return err
	}

	verdict := policy.Decide(&rec.Snapshot, aliases, args[0])
	out, _ := json.MarshalIndent(map[string]any{
		"tool":           args[0],
		"allowed":        verdict.Allowed,
		"reason":         verdict.Reason,
		"message":        verdict.Message,
		"policy_version": rec.Snapshot.Version,
	}, "", "  ")
	fmt.Println(string(out))

	if !verdict.Allowed {
		os.Exit(3)
	}
	return nil
}
