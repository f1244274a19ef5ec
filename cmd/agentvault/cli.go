package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agentvault/agentvault/pkg/codec"
	"github.com/agentvault/agentvault/pkg/config"
	"github.com/agentvault/agentvault/pkg/logger"
	"github.com/agentvault/agentvault/pkg/vault"
)

func executeCLI() error {
	return buildRootCommand().Execute()
}

func buildRootCommand() *cobra.Command {
	var (
		showVersion bool
		configPath  string
		debug       bool
	)

	root := &cobra.Command{
		Use:   "agentvault",
		Short: "Encrypted, versioned memory vaults for AI agents",
		Long: strings.TrimSpace(`agentvault manages per-agent memory vaults: named, versioned,
content-addressed memory shards with envelope encryption, full-text retrieval,
retention sweeps, and capability-scoped sharing.`),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				printVersion()
				return nil
			}
			_ = cmd.Help()
			return fmt.Errorf("a subcommand is required")
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.Flags().BoolVarP(&showVersion, "version", "v", false, "Show build/version metadata")
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "Path to config file")
	root.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")

	root.AddCommand(newKeygenCommand(&configPath))
	root.AddCommand(newInitCommand(&configPath))
	root.AddCommand(newStoreCommand(&configPath))
	root.AddCommand(newGetCommand(&configPath))
	root.AddCommand(newVersionsCommand(&configPath))
	root.AddCommand(newUpdateCommand(&configPath))
	root.AddCommand(newDeleteCommand(&configPath))
	root.AddCommand(newSearchCommand(&configPath))
	root.AddCommand(newCompressCommand(&configPath))
	root.AddCommand(newShareCommand(&configPath))
	root.AddCommand(newRevokeCommand(&configPath))
	root.AddCommand(newGrantsCommand(&configPath))
	root.AddCommand(newSharedCommand(&configPath))
	root.AddCommand(newStatusCommand(&configPath))
	root.AddCommand(newProfileCommand(&configPath))
	root.AddCommand(newVersionCommand())

	return root
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "agentvault.json"
	}
	return filepath.Join(home, ".agentvault", "config.json")
}

func openService(configPath string) (*vault.Service, vault.Session, error) {
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return nil, vault.Session{}, fmt.Errorf("load config: %w", err)
	}

	sess, err := sessionFromConfig(cfg)
	if err != nil {
		return nil, vault.Session{}, err
	}

	svc, err := vault.NewService(vault.Config{
		Workspace:     cfg.WorkspacePath(),
		SweepSchedule: cfg.Sweep.Schedule,
		Sweep: vault.SweepPolicy{
			Strategy: vault.SweepStrategy(cfg.Sweep.Strategy),
			MaxCount: cfg.Sweep.MaxCount,
			MaxSize:  cfg.Sweep.MaxSize,
			Limit:    cfg.Sweep.Limit,
		},
		WorkerPoll: cfg.WorkerPoll(),
		CacheSize:  cfg.Search.CacheSizeBytes,
	})
	if err != nil {
		return nil, vault.Session{}, err
	}
	return svc, sess, nil
}

func sessionFromConfig(cfg *config.Config) (vault.Session, error) {
	caller := cfg.Identity.Caller
	if caller == "" {
		caller = os.Getenv("USER")
	}
	sess := vault.Session{Caller: caller}

	if cfg.Identity.PublicKeyFile == "" || cfg.Identity.PrivateKeyFile == "" {
		return sess, nil
	}
	pub, err := readKeyFile(cfg.Identity.PublicKeyFile)
	if err != nil {
		return vault.Session{}, err
	}
	priv, err := readKeyFile(cfg.Identity.PrivateKeyFile)
	if err != nil {
		return vault.Session{}, err
	}
	sess.Keys = &codec.KeyPair{Public: pub, Private: priv}
	return sess, nil
}

func readKeyFile(path string) (*[codec.KeySize]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read key file %s: %w", path, err)
	}
	key, err := codec.DecodeHexKey(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("key file %s: %w", path, err)
	}
	return key, nil
}

func newKeygenCommand(configPath *string) *cobra.Command {
	var outDir string

	cmd := &cobra.Command{
		Use:     "keygen",
		Short:   "Generate an encryption key pair",
		Example: "  agentvault keygen --out ~/.agentvault/keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			keys, err := codec.GenerateKeyPair()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(outDir, 0700); err != nil {
				return err
			}
			pubPath := filepath.Join(outDir, "vault.pub")
			privPath := filepath.Join(outDir, "vault.key")
			if err := os.WriteFile(pubPath, []byte(codec.EncodeHexKey(keys.Public)+"\n"), 0644); err != nil {
				return err
			}
			if err := os.WriteFile(privPath, []byte(codec.EncodeHexKey(keys.Private)+"\n"), 0600); err != nil {
				return err
			}
			fmt.Printf("Public key:  %s\n", pubPath)
			fmt.Printf("Private key: %s\n", privPath)
			return nil
		},
	}
	cmd.Flags().StringVarP(&outDir, "out", "o", filepath.Join(filepath.Dir(defaultConfigPath()), "keys"), "Output directory for key files")
	return cmd
}

func newInitCommand(configPath *string) *cobra.Command {
	var agentKey string

	cmd := &cobra.Command{
		Use:     "init",
		Short:   "Create a vault and agent profile for the current caller",
		Example: "  agentvault init --agent assistant",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			encryptionKey := ""
			if sess.Keys != nil {
				encryptionKey = codec.EncodeHexKey(sess.Keys.Public)
			}
			v, p, err := svc.InitializeVault(cmd.Context(), sess, agentKey, encryptionKey)
			if err != nil {
				return err
			}
			fmt.Printf("Vault:   %s (owner %s, agent %s)\n", v.ID, v.Owner, v.AgentKey)
			fmt.Printf("Profile: %s\n", p.ID)
			if encryptionKey == "" {
				fmt.Println("Note: no key pair configured; encrypted storage is unavailable. Run `agentvault keygen` first.")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&agentKey, "agent", "a", "", "Agent key for the new vault (required)")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func newStoreCommand(configPath *string) *cobra.Command {
	var (
		vaultID    string
		memType    string
		importance int
		tags       []string
		file       string
		encrypt    bool
		ttl        time.Duration
	)

	cmd := &cobra.Command{
		Use:   "store <key> [content]",
		Short: "Store a new memory shard",
		Example: strings.Join([]string{
			"  agentvault store prefs/coffee \"likes dark roast\" --vault vlt-1 --type preference --importance 70",
			"  agentvault store notes/design --vault vlt-1 --file design.md --encrypt",
		}, "\n"),
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			content, err := contentFromArgs(args, file)
			if err != nil {
				return err
			}
			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			sh, err := svc.Store(cmd.Context(), sess, vaultID, args[0], content, vault.ShardMetadata{
				Type:       vault.MemoryType(memType),
				Importance: importance,
				Tags:       tags,
			}, vault.StoreOptions{Encrypt: encrypt, TTL: ttl})
			if err != nil {
				return err
			}
			fmt.Printf("Stored %s (version %d, %s)\n", sh.ID, sh.Version, humanize.Bytes(uint64(sh.ContentSize)))
			return nil
		},
	}
	cmd.Flags().StringVar(&vaultID, "vault", "", "Vault ID (required)")
	cmd.Flags().StringVarP(&memType, "type", "t", "knowledge", "Memory type (conversation|learning|preference|task|relationship|knowledge|system)")
	cmd.Flags().IntVarP(&importance, "importance", "i", 50, "Importance 0-100")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Tags (comma separated)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read content from file instead of the argument")
	cmd.Flags().BoolVarP(&encrypt, "encrypt", "e", false, "Encrypt content with the vault key")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Optional time-to-live (e.g. 72h)")
	_ = cmd.MarkFlagRequired("vault")
	return cmd
}

func contentFromArgs(args []string, file string) ([]byte, error) {
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("read content file: %w", err)
		}
		return data, nil
	}
	if len(args) < 2 {
		return nil, fmt.Errorf("content argument or --file is required")
	}
	return []byte(args[1]), nil
}

func newGetCommand(configPath *string) *cobra.Command {
	var (
		vaultID string
		byKey   string
	)

	cmd := &cobra.Command{
		Use:   "get [shard-id]",
		Short: "Retrieve a shard by ID or by vault-scoped key",
		Example: strings.Join([]string{
			"  agentvault get shard-abc123",
			"  agentvault get --vault vlt-1 --key prefs/coffee",
		}, "\n"),
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			var sh vault.MemoryShard
			switch {
			case len(args) == 1:
				sh, err = svc.Retrieve(cmd.Context(), sess, args[0])
			case byKey != "":
				sh, err = svc.RetrieveByKey(cmd.Context(), sess, vaultID, byKey)
			default:
				return fmt.Errorf("a shard ID argument or --vault/--key is required")
			}
			if err != nil {
				return err
			}
			printShard(sh)
			return nil
		},
	}
	cmd.Flags().StringVar(&vaultID, "vault", "", "Vault ID for key lookup")
	cmd.Flags().StringVarP(&byKey, "key", "k", "", "Shard key for key lookup")
	return cmd
}

func printShard(sh vault.MemoryShard) {
	fmt.Printf("ID:         %s\n", sh.ID)
	fmt.Printf("Key:        %s\n", sh.Key)
	fmt.Printf("Type:       %s\n", sh.Metadata.Type)
	fmt.Printf("Importance: %d\n", sh.Metadata.Importance)
	if len(sh.Metadata.Tags) > 0 {
		fmt.Printf("Tags:       %s\n", strings.Join(sh.Metadata.Tags, ", "))
	}
	fmt.Printf("Version:    %d\n", sh.Version)
	fmt.Printf("Size:       %s\n", humanize.Bytes(uint64(sh.ContentSize)))
	fmt.Printf("Hash:       %s\n", sh.ContentHash)
	fmt.Printf("Updated:    %s\n", humanize.Time(time.UnixMilli(sh.UpdatedAtMS)))
	if sh.Encrypted {
		fmt.Println("Encrypted:  yes")
	}
	if sh.Archived {
		fmt.Printf("Archived:   yes (%s)\n", sh.Metadata.ExternalRef)
		return
	}
	fmt.Printf("---\n%s\n", sh.Content)
}

func newVersionsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "versions <shard-id>",
		Short:   "Show a shard's version history",
		Example: "  agentvault versions shard-abc123",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			versions, err := svc.GetVersions(cmd.Context(), sess, args[0])
			if err != nil {
				return err
			}
			for _, ver := range versions {
				fmt.Printf("v%-4d %-10s importance=%-3d %-10s %s\n",
					ver.Version, ver.Type, ver.Importance,
					humanize.Bytes(uint64(ver.ContentSize)),
					humanize.Time(time.UnixMilli(ver.CreatedAtMS)))
			}
			return nil
		},
	}
}

func newUpdateCommand(configPath *string) *cobra.Command {
	var (
		content    string
		file       string
		appendFlag bool
		importance int
		tags       []string
	)

	cmd := &cobra.Command{
		Use:   "update <shard-id>",
		Short: "Update a shard's content or metadata (new version)",
		Example: strings.Join([]string{
			"  agentvault update shard-abc123 --content \"replacement text\"",
			"  agentvault update shard-abc123 --content \" more\" --append",
			"  agentvault update shard-abc123 --importance 90",
		}, "\n"),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			patch := vault.UpdatePatch{Append: appendFlag}
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return fmt.Errorf("read content file: %w", err)
				}
				patch.Content = data
			} else if cmd.Flags().Changed("content") {
				patch.Content = []byte(content)
			}
			if cmd.Flags().Changed("importance") {
				patch.Importance = &importance
			}
			if cmd.Flags().Changed("tags") {
				patch.Tags = tags
			}

			sh, err := svc.Update(cmd.Context(), sess, args[0], patch)
			if err != nil {
				return err
			}
			fmt.Printf("Updated %s to version %d\n", sh.ID, sh.Version)
			return nil
		},
	}
	cmd.Flags().StringVar(&content, "content", "", "New content")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read new content from file")
	cmd.Flags().BoolVar(&appendFlag, "append", false, "Append to existing content instead of replacing")
	cmd.Flags().IntVarP(&importance, "importance", "i", 0, "New importance 0-100")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Replacement tag set")
	return cmd
}

func newDeleteCommand(configPath *string) *cobra.Command {
	var permanent bool

	cmd := &cobra.Command{
		Use:     "delete <shard-id>",
		Short:   "Soft-delete a shard, or purge it permanently",
		Example: "  agentvault delete shard-abc123 --permanent",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Delete(cmd.Context(), sess, args[0], permanent); err != nil {
				return err
			}
			if permanent {
				fmt.Printf("Purged %s and its history\n", args[0])
			} else {
				fmt.Printf("Deleted %s (history retained)\n", args[0])
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&permanent, "permanent", false, "Purge the shard and all versions")
	return cmd
}

func newSearchCommand(configPath *string) *cobra.Command {
	var (
		vaultID          string
		tags             []string
		minImportance    int
		includeEncrypted bool
		includeArchived  bool
		limit            int
	)

	cmd := &cobra.Command{
		Use:     "search [query...]",
		Short:   "Search a vault's shards",
		Example: "  agentvault search coffee preference --vault vlt-1 --tags drink",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			results, err := svc.Search(cmd.Context(), sess, vaultID, vault.SearchQuery{
				Text:             strings.Join(args, " "),
				Tags:             tags,
				MinImportance:    minImportance,
				IncludeEncrypted: includeEncrypted,
				IncludeArchived:  includeArchived,
				Limit:            limit,
			})
			if err != nil {
				return err
			}
			if len(results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for _, r := range results {
				preview := string(r.Shard.Content)
				if len(preview) > 80 {
					preview = preview[:80] + "…"
				}
				preview = strings.ReplaceAll(preview, "\n", " ")
				fmt.Printf("%.2f  %-22s %-12s %s\n", r.Score, r.Shard.Key, r.Shard.Metadata.Type, preview)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&vaultID, "vault", "", "Vault ID (required)")
	cmd.Flags().StringSliceVar(&tags, "tags", nil, "Restrict to shards carrying any of these tags")
	cmd.Flags().IntVar(&minImportance, "min-importance", 0, "Minimum importance")
	cmd.Flags().BoolVar(&includeEncrypted, "include-encrypted", false, "Decrypt and search encrypted shards")
	cmd.Flags().BoolVar(&includeArchived, "include-archived", false, "Include archived shards")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Maximum results")
	_ = cmd.MarkFlagRequired("vault")
	return cmd
}

func newCompressCommand(configPath *string) *cobra.Command {
	var (
		vaultID    string
		policyFile string
		strategy   string
	)

	cmd := &cobra.Command{
		Use:   "compress",
		Short: "Run a retention sweep over a vault",
		Example: strings.Join([]string{
			"  agentvault compress --vault vlt-1 --strategy archive",
			"  agentvault compress --vault vlt-1 --policy sweep.yaml",
		}, "\n"),
		RunE: func(cmd *cobra.Command, args []string) error {
			var policy vault.SweepPolicy
			if policyFile != "" {
				data, err := os.ReadFile(policyFile)
				if err != nil {
					return fmt.Errorf("read policy file: %w", err)
				}
				if err := yaml.Unmarshal(data, &policy); err != nil {
					return fmt.Errorf("parse policy file: %w", err)
				}
			}
			if strategy != "" {
				policy.Strategy = vault.SweepStrategy(strategy)
			}

			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			report, err := svc.Compress(cmd.Context(), sess, vaultID, policy)
			if err != nil {
				return err
			}
			fmt.Printf("Sweep (%s): %d succeeded, %d skipped, %d failed, %s freed\n",
				report.Strategy,
				report.Count(vault.SweepSucceeded),
				report.Count(vault.SweepSkipped),
				report.Count(vault.SweepFailed),
				humanize.Bytes(uint64(report.FreedBytes())))
			for _, r := range report.Results {
				if r.Outcome == vault.SweepSucceeded {
					continue
				}
				fmt.Printf("  %-8s %-22s %s\n", r.Outcome, r.Key, r.Reason)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&vaultID, "vault", "", "Vault ID (required)")
	cmd.Flags().StringVarP(&policyFile, "policy", "p", "", "YAML sweep policy file")
	cmd.Flags().StringVarP(&strategy, "strategy", "s", "", "Sweep strategy (summarize|archive|delete)")
	_ = cmd.MarkFlagRequired("vault")
	return cmd
}

func newShareCommand(configPath *string) *cobra.Command {
	var (
		recipient    string
		recipientKey string
		read         bool
		write        bool
		share        bool
		expiresIn    time.Duration
	)

	cmd := &cobra.Command{
		Use:     "share <shard-id>",
		Short:   "Grant another agent access to a shard",
		Example: "  agentvault share shard-abc123 --to bob --read --recipient-key <hex> --expires-in 72h",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			var pub *[codec.KeySize]byte
			if recipientKey != "" {
				pub, err = codec.DecodeHexKey(recipientKey)
				if err != nil {
					return fmt.Errorf("recipient key: %w", err)
				}
			}
			var expiresAt time.Time
			if expiresIn > 0 {
				expiresAt = time.Now().Add(expiresIn)
			}

			g, err := svc.Grant(cmd.Context(), sess, args[0], recipient,
				vault.Permissions{Read: read, Write: write, Share: share}, pub, expiresAt)
			if err != nil {
				return err
			}
			fmt.Printf("Granted %s to %s (%s)\n", g.ID, g.Recipient, formatPerms(g.Perms))
			return nil
		},
	}
	cmd.Flags().StringVar(&recipient, "to", "", "Recipient identity (required)")
	cmd.Flags().StringVar(&recipientKey, "recipient-key", "", "Recipient public key (hex), required for encrypted shards")
	cmd.Flags().BoolVar(&read, "read", true, "Grant read access")
	cmd.Flags().BoolVar(&write, "write", false, "Grant write access")
	cmd.Flags().BoolVar(&share, "share", false, "Allow the recipient to delegate")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Grant lifetime (e.g. 72h); 0 = no expiry")
	_ = cmd.MarkFlagRequired("to")
	return cmd
}

func formatPerms(p vault.Permissions) string {
	parts := []string{}
	if p.Read {
		parts = append(parts, "read")
	}
	if p.Write {
		parts = append(parts, "write")
	}
	if p.Share {
		parts = append(parts, "share")
	}
	return strings.Join(parts, "+")
}

func newRevokeCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "revoke <grant-id>",
		Short:   "Revoke a share grant",
		Example: "  agentvault revoke grant-abc123",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			if err := svc.Revoke(cmd.Context(), sess, args[0]); err != nil {
				return err
			}
			fmt.Printf("Revoked %s\n", args[0])
			return nil
		},
	}
}

func newGrantsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "grants <shard-id>",
		Short:   "List active grants on a shard",
		Example: "  agentvault grants shard-abc123",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			grants, err := svc.ListGrants(cmd.Context(), sess, args[0])
			if err != nil {
				return err
			}
			if len(grants) == 0 {
				fmt.Println("No active grants.")
				return nil
			}
			for _, g := range grants {
				expiry := "never expires"
				if g.ExpiresAtMS != 0 {
					expiry = "expires " + humanize.Time(time.UnixMilli(g.ExpiresAtMS))
				}
				fmt.Printf("%-14s %-12s %-18s %s\n", g.ID, g.Recipient, formatPerms(g.Perms), expiry)
			}
			return nil
		},
	}
}

func newSharedCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "shared <grant-id>",
		Short:   "Read a shard shared with you",
		Example: "  agentvault shared grant-abc123",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			sh, err := svc.RetrieveShared(cmd.Context(), sess, args[0])
			if err != nil {
				return err
			}
			printShard(sh)
			return nil
		},
	}
}

func newStatusCommand(configPath *string) *cobra.Command {
	var vaultID string

	cmd := &cobra.Command{
		Use:     "status",
		Short:   "Show vault aggregates",
		Example: "  agentvault status --vault vlt-1",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			v, err := svc.GetVault(cmd.Context(), vaultID)
			if err != nil {
				return err
			}
			fmt.Printf("Vault:    %s\n", v.ID)
			fmt.Printf("Owner:    %s\n", v.Owner)
			fmt.Printf("Agent:    %s\n", v.AgentKey)
			fmt.Printf("Shards:   %d\n", v.MemoryCount)
			fmt.Printf("Size:     %s\n", humanize.Bytes(uint64(v.TotalSize)))
			fmt.Printf("Created:  %s\n", humanize.Time(time.UnixMilli(v.CreatedAtMS)))
			fmt.Printf("Updated:  %s\n", humanize.Time(time.UnixMilli(v.UpdatedAtMS)))
			if v.EncryptionKey != "" {
				fmt.Println("Sealed:   encryption key configured")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&vaultID, "vault", "", "Vault ID (required)")
	_ = cmd.MarkFlagRequired("vault")
	return cmd
}

func newProfileCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Inspect and update agent profiles",
	}
	cmd.AddCommand(newProfileShowCommand(configPath))
	cmd.AddCommand(newProfileUpdateCommand(configPath))
	cmd.AddCommand(newProfileTaskCommand(configPath))
	return cmd
}

func newProfileShowCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:     "show <profile-id>",
		Short:   "Show an agent profile",
		Example: "  agentvault profile show prf-abc123",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, _, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			p, err := svc.GetProfile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("Profile:      %s\n", p.ID)
			fmt.Printf("Agent:        %s\n", p.AgentKey)
			fmt.Printf("Display name: %s\n", p.DisplayName)
			if len(p.Capabilities) > 0 {
				fmt.Printf("Capabilities: %s\n", strings.Join(p.Capabilities, ", "))
			}
			fmt.Printf("Reputation:   %d\n", p.Reputation)
			fmt.Printf("Tasks:        %d\n", p.TasksCompleted)
			fmt.Printf("Public:       %v\n", p.Public)
			return nil
		},
	}
}

func newProfileUpdateCommand(configPath *string) *cobra.Command {
	var (
		displayName  string
		capabilities []string
		replace      bool
		public       bool
	)

	cmd := &cobra.Command{
		Use:     "update <profile-id>",
		Short:   "Update an agent profile",
		Example: "  agentvault profile update prf-abc123 --capabilities search,summarize",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			patch := vault.ProfilePatch{Replace: replace}
			if cmd.Flags().Changed("display-name") {
				patch.DisplayName = &displayName
			}
			if cmd.Flags().Changed("capabilities") {
				patch.Capabilities = capabilities
			}
			if cmd.Flags().Changed("public") {
				patch.Public = &public
			}

			p, err := svc.UpdateProfile(cmd.Context(), sess, args[0], patch)
			if err != nil {
				return err
			}
			fmt.Printf("Updated %s (%d capabilities)\n", p.ID, len(p.Capabilities))
			return nil
		},
	}
	cmd.Flags().StringVar(&displayName, "display-name", "", "New display name")
	cmd.Flags().StringSliceVar(&capabilities, "capabilities", nil, "Capability tags (merged unless --replace)")
	cmd.Flags().BoolVar(&replace, "replace", false, "Replace capability tags instead of merging")
	cmd.Flags().BoolVar(&public, "public", false, "Profile visibility")
	return cmd
}

func newProfileTaskCommand(configPath *string) *cobra.Command {
	var delta int64

	cmd := &cobra.Command{
		Use:     "task <profile-id>",
		Short:   "Record a completed task against a profile",
		Example: "  agentvault profile task prf-abc123 --reputation 5",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, sess, err := openService(*configPath)
			if err != nil {
				return err
			}
			defer svc.Close()

			p, err := svc.RecordTaskCompletion(cmd.Context(), sess, args[0], delta)
			if err != nil {
				return err
			}
			fmt.Printf("Profile %s: %d tasks, reputation %d\n", p.ID, p.TasksCompleted, p.Reputation)
			return nil
		},
	}
	cmd.Flags().Int64Var(&delta, "reputation", 0, "Reputation delta for this task")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show build/version metadata",
		RunE: func(cmd *cobra.Command, args []string) error {
			printVersion()
			return nil
		},
	}
}
