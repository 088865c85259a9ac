package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"discard/internal/config"
	"discard/internal/db"
	"discard/internal/domain"
	"discard/internal/engine"
	"discard/internal/migrate"
	"discard/internal/repo"
	"discard/internal/scheduler"
	"discard/internal/server"
	"discard/internal/settlement"
	"discard/internal/signer"
)

var rootCmd = &cobra.Command{
	Use:   "discard",
	Short: "Discard approval and signing orchestrator",
	Long: `Discard gates money movement behind user approval and an external signer.
An intent (pay, transfer, top up) is planned, previewed, and held behind an
approval entry. Auto mode counts down and approves itself unless the user
cancels; manual mode waits for an explicit decision. Approved plans flow
through the signing bridge to the external signer and on to settlement, with
every step appended to a per-user hash-chained audit log.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("DISCARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "user identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(intentCmd())
	rootCmd.AddCommand(approvalCmd())
	rootCmd.AddCommand(signingCmd())
	rootCmd.AddCommand(walletCmd())
	rootCmd.AddCommand(policyCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default discard.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s\n", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func intentCmd() *cobra.Command {
	intent := &cobra.Command{
		Use:   "intent",
		Short: "Submit and inspect spending intents",
	}
	intent.AddCommand(intentCreateCmd())
	intent.AddCommand(intentListCmd())
	intent.AddCommand(intentShowCmd())
	return intent
}

func intentCreateCmd() *cobra.Command {
	var kind, destination, mode string
	var amountCents int64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Submit a spending intent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				flow, err := e.SubmitIntent(ctx, engine.IntentOptions{
					UserID:       viper.GetString("user-id"),
					Kind:         kind,
					AmountCents:  amountCents,
					Destination:  destination,
					ApprovalMode: mode,
				})
				if err != nil {
					return err
				}
				return printJSON(flow)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", "payment", "intent kind (payment, transfer, card_topup, swap)")
	cmd.Flags().Int64Var(&amountCents, "amount-cents", 0, "amount in cents")
	cmd.Flags().StringVar(&destination, "to", "", "destination merchant or account")
	cmd.Flags().StringVar(&mode, "mode", "auto", "approval mode (auto, manual)")
	_ = cmd.MarkFlagRequired("amount-cents")
	return cmd
}

func intentListCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List intents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListIntents(ctx, viper.GetString("user-id"), limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Kind", "Amount", "Destination", "Status"})
				for _, in := range items {
					tw.AppendRow(table.Row{in.ID, in.Kind, formatCents(in.AmountCents), in.Destination, in.Status})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func intentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an intent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				in, err := r.GetIntent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(in)
			})
		},
	}
	return cmd
}

func approvalCmd() *cobra.Command {
	approval := &cobra.Command{
		Use:   "approval",
		Short: "Manage approval entries",
		Long:  "Approval entries gate plans behind user consent. Auto entries count down toward self-approval; manual entries wait. Both expire five minutes after creation.",
	}
	approval.AddCommand(approvalListCmd())
	approval.AddCommand(approvalShowCmd())
	approval.AddCommand(approvalActionCmd("approve", "Approve an entry", func(ctx context.Context, e engine.Engine, id string) (domain.ApprovalEntry, error) {
		return e.Approve(ctx, id, viper.GetString("user-id"))
	}))
	approval.AddCommand(approvalRejectCmd())
	approval.AddCommand(approvalActionCmd("cancel", "Cancel a running countdown", func(ctx context.Context, e engine.Engine, id string) (domain.ApprovalEntry, error) {
		return e.CancelCountdown(ctx, id, viper.GetString("user-id"))
	}))
	approval.AddCommand(approvalSweepCmd())
	return approval
}

func approvalListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List approval entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListApprovals(ctx, viper.GetString("user-id"), status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Mode", "Amount", "Status", "Expires"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.ID, a.ApprovalMode, formatCents(a.Preview.TotalMaxCents), a.Status, a.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func approvalShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show an approval entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetApproval(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	return cmd
}

func approvalActionCmd(use, short string, fn func(context.Context, engine.Engine, string) (domain.ApprovalEntry, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := fn(ctx, e, args[0])
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
}

func approvalRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.Reject(ctx, args[0], viper.GetString("user-id"), reason)
				if err != nil {
					return err
				}
				return printJSON(a)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func approvalSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Expire stale pending entries and reset elapsed velocity windows",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				expired, err := e.SweepExpired(ctx)
				if err != nil {
					return err
				}
				daily, monthly, err := e.SweepVelocity(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d approvals, reset %d daily and %d monthly windows\n", expired, daily, monthly)
				return nil
			})
		},
	}
}

func signingCmd() *cobra.Command {
	signing := &cobra.Command{
		Use:   "signing",
		Short: "Inspect signing requests",
	}
	signing.AddCommand(signingListCmd())
	signing.AddCommand(signingShowCmd())
	signing.AddCommand(signingWatchdogCmd())
	return signing
}

func signingListCmd() *cobra.Command {
	var status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List signing requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListSigningRequests(ctx, viper.GetString("user-id"), status, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Intent", "Status", "Activity", "Updated"})
				for _, s := range items {
					activity := ""
					if s.SignerActivityID != nil {
						activity = *s.SignerActivityID
					}
					tw.AppendRow(table.Row{s.ID, s.IntentID, s.Status, activity, s.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max rows")
	return cmd
}

func signingShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a signing request with its activities",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				s, err := r.GetSigningRequest(ctx, args[0])
				if err != nil {
					return err
				}
				activities, err := r.ListSigningActivities(ctx, s.ID)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"request": s, "activities": activities})
			})
		},
	}
	return cmd
}

func signingWatchdogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watchdog",
		Short: "Fail requests stuck waiting on the signer",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.ExpireStuckRequests(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("failed %d stuck requests\n", n)
				return nil
			})
		},
	}
}

func walletCmd() *cobra.Command {
	wallet := &cobra.Command{Use: "wallet", Short: "Manage the wallet and its limits"}
	wallet.AddCommand(walletShowCmd())
	wallet.AddCommand(walletInitCmd())
	wallet.AddCommand(walletSetLimitsCmd())
	wallet.AddCommand(walletLockCmd())
	return wallet
}

func walletShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show wallet configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				w, err := r.GetWallet(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
}

func walletInitCmd() *cobra.Command {
	var subOrg, address string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the wallet with default limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.EnsureWallet(ctx, viper.GetString("user-id"), subOrg, address)
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
	cmd.Flags().StringVar(&subOrg, "sub-org", "", "signer sub-organization id")
	cmd.Flags().StringVar(&address, "address", "", "wallet address")
	_ = cmd.MarkFlagRequired("sub-org")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}

func walletSetLimitsCmd() *cobra.Command {
	var perTx, daily, monthly, twoFA int64
	var biometric bool
	cmd := &cobra.Command{
		Use:   "set-limits",
		Short: "Set spend limits",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.SetWalletLimits(ctx, viper.GetString("user-id"), domain.PolicyLimits{
					PerTransactionCents:  perTx,
					DailyLimitCents:      daily,
					MonthlyLimitCents:    monthly,
					Require2FAAboveCents: twoFA,
					RequireBiometric:     biometric,
				})
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
	cmd.Flags().Int64Var(&perTx, "per-transaction-cents", 0, "per transaction cap")
	cmd.Flags().Int64Var(&daily, "daily-cents", 0, "daily cap")
	cmd.Flags().Int64Var(&monthly, "monthly-cents", 0, "monthly cap")
	cmd.Flags().Int64Var(&twoFA, "require-2fa-above-cents", 0, "two-factor threshold")
	cmd.Flags().BoolVar(&biometric, "require-biometric", false, "require biometric confirmation")
	return cmd
}

func walletLockCmd() *cobra.Command {
	var merchants []string
	var mccs []int
	var merchantLocking, mccLocking bool
	cmd := &cobra.Command{
		Use:   "lock",
		Short: "Set merchant and category whitelists",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				w, err := e.SetWalletLocks(ctx, viper.GetString("user-id"), merchantLocking, merchants, mccLocking, mccs)
				if err != nil {
					return err
				}
				return printJSON(w)
			})
		},
	}
	cmd.Flags().BoolVar(&merchantLocking, "merchant-locking", false, "enable merchant whitelist")
	cmd.Flags().StringArrayVar(&merchants, "merchant", []string{}, "whitelisted merchant id (repeatable)")
	cmd.Flags().BoolVar(&mccLocking, "mcc-locking", false, "enable category whitelist")
	cmd.Flags().IntSliceVar(&mccs, "mcc", []int{}, "whitelisted category code (repeatable)")
	return cmd
}

func policyCmd() *cobra.Command {
	pol := &cobra.Command{Use: "policy", Short: "Policy gate"}
	var amountCents int64
	var merchant string
	var mcc int
	check := &cobra.Command{
		Use:   "check",
		Short: "Dry-run the policy gate for an amount",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				d, err := e.VerifyTransactionPolicy(ctx, viper.GetString("user-id"), "", amountCents, merchant, mcc)
				var pv engine.PolicyViolationError
				if err != nil && !errors.As(err, &pv) {
					return err
				}
				return printJSON(d)
			})
		},
	}
	check.Flags().Int64Var(&amountCents, "amount-cents", 0, "amount in cents")
	check.Flags().StringVar(&merchant, "merchant", "", "merchant id")
	check.Flags().IntVar(&mcc, "mcc", 0, "merchant category code")
	_ = check.MarkFlagRequired("amount-cents")
	pol.AddCommand(check)
	return pol
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{
		Use:   "audit",
		Short: "Inspect the hash-chained audit log",
	}
	aud.AddCommand(auditTailCmd())
	aud.AddCommand(auditVerifyCmd())
	aud.AddCommand(auditAnchorCmd())
	return aud
}

func auditTailCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Audit.List(ctx, viper.GetString("user-id"), n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Event", "Timestamp", "Hash"})
				for _, entry := range entries {
					tw.AppendRow(table.Row{entry.Sequence, entry.EventType, entry.Timestamp, shortHash(entry.EventHash)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	return cmd
}

func auditVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify the hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Audit.Verify(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				if !res.Valid {
					fmt.Printf("chain broken at sequence %d: %s\n", res.BrokenAt, res.Detail)
					os.Exit(1)
				}
				fmt.Println("chain valid")
				return nil
			})
		},
	}
}

func auditAnchorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "anchor",
		Short: "Anchor unanchored entries under a Merkle root",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				anchor, err := e.Audit.AnchorBatch(ctx, viper.GetString("user-id"))
				if err != nil {
					return err
				}
				return printJSON(anchor)
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key (prints the secret once)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := make([]byte, 24)
				if _, err := rand.Read(raw); err != nil {
					return err
				}
				secret := "dk_" + hex.EncodeToString(raw)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				k := domain.APIKey{
					ID:        hex.EncodeToString(raw[:8]),
					UserID:    viper.GetString("user-id"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(secret),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, tx, k); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				fmt.Printf("id: %s\nkey: %s\n", k.ID, secret)
				return nil
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key name")
	key.AddCommand(create)
	return key
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server, scheduler, and sweeps",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				authCfg := server.AuthConfig{
					JWTSecret:             os.Getenv("DISCARD_JWT_SECRET"),
					AllowLegacyUserHeader: viper.GetBool("allow-legacy-user-header"),
				}
				if authCfg.JWTSecret == "" {
					return fmt.Errorf("DISCARD_JWT_SECRET is required for bearer auth")
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
				if err != nil {
					return err
				}

				runCtx, cancel := context.WithCancel(ctx)
				defer cancel()
				go e.Tasks.Run(runCtx)
				go runSweeps(runCtx, e)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-runCtx.Done()
					shutdownCtx, sdCancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer sdCancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Discard API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// runSweeps periodically expires stale approvals, fails stuck signing
// requests, and resets elapsed velocity windows.
func runSweeps(ctx context.Context, e engine.Engine) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		if _, err := e.SweepExpired(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "sweep: expire approvals: %v\n", err)
		}
		if _, err := e.ExpireStuckRequests(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "sweep: stuck signing requests: %v\n", err)
		}
		if _, _, err := e.SweepVelocity(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "sweep: velocity windows: %v\n", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	pollInterval := time.Duration(cfg.Scheduler.PollIntervalSeconds) * time.Second
	tasks := scheduler.New(conn, pollInterval)
	sg := signer.NewHTTPClient(cfg.Signer.Endpoint, cfg.Signer.APIKey)
	st := settlement.NewHTTPClient(cfg.Settlement.Endpoint)
	e := engine.New(conn, cfg, tasks, sg, st)
	e.RegisterHandlers(tasks)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatCents(cents int64) string {
	return fmt.Sprintf("$%d.%02d", cents/100, cents%100)
}

func shortHash(h string) string {
	if len(h) <= 12 {
		return h
	}
	return h[:12]
}
