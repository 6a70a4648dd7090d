package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"trustmodel/internal/ca"
	"trustmodel/internal/certs"
	"trustmodel/internal/config"
	"trustmodel/internal/db"
	"trustmodel/internal/domain"
	"trustmodel/internal/evaluation"
	"trustmodel/internal/events"
	"trustmodel/internal/migrate"
	"trustmodel/internal/repo"
	"trustmodel/internal/server"
	"trustmodel/internal/tacp"

	"github.com/google/uuid"
)

var rootCmd = &cobra.Command{
	Use:   "trustmodel",
	Short: "TrustModel CLI",
	Long: `TrustModel is a certificate authority and trust protocol for AI agents.
Agents are evaluated against capability, safety, reliability and communication
suites; eligible results are minted into signed capability certificates. The
TACP session layer lets agents challenge each other for proof of certification
before delegating tasks.`,
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
	viper.SetEnvPrefix("TRUSTMODEL")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-operator", "actor identifier for audit events")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(caCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(evalCmd())
	rootCmd.AddCommand(certCmd())
	rootCmd.AddCommand(registryCmd())
	rootCmd.AddCommand(crlCmd())
	rootCmd.AddCommand(sessionCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

// services bundles everything a command needs against one open database.
type services struct {
	Conn      *sql.DB
	Repo      repo.Repo
	Config    *config.Config
	Authority *ca.Authority
	Certs     certs.Service
	Engine    *evaluation.Engine
	Sessions  *tacp.Manager
}

func withServices(ctx context.Context, fn func(context.Context, *services) error) error {
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
	authority, err := ca.LoadOrGenerate(cfg.CA.KeysDir)
	if err != nil {
		return err
	}
	certSvc := certs.New(conn, authority, cfg)
	executor := evaluation.HTTPExecutor{BaseURL: executorURL()}
	s := &services{
		Conn:      conn,
		Repo:      repo.Repo{DB: conn},
		Config:    cfg,
		Authority: authority,
		Certs:     certSvc,
		Engine:    evaluation.New(conn, executor, cfg),
		Sessions:  tacp.New(conn, certSvc, cfg),
	}
	return fn(ctx, s)
}

func executorURL() string {
	if v := viper.GetString("executor-url"); v != "" {
		return v
	}
	return "http://127.0.0.1:9090"
}

func actorID() string {
	return viper.GetString("actor-id")
}

func caCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "ca", Short: "Root certificate authority"}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Create the root keypair if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				fmt.Printf("CA ready, keys in %s\n", s.Config.CA.KeysDir)
				fmt.Printf("public key: %s\n", s.Authority.PublicKeyHex())
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the CA verification key",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				return printJSONOrTable(map[string]string{
					"issuer":     "TrustModel Root CA",
					"public_key": s.Authority.PublicKeyHex(),
				})
			})
		},
	})
	return cmd
}

func agentCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "agent", Short: "Manage agents"}
	cmd.AddCommand(agentRegisterCmd())
	cmd.AddCommand(agentListCmd())
	cmd.AddCommand(agentShowCmd())
	cmd.AddCommand(agentKeyCmd())
	return cmd
}

func agentRegisterCmd() *cobra.Command {
	var name, identityKey string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if name == "" {
				return fmt.Errorf("--name required")
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				if identityKey != "" {
					if _, err := ca.ParsePublicKey(identityKey); err != nil {
						return err
					}
				}
				a := domain.Agent{
					ID:                uuid.New().String(),
					Name:              name,
					IdentityPublicKey: identityKey,
					CreatedAt:         time.Now().UTC().Format(time.RFC3339),
				}
				if err := s.Repo.InsertAgent(ctx, a); err != nil {
					return err
				}
				if err := appendEvent(ctx, s.Conn, "agent.registered", "agent", a.ID, events.EventPayload{"name": a.Name}); err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&identityKey, "identity-key", "", "hex Ed25519 public key")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				agents, err := s.Repo.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(agents)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Identity Key", "Created"})
				for _, a := range agents {
					tw.AppendRow(table.Row{a.ID, a.Name, truncate(a.IdentityPublicKey, 16), a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func agentShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				a, err := s.Repo.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
}

func agentKeyCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "key <agent-id>",
		Short: "Mint an API key for an agent (shown once)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				if _, err := s.Repo.GetAgent(ctx, args[0]); err != nil {
					return err
				}
				raw := "tmk_" + strings.ReplaceAll(uuid.New().String()+uuid.New().String(), "-", "")
				k := domain.APIKey{
					ID:        uuid.New().String(),
					AgentID:   args[0],
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := s.Repo.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Printf("api key (save it now, only the hash is stored): %s\n", raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func evalCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "eval", Short: "Evaluation runs"}
	cmd.AddCommand(evalStartCmd())
	cmd.AddCommand(evalShowCmd())
	cmd.AddCommand(evalCancelCmd())
	cmd.AddCommand(evalListCmd())
	return cmd
}

func evalStartCmd() *cobra.Command {
	var suites []string
	var execURL string
	cmd := &cobra.Command{
		Use:   "start <agent-id>",
		Short: "Run an evaluation synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if execURL != "" {
				viper.Set("executor-url", execURL)
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				run, err := s.Engine.Create(ctx, args[0], suites, actorID())
				if err != nil {
					return err
				}
				if err := s.Engine.Process(ctx, run.ID); err != nil {
					return err
				}
				run, err = s.Engine.Get(ctx, run.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
	cmd.Flags().StringSliceVar(&suites, "suites", nil, "suites to run (default all)")
	cmd.Flags().StringVar(&execURL, "executor-url", "", "agent execution harness URL")
	return cmd
}

func evalShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show an evaluation run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				run, err := s.Engine.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func evalCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel an evaluation run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				run, err := s.Engine.Cancel(ctx, args[0], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(run)
			})
		},
	}
}

func evalListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <agent-id>",
		Short: "List evaluation runs for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				runs, err := s.Repo.ListRunsForAgent(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(runs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Suites", "Overall", "Grade", "Created"})
				for _, r := range runs {
					overall, grade := "", ""
					if r.OverallScore != nil {
						overall = fmt.Sprintf("%.3f", *r.OverallScore)
					}
					if r.Grade != nil {
						grade = *r.Grade
					}
					tw.AppendRow(table.Row{r.ID, r.Status, strings.Join(r.Suites, ","), overall, grade, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func certCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "cert", Short: "Certificates"}
	cmd.AddCommand(certIssueCmd())
	cmd.AddCommand(certVerifyCmd())
	cmd.AddCommand(certRevokeCmd())
	cmd.AddCommand(certChainCmd())
	cmd.AddCommand(certListCmd())
	return cmd
}

func certIssueCmd() *cobra.Command {
	var agentID, evaluationID string
	var validityDays int
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a certificate from a completed evaluation",
		RunE: func(cmd *cobra.Command, args []string) error {
			if agentID == "" || evaluationID == "" {
				return fmt.Errorf("--agent and --evaluation required")
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				c, err := s.Certs.Issue(ctx, agentID, evaluationID, validityDays, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&evaluationID, "evaluation", "", "evaluation run id")
	cmd.Flags().IntVar(&validityDays, "validity-days", 0, "validity period (default from config)")
	return cmd
}

func certVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <certificate-id>",
		Short: "Verify a certificate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				v, err := s.Certs.Verify(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func certRevokeCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "revoke <certificate-id>",
		Short: "Revoke a certificate permanently",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				rv, err := s.Certs.Revoke(ctx, args[0], reason, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(rv)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "revocation reason")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func certChainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chain <certificate-id>",
		Short: "Print the offline verification bundle",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				chain, err := s.Certs.Chain(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSON(chain)
			})
		},
	}
}

func certListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list <agent-id>",
		Short: "List certificates for an agent",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				items, err := s.Repo.ListCertificatesForAgent(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Grade", "Overall", "Issued", "Expires"})
				for _, c := range items {
					tw.AppendRow(table.Row{c.ID, c.Grade, fmt.Sprintf("%.3f", c.OverallScore), c.IssuedAt, c.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func registryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "registry",
		Short: "Show the public trust registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				entries, err := s.Certs.Registry(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Agent", "Certificate", "Grade", "Overall", "Expires"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.AgentID, e.CertificateID, e.Grade, fmt.Sprintf("%.3f", e.OverallScore), e.ExpiresAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func crlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crl",
		Short: "Show the certificate revocation list",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				crl, err := s.Certs.CRL(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(crl)
			})
		},
	}
}

func sessionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "session", Short: "TACP sessions"}
	cmd.AddCommand(sessionShowCmd())
	cmd.AddCommand(sessionMessagesCmd())
	cmd.AddCommand(sessionTasksCmd())
	cmd.AddCommand(sessionEndCmd())
	cmd.AddCommand(sessionSweepCmd())
	return cmd
}

func sessionShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				sess, err := s.Sessions.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(sess)
			})
		},
	}
}

func sessionMessagesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "messages <id>",
		Short: "List session messages in sequence order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				msgs, err := s.Sessions.Messages(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(msgs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "From", "To", "At"})
				for _, m := range msgs {
					tw.AppendRow(table.Row{m.SequenceNumber, m.MessageType, m.SenderAgentID, m.RecipientAgentID, m.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionTasksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tasks <id>",
		Short: "List delegated tasks for a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				tasks, err := s.Sessions.Tasks(ctx, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Task", "Status", "Progress", "Reason", "Updated"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.TaskID, t.Status, fmt.Sprintf("%.0f%%", t.LastProgress*100), t.FailReason, t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func sessionEndCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "end <id>",
		Short: "End a session, failing open tasks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				sess, err := s.Sessions.End(ctx, args[0], actorID(), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(sess)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "end reason")
	return cmd
}

func sessionSweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "End idle sessions and expire stale challenges",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				ended, err := s.Sessions.Sweep(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("ended %d idle session(s)\n", ended)
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Audit event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				items, err := s.Repo.LatestEvents(ctx, n, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID, truncate(e.Payload, 60)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 50, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id filter")
	return cmd
}

func tokenCmd() *cobra.Command {
	var subject string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the API",
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := viper.GetString("jwt-secret")
			if secret == "" {
				cfg, err := config.Load(viper.GetString("workspace"))
				if err != nil {
					return err
				}
				secret = cfg.Server.JWTSecret
			}
			if secret == "" {
				return fmt.Errorf("TRUSTMODEL_JWT_SECRET is required")
			}
			now := time.Now()
			claims := jwt.RegisteredClaims{
				Subject:   subject,
				IssuedAt:  jwt.NewNumericDate(now),
				ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			}
			token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
			if err != nil {
				return err
			}
			fmt.Println(token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "local-operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, execURL string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			if execURL != "" {
				viper.Set("executor-url", execURL)
			}
			return withServices(cmd.Context(), func(ctx context.Context, s *services) error {
				secret := viper.GetString("jwt-secret")
				if secret == "" {
					secret = s.Config.Server.JWTSecret
				}
				if secret == "" {
					return fmt.Errorf("TRUSTMODEL_JWT_SECRET is required for bearer auth")
				}
				if addr == "" {
					addr = s.Config.Server.Addr
				}
				if basePath == "" {
					basePath = s.Config.Server.BasePath
				}
				handler, err := server.New(server.Config{
					Engine:   s.Engine,
					Certs:    s.Certs,
					Sessions: s.Sessions,
					BasePath: basePath,
					Auth:     server.AuthConfig{JWTSecret: secret},
				})
				if err != nil {
					return err
				}
				sweepCtx, stopSweeper := context.WithCancel(ctx)
				defer stopSweeper()
				go s.Sessions.RunSweeper(sweepCtx, time.Minute)

				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving TrustModel API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				s.Engine.Wait()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().StringVar(&execURL, "executor-url", "", "agent execution harness URL")
	return cmd
}

func appendEvent(ctx context.Context, conn *sql.DB, evtType, entityKind, entityID string, payload events.EventPayload) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	w := events.Writer{DB: conn}
	if err := w.Append(ctx, tx, evtType, entityKind, entityID, actorID(), payload); err != nil {
		return err
	}
	return tx.Commit()
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
