package main

import (
	"context"
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

	"agentstage/internal/config"
	"agentstage/internal/db"
	"agentstage/internal/domain"
	"agentstage/internal/engine"
	"agentstage/internal/migrate"
	"agentstage/internal/repo"
	"agentstage/internal/responder"
	"agentstage/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "ags",
	Short: "Agentstage CLI",
	Long: `Agentstage manages agent configuration versions and tokenized preview links.
- Agents own a numbered version history; at most one draft and one production version exist at a time.
- Drafts are the only editable versions. Publishing promotes the draft and archives the previous production version atomically.
- Rollback never mutates history: it copies an old version's config into a fresh draft.
- Preview links wrap a version behind an unguessable token with an expiry, a conversation quota, and an optional password.
- Reviewers chat through a link without an account; the config is frozen per conversation at start.
- Event log records every lifecycle change, view with 'ags log tail'.`,
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
	viper.SetEnvPrefix("AGENTSTAGE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(linkCmd())
	rootCmd.AddCommand(feedbackCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write default agentstage.yml",
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
	}
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{Use: "agent", Short: "Manage agents"}
	agent.AddCommand(agentCreateCmd())
	agent.AddCommand(agentListCmd())
	agent.AddCommand(agentShowCmd())
	return agent
}

func agentCreateCmd() *cobra.Command {
	var name, desc string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.CreateAgent(ctx, name, desc, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "agent name")
	cmd.Flags().StringVar(&desc, "description", "", "description")
	_ = cmd.MarkFlagRequired("name")
	return cmd
}

func agentListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAgents(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "NAME", "DESCRIPTION", "CREATED")
				for _, a := range items {
					t.AppendRow(table.Row{a.ID, a.Name, a.Description, a.CreatedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
}

func agentShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <agent-id>",
		Short: "Show an agent and its versions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a, err := r.GetAgent(ctx, args[0])
				if err != nil {
					return err
				}
				versions, err := r.ListVersions(ctx, a.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"agent": a, "versions": versions})
				}
				fmt.Printf("Agent: %s (%s)\n", a.Name, a.ID)
				if a.Description != "" {
					fmt.Println(a.Description)
				}
				t := newTable("VERSION", "STATUS", "CREATED", "PUBLISHED")
				for _, v := range versions {
					published := ""
					if v.PublishedAt != nil {
						published = *v.PublishedAt
					}
					t.AppendRow(table.Row{v.VersionNumber, v.Status, v.CreatedAt, published})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	return cmd
}

func versionCmd() *cobra.Command {
	version := &cobra.Command{
		Use:   "version",
		Short: "Manage agent versions",
		Long:  "Versions carry the agent's config through draft -> production -> archived. Only the draft is editable; publish swaps production atomically; rollback copies an old config into a new draft.",
	}
	version.AddCommand(versionListCmd())
	version.AddCommand(versionShowCmd())
	version.AddCommand(versionDraftCmd())
	version.AddCommand(versionEditCmd())
	version.AddCommand(versionPublishCmd())
	version.AddCommand(versionRollbackCmd())
	version.AddCommand(versionDeleteCmd())
	return version
}

func versionListCmd() *cobra.Command {
	var agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List versions of an agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListVersions(ctx, agentID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "VERSION", "STATUS", "CREATED")
				for _, v := range items {
					t.AppendRow(table.Row{v.ID, v.VersionNumber, v.Status, v.CreatedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func versionShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <version-id>",
		Short: "Show a version with its config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				v, err := r.GetVersion(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func readConfigArg(inline, file string) (string, error) {
	if inline != "" && file != "" {
		return "", fmt.Errorf("use --config or --config-file, not both")
	}
	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return "", err
		}
		return string(data), nil
	}
	if inline == "" {
		return "", fmt.Errorf("--config or --config-file required")
	}
	return inline, nil
}

func versionDraftCmd() *cobra.Command {
	var agentID, configJSON, configFile string
	cmd := &cobra.Command{
		Use:   "draft",
		Short: "Create a draft version",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfigArg(configJSON, configFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.CreateDraft(ctx, agentID, cfg, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	cmd.Flags().StringVar(&configJSON, "config", "", "config JSON")
	cmd.Flags().StringVar(&configFile, "config-file", "", "path to config JSON file")
	_ = cmd.MarkFlagRequired("agent")
	return cmd
}

func versionEditCmd() *cobra.Command {
	var configJSON, configFile string
	cmd := &cobra.Command{
		Use:   "edit <version-id>",
		Short: "Replace a draft's config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := readConfigArg(configJSON, configFile)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.EditDraft(ctx, args[0], cfg, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	cmd.Flags().StringVar(&configJSON, "config", "", "config JSON")
	cmd.Flags().StringVar(&configFile, "config-file", "", "path to config JSON file")
	return cmd
}

func versionPublishCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "publish <version-id>",
		Short: "Publish a draft to production",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Publish(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func versionRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback <version-id>",
		Short: "Create a draft from an older version's config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.Rollback(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
}

func versionDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <version-id>",
		Short: "Discard a draft",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteDraft(ctx, args[0], viper.GetString("actor-id"))
			})
		},
	}
}

func linkCmd() *cobra.Command {
	link := &cobra.Command{
		Use:   "link",
		Short: "Manage preview links",
		Long:  "Preview links let reviewers try a version without an account. Each link has an expiry, a conversation quota, and optionally a password; revocation is immediate and permanent.",
	}
	link.AddCommand(linkIssueCmd())
	link.AddCommand(linkListCmd())
	link.AddCommand(linkShowCmd())
	link.AddCommand(linkRevokeCmd())
	return link
}

func linkIssueCmd() *cobra.Command {
	var versionID, password string
	var hours, maxConv int
	var withFeedback bool
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Issue a preview link for a version",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts := engine.IssueLinkOptions{
					AgentVersionID:   versionID,
					ExpirationHours:  e.Config.Preview.DefaultExpirationHours,
					MaxConversations: e.Config.Preview.DefaultMaxConversations,
					Password:         password,
					IncludeFeedback:  withFeedback,
					ActorID:          viper.GetString("actor-id"),
				}
				if cmd.Flags().Changed("hours") {
					opts.ExpirationHours = hours
				}
				if cmd.Flags().Changed("max-conversations") {
					opts.MaxConversations = maxConv
				}
				issued, err := e.IssueLink(ctx, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"link": issued.Link, "url": issued.URL, "password": issued.Password})
				}
				fmt.Printf("Share URL: %s\n", issued.URL)
				if issued.Password != "" {
					fmt.Printf("Password:  %s (shown once, not retrievable)\n", issued.Password)
				}
				fmt.Printf("Expires:   %s\n", issued.Link.ExpiresAt)
				fmt.Printf("Quota:     %d conversations\n", issued.Link.MaxConversations)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "agent version id")
	cmd.Flags().IntVar(&hours, "hours", 0, "expiration in hours (default from config)")
	cmd.Flags().IntVar(&maxConv, "max-conversations", 0, "conversation quota (default from config)")
	cmd.Flags().StringVar(&password, "password", "", "optional password gate")
	cmd.Flags().BoolVar(&withFeedback, "feedback", false, "enable feedback collection")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func linkListCmd() *cobra.Command {
	var versionID, agentID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List preview links",
		RunE: func(cmd *cobra.Command, args []string) error {
			if versionID == "" && agentID == "" {
				return fmt.Errorf("--version or --agent required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				var items []domain.PreviewLink
				var err error
				if versionID != "" {
					items, err = r.ListLinksByVersion(ctx, versionID)
				} else {
					items, err = r.ListLinksByAgent(ctx, agentID)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "TOKEN", "EXPIRES", "USED/QUOTA", "PASSWORD", "REVOKED")
				for _, l := range items {
					revoked := ""
					if l.RevokedAt != nil {
						revoked = *l.RevokedAt
					}
					pw := ""
					if l.PasswordRequired() {
						pw = "yes"
					}
					t.AppendRow(table.Row{l.ID, l.Token, l.ExpiresAt, fmt.Sprintf("%d/%d", l.ConversationCount, l.MaxConversations), pw, revoked})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&versionID, "version", "", "agent version id")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id")
	return cmd
}

func linkShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <link-id>",
		Short: "Show a preview link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				l, err := r.GetLink(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
}

func linkRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <link-id>",
		Short: "Revoke a preview link",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				l, err := e.RevokeLink(ctx, args[0], viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(l)
			})
		},
	}
}

func feedbackCmd() *cobra.Command {
	feedback := &cobra.Command{Use: "feedback", Short: "Review collected feedback"}
	var linkID string
	list := &cobra.Command{
		Use:   "list",
		Short: "List feedback for a link",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.FeedbackForLink(ctx, linkID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("WHEN", "NAME", "RATING", "TEXT")
				for _, f := range items {
					name, text := "", ""
					rating := ""
					if f.Name != nil {
						name = *f.Name
					}
					if f.Rating != nil {
						rating = fmt.Sprintf("%d/5", *f.Rating)
					}
					if f.Text != nil {
						text = *f.Text
					}
					t.AppendRow(table.Row{f.CreatedAt, name, rating, text})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	list.Flags().StringVar(&linkID, "link", "", "preview link id")
	_ = list.MarkFlagRequired("link")
	feedback.AddCommand(list)
	return feedback
}

func apikeyCmd() *cobra.Command {
	apikey := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	apikey.AddCommand(apikeyCreateCmd())
	apikey.AddCommand(apikeyListCmd())
	apikey.AddCommand(apikeyDeleteCmd())
	return apikey
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name, key string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if key == "" {
				return fmt.Errorf("--key required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if actorID == "" {
					actorID = viper.GetString("actor-id")
				}
				created, err := e.CreateAPIKey(ctx, actorID, name, key)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id (defaults to --actor-id)")
	cmd.Flags().StringVar(&name, "name", "", "key name")
	cmd.Flags().StringVar(&key, "key", "", "key material (stored hashed)")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				t := newTable("ID", "ACTOR", "NAME", "CREATED")
				for _, k := range items {
					t.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				fmt.Println(t.Render())
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key-id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
}

func logCmd() *cobra.Command {
	log := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var agentID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, agentID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&agentID, "agent", "", "agent id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath, configFile string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			var cfg *config.Config
			if configFile != "" {
				cfg, err = config.FromFile(configFile)
			} else {
				cfg, err = config.LoadOptional(workspace)
			}
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("addr") {
				cfg.Server.Listen = addr
			}
			if cmd.Flags().Changed("base-path") {
				cfg.Server.BasePath = basePath
			}
			e := engine.New(conn, cfg)
			e.Responder = buildResponder(cfg)
			authCfg := server.AuthConfig{
				JWTSecret:              cfg.Auth.JWTSecret,
				AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
			}
			if secret := os.Getenv("AGENTSTAGE_JWT_SECRET"); secret != "" {
				authCfg.JWTSecret = secret
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: cfg.Server.BasePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Listen, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Agentstage API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", cfg.Server.Listen, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	cmd.Flags().StringVar(&configFile, "config", "", "config file path (defaults to agentstage.yml in the workspace)")
	return cmd
}

func buildResponder(cfg *config.Config) responder.Client {
	if cfg.Responder.URL == "" {
		return responder.Static{Text: "No responder is configured for this preview."}
	}
	return responder.NewHTTPClient(cfg.Responder.URL, time.Duration(cfg.Responder.TimeoutSeconds)*time.Second)
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
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
	e.Responder = buildResponder(cfg)
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

func newTable(headers ...any) table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row(headers))
	return t
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
