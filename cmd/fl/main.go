package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"fieldline/internal/app"
	"fieldline/internal/config"
	"fieldline/internal/db"
	"fieldline/internal/dispatch"
	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/gateway"
	"fieldline/internal/migrate"
	"fieldline/internal/repo"
	"fieldline/internal/server"
	"fieldline/internal/watch"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Fieldline CLI",
	Long: `Fieldline keeps field-service work orders, their three-stage checklist, and
client conversations in sync.
- Workspace: the .fieldline directory holding the database; configs live in the DB.
- Company: owns all work orders, notifications, and ratings.
- Orders: jobs flow pending -> in_progress -> awaiting_part -> completed/cancelled.
- Stages: each order carries a 3-step checklist; steps can be written in any order.
- Milestones: accepting an order or finishing a stage fires exactly one notification.
- Chat: internal notes and the external messaging gateway merge into one timeline.
- Ratings: bare 0-10 replies from clients are captured as satisfaction scores.
- Event log: diary of changes, view with 'fl log tail'.`,
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
	viper.SetEnvPrefix("FIELDLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("company", "", "company id (overrides config default)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("company", rootCmd.PersistentFlags().Lookup("company"))
}

func registerCommands() {
	rootCmd.AddCommand(companyCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(orderCmd())
	rootCmd.AddCommand(stageCmd())
	rootCmd.AddCommand(chatCmd())
	rootCmd.AddCommand(notifyCmd())
	rootCmd.AddCommand(ratingCmd())
	rootCmd.AddCommand(watchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(serveCmd())
}

func companyCmd() *cobra.Command {
	c := &cobra.Command{Use: "company", Short: "Manage companies"}
	c.AddCommand(companyListCmd())
	c.AddCommand(companyCreateCmd())
	c.AddCommand(companyShowCmd())
	c.AddCommand(companyUseCmd())
	return c
}

func companyListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List companies",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListCompanies(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func companyCreateCmd() *cobra.Command {
	var id, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create company",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg := config.Default(id)
			e := engine.New(conn, cfg, nil)
			c, err := e.InitCompany(cmd.Context(), id, name, viper.GetString("actor-id"))
			if err != nil {
				return err
			}
			return printJSONOrTable(c)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "company id")
	cmd.Flags().StringVar(&name, "name", "", "company name")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func companyShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show a company",
		RunE: func(cmd *cobra.Command, args []string) error {
			target := viper.GetString("company")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if target == "" {
					target = e.Config.Company.ID
				}
				c, err := e.Repo.GetCompany(ctx, target)
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
	return cmd
}

func companyUseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "use <id>",
		Short: "Set current company for this workspace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			companyID := strings.TrimSpace(args[0])
			if companyID == "" {
				return fmt.Errorf("company id is required")
			}
			workspace := viper.GetString("workspace")
			if err := setEnvValue(filepath.Join(workspace, ".env"), "FIELDLINE_COMPANY", companyID); err != nil {
				return err
			}
			fmt.Printf("Set FIELDLINE_COMPANY=%s in %s/.env\n", companyID, workspace)
			return nil
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect company config",
		Long:  "Config is stored in the DB: order code prefix, gateway connection, milestone notices, and webhooks. Import from fieldline.yml if desired.",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configImportCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return printJSONOrTable(e.Config)
			})
		},
	}
	return cmd
}

func configImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import company config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(filePath)
			if err != nil {
				return err
			}
			cfg, err := config.FromYAML(data)
			if err != nil {
				return err
			}
			companyID := cfg.Company.ID
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if companyID == "" {
					companyID = e.Config.Company.ID
				}
				if err := e.Repo.UpsertCompanyConfig(ctx, companyID, cfg); err != nil {
					return err
				}
				return printJSONOrTable(cfg)
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			err := withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Config.Validate()
			})
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func orderCmd() *cobra.Command {
	o := &cobra.Command{
		Use:   "order",
		Short: "Manage work orders",
		Long:  "Orders are field-service jobs. They flow pending -> in_progress (optionally through awaiting_part) and end at completed or cancelled; terminal orders reject further moves.",
	}
	o.AddCommand(orderCreateCmd())
	o.AddCommand(orderListCmd())
	o.AddCommand(orderCountsCmd())
	o.AddCommand(orderGetCmd())
	o.AddCommand(orderUpdateCmd())
	o.AddCommand(orderStatusCmd())
	o.AddCommand(orderAcceptCmd())
	o.AddCommand(orderDeleteCmd())
	return o
}

func orderCreateCmd() *cobra.Command {
	var opts engine.OrderCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a work order",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ActorID = viper.GetString("actor-id")
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if opts.CompanyID == "" {
					opts.CompanyID = e.Config.Company.ID
				}
				o, err := e.CreateOrder(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&opts.CompanyID, "company", "", "company id")
	cmd.Flags().StringVar(&opts.ClientName, "client", "", "client name")
	cmd.Flags().StringVar(&opts.ClientPhone, "phone", "", "client phone")
	cmd.Flags().StringVar(&opts.ClientEmail, "email", "", "client email")
	cmd.Flags().StringVar(&opts.Address, "address", "", "service address")
	cmd.Flags().StringVar(&opts.City, "city", "", "city")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority (high, medium, low)")
	cmd.Flags().StringVar(&opts.AssigneeID, "assignee-id", "", "assigned technician id")
	cmd.Flags().StringVar(&opts.Description, "description", "", "problem description")
	cmd.Flags().StringVar(&opts.ExternalChat, "external-chat", "", "external chat identifier")
	_ = cmd.MarkFlagRequired("client")
	_ = cmd.MarkFlagRequired("address")
	_ = cmd.MarkFlagRequired("assignee-id")
	_ = cmd.MarkFlagRequired("description")
	return cmd
}

func orderListCmd() *cobra.Command {
	var f repo.OrderFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.CompanyID == "" {
					f.CompanyID = e.Config.Company.ID
				}
				orders, err := e.Repo.ListOrders(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(orders)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Code", "Client", "Status", "Priority", "Assignee", "City"})
				for _, o := range orders {
					assignee := ""
					if o.AssigneeID != nil {
						assignee = *o.AssigneeID
					}
					tw.AppendRow(table.Row{o.Code, o.ClientName, o.Status, o.Priority, assignee, o.City})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.CompanyID, "company", "", "company id")
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&f.AssigneeID, "assignee-id", "", "assignee filter")
	cmd.Flags().StringVar(&f.City, "city", "", "city filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func orderCountsCmd() *cobra.Command {
	var companyID string
	cmd := &cobra.Command{
		Use:   "counts",
		Short: "Order counts per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if companyID == "" {
					companyID = e.Config.Company.ID
				}
				counts, err := e.Repo.CountOrdersByStatus(ctx, companyID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Status", "Orders"})
				for _, s := range []string{domain.StatusPending, domain.StatusInProgress, domain.StatusAwaitingPart, domain.StatusCompleted, domain.StatusCancelled} {
					if n, ok := counts[s]; ok {
						tw.AppendRow(table.Row{s, n})
					}
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&companyID, "company", "", "company id")
	return cmd
}

func orderGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Get work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.GetOrder(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orderUpdateCmd() *cobra.Command {
	var opts engine.OrderUpdateOptions
	var client, phone, email, address, city, priority, description, externalChat, assign string
	cmd := &cobra.Command{
		Use:   "update <id>",
		Short: "Update work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.ID = args[0]
			opts.ActorID = viper.GetString("actor-id")
			if cmd.Flags().Changed("client") {
				opts.ClientName = &client
			}
			if cmd.Flags().Changed("phone") {
				opts.ClientPhone = &phone
			}
			if cmd.Flags().Changed("email") {
				opts.ClientEmail = &email
			}
			if cmd.Flags().Changed("address") {
				opts.Address = &address
			}
			if cmd.Flags().Changed("city") {
				opts.City = &city
			}
			if cmd.Flags().Changed("priority") {
				opts.Priority = &priority
			}
			if cmd.Flags().Changed("description") {
				opts.Description = &description
			}
			if cmd.Flags().Changed("external-chat") {
				opts.ExternalChat = &externalChat
			}
			if cmd.Flags().Changed("assign") {
				opts.Assign = &assign
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.UpdateOrder(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&client, "client", "", "client name")
	cmd.Flags().StringVar(&phone, "phone", "", "client phone")
	cmd.Flags().StringVar(&email, "email", "", "client email")
	cmd.Flags().StringVar(&address, "address", "", "service address")
	cmd.Flags().StringVar(&city, "city", "", "city")
	cmd.Flags().StringVar(&priority, "priority", "", "priority (high, medium, low)")
	cmd.Flags().StringVar(&description, "description", "", "problem description")
	cmd.Flags().StringVar(&externalChat, "external-chat", "", "external chat identifier")
	cmd.Flags().StringVar(&assign, "assign", "", "set assignee id (empty clears)")
	return cmd
}

func orderStatusCmd() *cobra.Command {
	var status string
	cmd := &cobra.Command{
		Use:   "set-status <id>",
		Short: "Move order along the status graph",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.UpdateStatus(ctx, id, status, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "new status")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func orderAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept an order as the assigned technician",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.AcceptOrder(ctx, id, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	return cmd
}

func orderDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a work order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteOrder(ctx, id, viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func stageCmd() *cobra.Command {
	s := &cobra.Command{
		Use:   "stage",
		Short: "Order checklist stages",
		Long:  "Every order has a 3-step checklist (1 initial assessment, 2 work performed, 3 handover). Steps can be written in any order and overwritten; each write stamps a completion time.",
	}
	s.AddCommand(stageWriteCmd())
	s.AddCommand(stageShowCmd())
	return s
}

func stageWriteCmd() *cobra.Command {
	var number int
	var payloadJSON string
	cmd := &cobra.Command{
		Use:   "write <order-id>",
		Short: "Write a checklist stage",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID := args[0]
			payload, err := parseStagePayload(payloadJSON)
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.WriteStage(ctx, orderID, number, payload, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	}
	cmd.Flags().IntVar(&number, "number", 0, "stage number (1-3)")
	cmd.Flags().StringVar(&payloadJSON, "payload-json", "", "stage payload JSON")
	_ = cmd.MarkFlagRequired("number")
	_ = cmd.MarkFlagRequired("payload-json")
	return cmd
}

func stageShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <order-id>",
		Short: "Show checklist stages for an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				stages, err := e.Repo.GetStages(ctx, orderID)
				if err != nil {
					return err
				}
				return printJSONOrTable(stages)
			})
		},
	}
	return cmd
}

func chatCmd() *cobra.Command {
	c := &cobra.Command{
		Use:   "chat",
		Short: "Order conversations",
		Long:  "One merged timeline per order: internal notes plus the external messaging gateway. If the gateway is down the timeline degrades to internal messages only.",
	}
	c.AddCommand(chatShowCmd())
	c.AddCommand(chatSendCmd())
	return c
}

func chatShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <order-id>",
		Short: "Show merged conversation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				msgs, degraded, err := e.Conversation(ctx, orderID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"items": msgs, "degraded": degraded})
				}
				if degraded {
					fmt.Println("(gateway unavailable, showing internal messages only)")
				}
				for _, m := range msgs {
					sender := m.SenderName
					if sender == "" {
						sender = m.SenderID
					}
					ts := time.UnixMilli(m.Timestamp).UTC().Format(time.RFC3339)
					fmt.Printf("[%s] %s (%s): %s\n", ts, sender, m.Channel, m.Body)
				}
				return nil
			})
		},
	}
	return cmd
}

func chatSendCmd() *cobra.Command {
	var body, mediaRef, mediaType string
	var external bool
	cmd := &cobra.Command{
		Use:   "send <order-id>",
		Short: "Send a message",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				m, err := e.SendMessage(ctx, engine.SendMessageOptions{
					OrderID:   orderID,
					SenderID:  viper.GetString("actor-id"),
					Body:      body,
					MediaRef:  mediaRef,
					MediaType: mediaType,
					External:  external,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(m)
			})
		},
	}
	cmd.Flags().StringVar(&body, "body", "", "message text")
	cmd.Flags().StringVar(&mediaRef, "media-ref", "", "media reference")
	cmd.Flags().StringVar(&mediaType, "media-type", "", "media type")
	cmd.Flags().BoolVar(&external, "external", false, "relay through the messaging gateway")
	return cmd
}

func notifyCmd() *cobra.Command {
	n := &cobra.Command{
		Use:   "notify",
		Short: "Milestone notifications",
	}
	n.AddCommand(notifyListCmd())
	n.AddCommand(notifyReadCmd())
	return n
}

func notifyListCmd() *cobra.Command {
	var f repo.NotificationFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.CompanyID == "" {
					f.CompanyID = e.Config.Company.ID
				}
				items, err := e.Repo.ListNotifications(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.CompanyID, "company", "", "company id")
	cmd.Flags().StringVar(&f.OrderID, "order", "", "order id filter")
	cmd.Flags().StringVar(&f.Audience, "audience", "", "audience filter")
	cmd.Flags().BoolVar(&f.Unread, "unread", false, "unread only")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func notifyReadCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "read <id>",
		Short: "Mark notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Repo.MarkNotificationRead(ctx, id)
			})
		},
	}
	return cmd
}

func ratingCmd() *cobra.Command {
	r := &cobra.Command{
		Use:   "rating",
		Short: "Satisfaction ratings",
	}
	r.AddCommand(ratingListCmd())
	r.AddCommand(ratingCaptureCmd())
	return r
}

func ratingListCmd() *cobra.Command {
	var f repo.RatingFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List captured ratings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if f.CompanyID == "" {
					f.CompanyID = e.Config.Company.ID
				}
				items, err := e.Repo.ListRatings(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.CompanyID, "company", "", "company id")
	cmd.Flags().StringVar(&f.OrderID, "order", "", "order id filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func ratingCaptureCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "capture <order-id>",
		Short: "Pull new gateway replies and capture rating scores",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			orderID := args[0]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				n, err := e.CaptureRatings(ctx, orderID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]int{"captured": n})
			})
		},
	}
	return cmd
}

func watchCmd() *cobra.Command {
	var interval int
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch open orders, firing milestones and capturing ratings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if interval <= 0 {
					interval = e.Config.PollIntervalSeconds()
				}
				notify := watch.NewNotifyHub()
				if _, err := notify.Subscribe(ctx, "", func(n domain.Notification) {
					fmt.Printf("[%s] %s\n", n.Type, n.Title)
				}); err != nil {
					return err
				}
				d := dispatch.Dispatcher{DB: e.DB, Repo: e.Repo, Events: e.Events, Config: e.Config, Now: e.Now}
				d.OnNotify = notify.Publish
				w := watch.Watcher{
					Engine:    e,
					Dispatch:  d,
					Hub:       watch.NewHub(),
					CompanyID: e.Config.Company.ID,
					Interval:  time.Duration(interval) * time.Second,
				}
				fmt.Printf("Watching company %s every %ds (Ctrl-C to stop)\n", w.CompanyID, interval)
				err := w.Run(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().IntVar(&interval, "interval", 0, "poll interval seconds (defaults to config)")
	return cmd
}

func logCmd() *cobra.Command {
	l := &cobra.Command{
		Use:   "log",
		Short: "Event log",
		Long:  "The diary of everything that happened: order changes, milestones, notifications, ratings.",
	}
	l.AddCommand(logTailCmd())
	return l
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, e.Config.Company.ID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func apikeyCmd() *cobra.Command {
	k := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	k.AddCommand(apikeyCreateCmd())
	k.AddCommand(apikeyListCmd())
	k.AddCommand(apikeyDeleteCmd())
	return k
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				actorID = viper.GetString("actor-id")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				secret := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(secret),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]string{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      secret,
				})
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
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
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, id)
			})
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			r := repo.Repo{DB: conn}
			_, cfg, err := app.ResolveCompanyAndConfig(cmd.Context(), workspace, viper.GetString("company"), viper.GetString("actor-id"), r)
			if err != nil {
				return err
			}
			e := engine.New(conn, cfg, gatewayClient(cfg))
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("FIELDLINE_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("FIELDLINE_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{Engine: e, BasePath: basePath, Auth: authCfg})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Fieldline API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

func gatewayClient(cfg *config.Config) gateway.Client {
	if cfg == nil || strings.TrimSpace(cfg.Gateway.BaseURL) == "" {
		return nil
	}
	return gateway.NewHTTP(cfg.Gateway.BaseURL, cfg.Gateway.Token)
}

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
	r := repo.Repo{DB: conn}
	_, cfg, err := app.ResolveCompanyAndConfig(ctx, workspace, viper.GetString("company"), viper.GetString("actor-id"), r)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg, gatewayClient(cfg))
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
	r := repo.Repo{DB: conn}
	return fn(ctx, r)
}

func parseStagePayload(raw string) (domain.StagePayload, error) {
	var payload domain.StagePayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return domain.StagePayload{}, fmt.Errorf("parse --payload-json: %w", err)
	}
	return payload, nil
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

func setEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o644)
}
