package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"deskline/internal/app"
	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/ingest"
	"deskline/internal/repo"
	"deskline/internal/router"
)

func deskCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "desk", Aliases: []string{"desks"}, Short: "Manage desks, routing rules and coverage"}
	cmd.AddCommand(deskCreateCmd())
	cmd.AddCommand(deskListCmd())
	cmd.AddCommand(deskCoverageCmd())
	cmd.AddCommand(deskDeleteCmd())
	return cmd
}

// deskFile is the YAML shape accepted by --from.
type deskFile struct {
	Rules     []domain.RoutingRule      `yaml:"rules"`
	Schedules []domain.CoverageSchedule `yaml:"schedules"`
}

func readDeskFile(path string) (deskFile, error) {
	var f deskFile
	data, err := os.ReadFile(path)
	if err != nil {
		return f, err
	}
	if err := yaml.Unmarshal(data, &f); err != nil {
		return f, fmt.Errorf("parse %s: %w", path, err)
	}
	return f, nil
}

func printDesks(desks []domain.Desk) error {
	return printJSONOrTable(desks, table.Row{"ID", "Name", "Active", "Pri", "Rules", "Schedules"}, func(add func(table.Row)) {
		for _, d := range desks {
			add(table.Row{d.ID, d.Name, d.Active, d.Priority, len(d.Rules), len(d.Schedules)})
		}
	})
}

func deskCreateCmd() *cobra.Command {
	var from, rawRules string
	var priority int
	var inactive bool
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a desk",
		Long: `Create a desk. Rules and schedules come from a YAML file:

  rules:
    - {field: priority, operator: in, values: ["1", "2"]}
    - {field: context.channel, operator: equals, value: email}
  schedules:
    - {day: mon, start: "09:00", end: "17:00", tz: Europe/Paris}`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var spec deskFile
			if from != "" {
				f, err := readDeskFile(from)
				if err != nil {
					return err
				}
				spec = f
			}
			if rawRules != "" {
				if err := json.Unmarshal([]byte(rawRules), &spec.Rules); err != nil {
					return fmt.Errorf("--rules must be a JSON array: %w", err)
				}
			}
			active := !inactive
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				d, err := a.Router.CreateDesk(ctx, router.DeskOptions{
					TenantID:  tenant(),
					Name:      args[0],
					Active:    &active,
					Priority:  priority,
					Rules:     spec.Rules,
					Schedules: spec.Schedules,
					ActorID:   actor(),
				})
				if err != nil {
					return err
				}
				return printDesks([]domain.Desk{d})
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "YAML file with rules and schedules")
	cmd.Flags().StringVar(&rawRules, "rules", "", "rules as a JSON array (overrides --from rules)")
	cmd.Flags().IntVar(&priority, "priority", 0, "evaluation order, lower first")
	cmd.Flags().BoolVar(&inactive, "inactive", false, "create the desk inactive")
	return cmd
}

func deskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List desks in evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				desks, err := a.Router.ListDesks(ctx, tenant())
				if err != nil {
					return err
				}
				return printDesks(desks)
			})
		},
	}
}

func deskCoverageCmd() *cobra.Command {
	var at string
	cmd := &cobra.Command{
		Use:   "coverage <id>",
		Short: "Report whether a desk is staffed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			when := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC3339: %w", err)
				}
				when = t
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				covered, err := a.Router.Coverage(ctx, tenant(), args[0], when)
				if err != nil {
					return err
				}
				return printJSON(map[string]any{"desk_id": args[0], "at": when.Format(time.RFC3339), "covered": covered})
			})
		},
	}
	cmd.Flags().StringVar(&at, "at", "", "instant to check (RFC3339, default now)")
	return cmd
}

func deskDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Soft-delete a desk",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Router.DeleteDesk(ctx, tenant(), args[0], actor())
			})
		},
	}
}

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "monitor", Aliases: []string{"monitors"}, Short: "Manage event monitors"}
	cmd.AddCommand(monitorCreateCmd())
	cmd.AddCommand(monitorListCmd())
	cmd.AddCommand(monitorPollCmd())
	cmd.AddCommand(monitorEventsCmd())
	cmd.AddCommand(monitorStateCmd("pause", "Pause polling and webhook intake"))
	cmd.AddCommand(monitorStateCmd("resume", "Resume a paused monitor"))
	cmd.AddCommand(monitorStateCmd("delete", "Soft-delete a monitor"))
	return cmd
}

func printMonitors(list []domain.Monitor) error {
	return printJSONOrTable(list, table.Row{"ID", "Provider", "Status", "Every", "Last polled", "Error"}, func(add func(table.Row)) {
		for _, m := range list {
			add(table.Row{m.ID, m.Provider, m.Status, fmt.Sprintf("%ds", m.PollIntervalSeconds), deref(m.LastPolledAt), truncate(deref(m.LastError), 40)})
		}
	})
}

func monitorCreateCmd() *cobra.Command {
	var opts ingest.MonitorOptions
	var class, settings string
	cmd := &cobra.Command{
		Use:   "create <provider>",
		Short: "Create a monitor (feed, github, slack)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := parseJSONObject("settings", settings)
			if err != nil {
				return err
			}
			opts.Provider = args[0]
			opts.TenantID = tenant()
			opts.ActorID = actor()
			opts.Config = cfg
			opts.AssigneeClass = domain.AssigneeClass(class)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				m, err := a.Ingestor.CreateMonitor(ctx, opts)
				if err != nil {
					return err
				}
				return printMonitors([]domain.Monitor{m})
			})
		},
	}
	cmd.Flags().StringVar(&opts.ConnectionRef, "connection", "", "credential reference")
	cmd.Flags().StringVar(&settings, "settings", "", "provider settings as a JSON object")
	cmd.Flags().StringVar(&opts.TargetDeskID, "desk", "", "desk for created items (default: routed)")
	cmd.Flags().StringVar(&class, "class", "", "assignee class for created items")
	cmd.Flags().IntVar(&opts.DefaultPriority, "priority", 0, "priority for created items")
	cmd.Flags().IntVar(&opts.PollIntervalSeconds, "every", 0, "poll interval in seconds")
	return cmd
}

func monitorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List monitors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Ingestor.ListMonitors(ctx, tenant())
				if err != nil {
					return err
				}
				return printMonitors(list)
			})
		},
	}
}

func monitorPollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll <id>",
		Short: "Poll a monitor now",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Ingestor.PollMonitor(ctx, tenant(), args[0])
				if err != nil {
					return err
				}
				if res.Created == nil {
					res.Created = []string{}
				}
				return printJSON(res)
			})
		},
	}
}

func monitorEventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events <id>",
		Short: "List events a monitor received, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Ingestor.ListMonitorEvents(ctx, tenant(), args[0], limit)
				if err != nil {
					return err
				}
				return printJSONOrTable(list, table.Row{"ID", "Provider event", "Type", "Item", "At"}, func(add func(table.Row)) {
					for _, ev := range list {
						add(table.Row{ev.ID, truncate(ev.ProviderEventID, 40), ev.EventType, deref(ev.TaskID), ev.CreatedAt})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "max events")
	return cmd
}

func monitorStateCmd(verb, short string) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				var (
					m   domain.Monitor
					err error
				)
				switch verb {
				case "pause":
					m, err = a.Ingestor.PauseMonitor(ctx, tenant(), args[0], actor())
				case "resume":
					m, err = a.Ingestor.ResumeMonitor(ctx, tenant(), args[0], actor())
				default:
					return a.Ingestor.DeleteMonitor(ctx, tenant(), args[0], actor())
				}
				if err != nil {
					return err
				}
				return printMonitors([]domain.Monitor{m})
			})
		},
	}
}

func playbookCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "playbook", Aliases: []string{"playbooks"}, Short: "Manage playbooks offered on claim"}
	cmd.AddCommand(playbookCreateCmd())
	cmd.AddCommand(playbookListCmd())
	return cmd
}

func playbookCreateCmd() *cobra.Command {
	var keywords []string
	var body, file string
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a playbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				body = string(data)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				p, err := a.Engine.CreatePlaybook(ctx, engine.PlaybookCreateOptions{
					TenantID: tenant(),
					Name:     args[0],
					Keywords: keywords,
					Body:     body,
					ActorID:  actor(),
				})
				if err != nil {
					return err
				}
				return printJSON(p)
			})
		},
	}
	cmd.Flags().StringSliceVar(&keywords, "keyword", nil, "matching keyword (repeatable)")
	cmd.Flags().StringVar(&body, "body", "", "playbook text")
	cmd.Flags().StringVar(&file, "file", "", "read playbook text from a file")
	return cmd
}

func playbookListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List playbooks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.ListPlaybooks(ctx, tenant())
				if err != nil {
					return err
				}
				return printJSONOrTable(list, table.Row{"ID", "Name", "Keywords"}, func(add func(table.Row)) {
					for _, p := range list {
						add(table.Row{p.ID, p.Name, strings.Join(p.Keywords, ", ")})
					}
				})
			})
		},
	}
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Aliases: []string{"apikeys"}, Short: "Manage tenant API keys"}
	cmd.AddCommand(&cobra.Command{
		Use:   "create [name]",
		Short: "Issue an API key; the key is shown once",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, plain, err := a.Engine.CreateAPIKey(ctx, tenant(), name, actor())
				if err != nil {
					return err
				}
				return printJSON(map[string]string{"id": key.ID, "tenant_id": key.TenantID, "key": plain})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				keys, err := a.Engine.ListAPIKeys(ctx, tenant())
				if err != nil {
					return err
				}
				return printJSONOrTable(keys, table.Row{"ID", "Name", "Created"}, func(add func(table.Row)) {
					for _, k := range keys {
						add(table.Row{k.ID, k.Name, k.CreatedAt})
					}
				})
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeAPIKey(ctx, tenant(), args[0], actor())
			})
		},
	})
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue depth by status and desk",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				st, err := a.Engine.Stats(ctx, tenant())
				if err != nil {
					return err
				}
				return printJSONOrTable(st, table.Row{"Group", "Key", "Count"}, func(add func(table.Row)) {
					for _, s := range domain.Statuses {
						add(table.Row{"status", s, st.ByStatus[s]})
					}
					desks := make([]string, 0, len(st.ByDesk))
					for d := range st.ByDesk {
						desks = append(desks, d)
					}
					sort.Strings(desks)
					for _, d := range desks {
						add(table.Row{"desk", d, st.ByDesk[d]})
					}
					add(table.Row{"total", "", st.Total})
				})
			})
		},
	}
}

func eventsCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the audit log, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.TenantID = tenant()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				list, err := a.Engine.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(list, table.Row{"ID", "At", "Type", "Entity", "Actor"}, func(add func(table.Row)) {
					for _, ev := range list {
						add(table.Row{ev.ID, ev.TS, ev.Type, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
					}
				})
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind filter")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id filter")
	cmd.Flags().Int64Var(&f.Before, "before", 0, "events older than this id")
	return cmd
}
