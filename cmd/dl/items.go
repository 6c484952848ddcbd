package main

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"deskline/internal/app"
	"deskline/internal/domain"
	"deskline/internal/engine"
	"deskline/internal/repo"
)

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Aliases: []string{"items"}, Short: "Manage work items"}
	cmd.AddCommand(itemCreateCmd())
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemGetCmd())
	cmd.AddCommand(itemClaimCmd())
	cmd.AddCommand(itemCompleteCmd())
	cmd.AddCommand(itemFailCmd())
	cmd.AddCommand(itemBlockCmd())
	cmd.AddCommand(itemCancelCmd())
	cmd.AddCommand(itemUnblockCmd())
	cmd.AddCommand(itemRouteCmd())
	return cmd
}

func printItems(items []domain.WorkItem) error {
	return printJSONOrTable(items, table.Row{"ID", "Title", "Status", "Pri", "Class", "Desk", "Worker"}, func(add func(table.Row)) {
		for _, it := range items {
			add(table.Row{it.ID, truncate(it.Title, 48), it.Status, it.Priority, it.AssigneeClass, deref(it.DeskID), deref(it.WorkerID)})
		}
	})
}

func printItem(it domain.WorkItem) error {
	return printItems([]domain.WorkItem{it})
}

func itemCreateCmd() *cobra.Command {
	var opts engine.ItemCreateOptions
	var class, rawContext string
	var route bool
	cmd := &cobra.Command{
		Use:   "create <title>",
		Short: "Queue a new work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctxMap, err := parseJSONObject("context", rawContext)
			if err != nil {
				return err
			}
			opts.Title = args[0]
			opts.TenantID = tenant()
			opts.ActorID = actor()
			opts.AssigneeClass = domain.AssigneeClass(class)
			opts.Context = ctxMap
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.CreateItem(ctx, opts)
				if err != nil {
					return err
				}
				if route && it.DeskID == nil {
					res, err := a.Router.Route(ctx, it.TenantID, it)
					if err != nil {
						return err
					}
					if res != nil {
						if it, err = a.Engine.AssignDesk(ctx, it.TenantID, it.ID, res.DeskID, actor()); err != nil {
							return err
						}
					}
				}
				return printItem(it)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority, 1 is most urgent (default 3)")
	cmd.Flags().StringVar(&class, "class", string(domain.AssigneeAgent), "assignee class (agent, human)")
	cmd.Flags().StringVar(&opts.ProjectID, "project", "", "project id")
	cmd.Flags().StringVar(&opts.DeskID, "desk", "", "desk id")
	cmd.Flags().StringVar(&opts.RelatedRef, "related-ref", "", "external record reference")
	cmd.Flags().StringVar(&rawContext, "context", "", "context as a JSON object")
	cmd.Flags().BoolVar(&route, "route", false, "route to a desk after creating")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items, highest priority first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.TenantID = tenant()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Engine.ListItems(ctx, f)
				if err != nil {
					return err
				}
				return printItems(items)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.DeskID, "desk", "", "desk filter")
	cmd.Flags().StringVar(&f.AssigneeClass, "class", "", "assignee class filter")
	cmd.Flags().StringVar(&f.ProjectID, "project", "", "project filter")
	cmd.Flags().StringVar(&f.WorkerID, "worker", "", "worker filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max items")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.GetItem(ctx, tenant(), args[0])
				if err != nil {
					return err
				}
				return printJSON(it)
			})
		},
	}
}

func itemClaimCmd() *cobra.Command {
	var worker, class string
	var withContext bool
	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Claim the next queued item for a worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			if worker == "" {
				worker = actor()
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if withContext {
					wc, err := a.Engine.GetNextWithContext(ctx, tenant(), worker, domain.AssigneeClass(class))
					if err != nil {
						return err
					}
					if wc == nil {
						fmt.Println("No work available")
						return nil
					}
					return printJSON(wc)
				}
				it, err := a.Engine.ClaimNext(ctx, tenant(), worker, domain.AssigneeClass(class))
				if err != nil {
					return err
				}
				if it == nil {
					fmt.Println("No work available")
					return nil
				}
				return printItem(*it)
			})
		},
	}
	cmd.Flags().StringVar(&worker, "worker", "", "worker id (default --actor-id)")
	cmd.Flags().StringVar(&class, "class", string(domain.AssigneeAgent), "assignee class")
	cmd.Flags().BoolVar(&withContext, "with-context", false, "include project, people, history and playbooks")
	return cmd
}

func itemCompleteCmd() *cobra.Command {
	var rawOutput string
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Complete a working item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output, err := parseJSONObject("output", rawOutput)
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.CompleteItem(ctx, tenant(), args[0], output, actor())
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
	cmd.Flags().StringVar(&rawOutput, "output", "", "result as a JSON object")
	return cmd
}

func itemFailCmd() *cobra.Command {
	var reason string
	var retry bool
	cmd := &cobra.Command{
		Use:   "fail <id>",
		Short: "Fail a working item, optionally requeueing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.FailItem(ctx, tenant(), args[0], reason, retry, actor())
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "failure reason")
	cmd.Flags().BoolVar(&retry, "retry", false, "requeue the item instead of failing it for good")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func itemBlockCmd() *cobra.Command {
	var req engine.BlockRequest
	cmd := &cobra.Command{
		Use:   "block <id>",
		Short: "Block a working item behind a question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.Question == "" && req.QuestionID == "" {
				return fmt.Errorf("--question or --question-id required")
			}
			req.ActorID = actor()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				res, err := a.Engine.Block(ctx, tenant(), args[0], req)
				if err != nil {
					return err
				}
				return printJSON(res)
			})
		},
	}
	cmd.Flags().StringVar(&req.Question, "question", "", "question text")
	cmd.Flags().StringVar(&req.Why, "why", "", "why the item is blocked")
	cmd.Flags().StringVar(&req.WhatWillBeDone, "plan", "", "what will be done once answered")
	cmd.Flags().StringVar(&req.QuestionID, "question-id", "", "link an existing unanswered question")
	cmd.Flags().IntVar(&req.Priority, "priority", 0, "question priority (default 3)")
	return cmd
}

func itemCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.CancelItem(ctx, tenant(), args[0], actor())
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
}

func itemUnblockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock <id>",
		Short: "Return a blocked item to the queue without answering",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				it, err := a.Engine.UnblockItem(ctx, tenant(), args[0], actor())
				if err != nil {
					return err
				}
				return printItem(it)
			})
		},
	}
}

func itemRouteCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "route [id]",
		Short: "Route an item, or every unassigned item with --all",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return fmt.Errorf("pass an item id or --all")
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if all {
					n, err := a.Router.AutoRouteUnassigned(ctx, tenant())
					if err != nil {
						return err
					}
					return printJSON(map[string]int{"routed": n})
				}
				it, err := a.Engine.GetItem(ctx, tenant(), args[0])
				if err != nil {
					return err
				}
				res, err := a.Router.Route(ctx, it.TenantID, it)
				if err != nil {
					return err
				}
				if res == nil {
					fmt.Println("No desk matched")
					return nil
				}
				if it, err = a.Engine.AssignDesk(ctx, it.TenantID, it.ID, res.DeskID, actor()); err != nil {
					return err
				}
				if !res.Covered {
					fmt.Printf("Desk %s is outside coverage hours\n", res.DeskName)
				}
				return printItem(it)
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "route every unassigned queued item")
	return cmd
}

func questionCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "question", Aliases: []string{"questions"}, Short: "Manage blocking questions"}
	cmd.AddCommand(questionListCmd())
	cmd.AddCommand(questionAskCmd())
	cmd.AddCommand(questionAnswerCmd())
	cmd.AddCommand(questionDismissCmd())
	return cmd
}

func printQuestions(qs []domain.Question) error {
	return printJSONOrTable(qs, table.Row{"ID", "Question", "Status", "Pri", "Items"}, func(add func(table.Row)) {
		for _, q := range qs {
			add(table.Row{q.ID, truncate(q.Text, 56), q.Status, q.Priority, len(q.ItemIDs)})
		}
	})
}

func questionListCmd() *cobra.Command {
	var f repo.QuestionFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List questions, most urgent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.TenantID = tenant()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				qs, err := a.Engine.ListQuestions(ctx, f)
				if err != nil {
					return err
				}
				return printQuestions(qs)
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter (unanswered, answered, dismissed)")
	cmd.Flags().StringVar(&f.ItemID, "item", "", "questions blocking this item")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max questions")
	return cmd
}

func questionAskCmd() *cobra.Command {
	var opts engine.QuestionCreateOptions
	cmd := &cobra.Command{
		Use:   "ask <text>",
		Short: "Create a standalone question",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Text = args[0]
			opts.TenantID = tenant()
			opts.ActorID = actor()
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := a.Engine.CreateQuestion(ctx, opts)
				if err != nil {
					return err
				}
				return printQuestions([]domain.Question{q})
			})
		},
	}
	cmd.Flags().StringVar(&opts.Context, "why", "", "context for the answerer")
	cmd.Flags().StringVar(&opts.Plan, "plan", "", "what will be done once answered")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority (default 3)")
	return cmd
}

func questionAnswerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "answer <id> <answer>",
		Short: "Answer a question and release the items it blocks",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				unblocked, err := a.Engine.Answer(ctx, tenant(), args[0], args[1], actor())
				if err != nil {
					return err
				}
				if unblocked == nil {
					unblocked = []string{}
				}
				return printJSON(map[string]any{"question_id": args[0], "unblocked": unblocked})
			})
		},
	}
}

func questionDismissCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "dismiss <id>",
		Short: "Dismiss a question, leaving its items blocked",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				q, err := a.Engine.Dismiss(ctx, tenant(), args[0], reason, actor())
				if err != nil {
					return err
				}
				return printQuestions([]domain.Question{q})
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "dismissal reason")
	return cmd
}
