package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"flowline/internal/app"
	"flowline/internal/db"
	"flowline/internal/domain"
	"flowline/internal/engine"
	"flowline/internal/repo"
	"flowline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "fl",
	Short: "Flowline CLI",
	Long: `Flowline runs recurring business workflows as ordered step chains.
- Workspace: your .flowline directory holding the database; flowline.yml tunes defaults.
- Template: a reusable ordered step definition; locked on first use so history stays replayable.
- Project: one live run of a template; steps open strictly in order.
- Due dates: each step carries a rule (fixed, dependent, or ask-on-completion) that schedules it
  when its predecessor finishes; Sundays shift to Monday unless configured otherwise.
- Objections: assignees contest a schedule (date change, hold, terminate); approvers decide.
- Scores: every completion writes one immutable punctuality record.
- Tasks: ad-hoc delegated work that can be forwarded down a chain, audit trail included.`,
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
	viper.SetEnvPrefix("FLOWLINE")
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
	rootCmd.AddCommand(templateCmd())
	rootCmd.AddCommand(projectCmd())
	rootCmd.AddCommand(stepCmd())
	rootCmd.AddCommand(objectionCmd())
	rootCmd.AddCommand(scoreCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(roleCmd())
	rootCmd.AddCommand(serveCmd())
}

// --- templates ---

func templateCmd() *cobra.Command {
	tpl := &cobra.Command{
		Use:   "template",
		Short: "Manage workflow templates",
		Long:  "Templates define the ordered steps of a workflow. Import one from YAML, list them, inspect one. A template locks on first instantiation; edit a copy instead.",
	}
	tpl.AddCommand(templateImportCmd())
	tpl.AddCommand(templateListCmd())
	tpl.AddCommand(templateShowCmd())
	return tpl
}

type templateFile struct {
	ID        string                    `yaml:"id"`
	Name      string                    `yaml:"name"`
	Category  string                    `yaml:"category"`
	Frequency *domain.FrequencySettings `yaml:"frequency"`
	Steps     []domain.StepDef          `yaml:"steps"`
}

func templateImportCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a template from a YAML file",
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var tf templateFile
			if err := yaml.Unmarshal(data, &tf); err != nil {
				return fmt.Errorf("parse %s: %w", file, err)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateTemplate(ctx, engine.TemplateCreateOptions{
					ID:        tf.ID,
					Name:      tf.Name,
					Category:  tf.Category,
					Frequency: tf.Frequency,
					Steps:     tf.Steps,
					ActorID:   viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "template YAML file")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func templateListCmd() *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List templates",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListTemplates(ctx, category)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Category", "Steps", "Locked"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Category, len(t.Steps), t.LockedAt != nil})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "category filter")
	return cmd
}

func templateShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <template-id>",
		Short: "Show a template",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTemplate(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

// --- projects ---

func projectCmd() *cobra.Command {
	prj := &cobra.Command{
		Use:   "project",
		Short: "Manage projects",
		Long:  "A project is one live run of a template. Creating it snapshots the template's steps, schedules step 1, and locks the template.",
	}
	prj.AddCommand(projectCreateCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectShowCmd())
	prj.AddCommand(projectDeleteCmd())
	return prj
}

func projectCreateCmd() *cobra.Command {
	var id, templateID, name, startDate string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Instantiate a project from a template",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.InstantiateProject(ctx, engine.ProjectCreateOptions{
					ID:         id,
					TemplateID: templateID,
					Name:       name,
					StartDate:  startDate,
					ActorID:    viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "project id (generated if empty)")
	cmd.Flags().StringVar(&templateID, "template", "", "template id")
	cmd.Flags().StringVar(&name, "name", "", "project name")
	cmd.Flags().StringVar(&startDate, "start", "", "start date (RFC3339 or YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("template")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("start")
	return cmd
}

func projectListCmd() *cobra.Command {
	var user, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListProjects(ctx, repo.ProjectFilters{
					AssigneeID: user,
					Status:     status,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Template", "Status", "Start"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.TemplateID, p.Status, p.StartDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "only projects with steps assigned to this user")
	cmd.Flags().StringVar(&status, "status", "", "status filter (active, completed)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func projectShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show a project and its steps",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				p, err := e.Repo.GetProject(ctx, args[0])
				if err != nil {
					return err
				}
				tasks, err := e.Repo.ListTasks(ctx, p.ID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"project": p, "tasks": tasks})
				}
				fmt.Printf("Project: %s (%s) template=%s start=%s\n", p.Name, p.Status, p.TemplateID, p.StartDate)
				now := time.Now().UTC().Format(time.RFC3339)
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Step", "Description", "Status", "Due", "Assignees", "Overdue"})
				for _, t := range tasks {
					due := ""
					if t.PlannedDueDate != nil {
						due = *t.PlannedDueDate
					}
					tw.AppendRow(table.Row{t.StepNo, t.Description, t.Status, due, strings.Join(t.Assignees, ","), t.Overdue(now)})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func projectDeleteCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "delete <project-id>",
		Short: "Delete a project and everything under it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.DeleteProject(ctx, args[0], viper.GetString("actor-id"), reason)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "deletion reason (required)")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

// --- steps ---

func stepCmd() *cobra.Command {
	step := &cobra.Command{
		Use:   "step",
		Short: "Work on project steps",
		Long:  "Steps flow not_started -> pending -> in_progress -> done, gated by the previous step, the checklist, and required attachments. held and terminated come from approved objections.",
	}
	step.AddCommand(stepShowCmd())
	step.AddCommand(stepStartCmd())
	step.AddCommand(stepUpdateCmd())
	step.AddCommand(stepDoneCmd())
	step.AddCommand(stepDateCmd())
	step.AddCommand(stepReleaseCmd())
	step.AddCommand(stepAdminStatusCmd())
	step.AddCommand(stepAdminDueDateCmd())
	return step
}

func stepShowCmd() *cobra.Command {
	var stepNo int
	cmd := &cobra.Command{
		Use:   "show <project-id>",
		Short: "Show one step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0], stepNo)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&stepNo, "step", 0, "step number")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func stepStartCmd() *cobra.Command {
	var stepNo int
	var notes string
	cmd := &cobra.Command{
		Use:   "start <project-id>",
		Short: "Mark a step in progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transitionStep(cmd.Context(), args[0], stepNo, engine.StepTransitionOptions{
				Status: domain.StatusInProgress,
				Notes:  notes,
			})
		},
	}
	cmd.Flags().IntVar(&stepNo, "step", 0, "step number")
	cmd.Flags().StringVar(&notes, "notes", "", "progress notes")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func stepUpdateCmd() *cobra.Command {
	var stepNo int
	var notes string
	var ticks, unticks []string
	var attach []string
	cmd := &cobra.Command{
		Use:   "update <project-id>",
		Short: "Tick checklist items, add attachments, or update notes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attachments, err := attachmentsFromPaths(attach)
			if err != nil {
				return err
			}
			return transitionStep(cmd.Context(), args[0], stepNo, engine.StepTransitionOptions{
				Notes:       notes,
				Checklist:   checklistUpdates(ticks, unticks),
				Attachments: attachments,
			})
		},
	}
	cmd.Flags().IntVar(&stepNo, "step", 0, "step number")
	cmd.Flags().StringVar(&notes, "notes", "", "progress notes")
	cmd.Flags().StringArrayVar(&ticks, "tick", nil, "checklist item id to mark complete (repeatable)")
	cmd.Flags().StringArrayVar(&unticks, "untick", nil, "checklist item id to mark incomplete (repeatable)")
	cmd.Flags().StringArrayVar(&attach, "attach", nil, "file to attach (repeatable)")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func stepDoneCmd() *cobra.Command {
	var stepNo int
	var notes, date, nextDate string
	var ticks []string
	var attach []string
	cmd := &cobra.Command{
		Use:   "done <project-id>",
		Short: "Complete a step",
		Long:  "Completes a step once its gates pass: the previous step is done, required checklist items are ticked, and mandatory attachments are present. Use --next-date when the following step asks for its date at completion.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attachments, err := attachmentsFromPaths(attach)
			if err != nil {
				return err
			}
			return transitionStep(cmd.Context(), args[0], stepNo, engine.StepTransitionOptions{
				Status:         domain.StatusDone,
				Notes:          notes,
				Checklist:      checklistUpdates(ticks, nil),
				Attachments:    attachments,
				PlannedDueDate: date,
				NextStepDate:   nextDate,
			})
		},
	}
	cmd.Flags().IntVar(&stepNo, "step", 0, "step number")
	cmd.Flags().StringVar(&notes, "notes", "", "completion notes")
	cmd.Flags().StringVar(&date, "date", "", "due date for this step if it was still awaiting one")
	cmd.Flags().StringVar(&nextDate, "next-date", "", "due date for the next step if it asks at completion")
	cmd.Flags().StringArrayVar(&ticks, "tick", nil, "checklist item id to mark complete (repeatable)")
	cmd.Flags().StringArrayVar(&attach, "attach", nil, "file to attach (repeatable)")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func stepDateCmd() *cobra.Command {
	var stepNo int
	var date string
	cmd := &cobra.Command{
		Use:   "date <project-id>",
		Short: "Supply the due date an awaiting step needs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SeedStepDate(ctx, args[0], stepNo, date, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&stepNo, "step", 0, "step number")
	cmd.Flags().StringVar(&date, "date", "", "due date (RFC3339 or YYYY-MM-DD)")
	_ = cmd.MarkFlagRequired("step")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func stepReleaseCmd() *cobra.Command {
	var stepNo int
	var remarks string
	cmd := &cobra.Command{
		Use:   "release <project-id>",
		Short: "Release a held step back to pending",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ReleaseHold(ctx, args[0], stepNo, viper.GetString("actor-id"), remarks)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&stepNo, "step", 0, "step number")
	cmd.Flags().StringVar(&remarks, "remarks", "", "release remarks")
	_ = cmd.MarkFlagRequired("step")
	return cmd
}

func stepAdminStatusCmd() *cobra.Command {
	var stepNo int
	var status, reason string
	cmd := &cobra.Command{
		Use:   "admin-status <project-id>",
		Short: "Force a step status (approvers only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.OverrideStepStatus(ctx, args[0], stepNo, status, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&stepNo, "step", 0, "step number")
	cmd.Flags().StringVar(&status, "status", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "", "override reason (required)")
	_ = cmd.MarkFlagRequired("step")
	_ = cmd.MarkFlagRequired("status")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func stepAdminDueDateCmd() *cobra.Command {
	var stepNo int
	var date, reason string
	cmd := &cobra.Command{
		Use:   "admin-duedate <project-id>",
		Short: "Force a step due date (approvers only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.OverrideStepDueDate(ctx, args[0], stepNo, date, viper.GetString("actor-id"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().IntVar(&stepNo, "step", 0, "step number")
	cmd.Flags().StringVar(&date, "date", "", "due date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&reason, "reason", "", "override reason (required)")
	_ = cmd.MarkFlagRequired("step")
	_ = cmd.MarkFlagRequired("date")
	_ = cmd.MarkFlagRequired("reason")
	return cmd
}

func transitionStep(ctx context.Context, projectID string, stepNo int, opts engine.StepTransitionOptions) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		opts.ProjectID = projectID
		opts.StepNo = stepNo
		opts.ActorID = viper.GetString("actor-id")
		t, err := e.TransitionStep(ctx, opts)
		if err != nil {
			return err
		}
		return printJSONOrTable(t)
	})
}

// --- objections ---

func objectionCmd() *cobra.Command {
	obj := &cobra.Command{
		Use:   "objection",
		Short: "Contest and decide step schedules",
		Long:  "Assignees raise objections (date_change, hold, terminate) against a step's schedule; approvers approve or reject. One pending objection per step.",
	}
	obj.AddCommand(objectionRaiseCmd())
	obj.AddCommand(objectionResolveCmd())
	obj.AddCommand(objectionListCmd())
	return obj
}

func objectionRaiseCmd() *cobra.Command {
	var stepNo, extraDays int
	var objType, date, remarks string
	cmd := &cobra.Command{
		Use:   "raise <project-id>",
		Short: "Raise an objection against a step",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.RaiseObjection(ctx, engine.ObjectionRaiseOptions{
					ProjectID:          args[0],
					StepNo:             stepNo,
					Type:               objType,
					RequestedDate:      date,
					ExtraDaysRequested: extraDays,
					Remarks:            remarks,
					ActorID:            viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().IntVar(&stepNo, "step", 0, "step number")
	cmd.Flags().StringVar(&objType, "type", "", "objection type (date_change, hold, terminate)")
	cmd.Flags().StringVar(&date, "date", "", "requested date (date_change only)")
	cmd.Flags().IntVar(&extraDays, "extra-days", 0, "extra days requested")
	cmd.Flags().StringVar(&remarks, "remarks", "", "why the schedule cannot hold")
	_ = cmd.MarkFlagRequired("step")
	_ = cmd.MarkFlagRequired("type")
	return cmd
}

func objectionResolveCmd() *cobra.Command {
	var decision, remarks string
	cmd := &cobra.Command{
		Use:   "resolve <objection-id>",
		Short: "Approve or reject a pending objection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				o, err := e.ResolveObjection(ctx, args[0], decision, remarks, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(o)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved or rejected")
	cmd.Flags().StringVar(&remarks, "remarks", "", "decision remarks")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func objectionListCmd() *cobra.Command {
	var projectID, requestedBy, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List objections",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListObjections(ctx, repo.ObjectionFilters{
					ProjectID:   projectID,
					RequestedBy: requestedBy,
					Status:      status,
					Limit:       limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Project", "Step", "Type", "Status", "By", "Requested"})
				for _, o := range items {
					tw.AppendRow(table.Row{o.ID, o.ProjectID, o.StepNo, o.Type, o.Status, o.RequestedBy, o.RequestedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&requestedBy, "by", "", "requester filter")
	cmd.Flags().StringVar(&status, "status", "", "status filter (pending, approved, rejected)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

// --- scores ---

func scoreCmd() *cobra.Command {
	score := &cobra.Command{
		Use:   "score",
		Short: "Punctuality score logs",
	}
	score.AddCommand(scoreListCmd())
	return score
}

func scoreListCmd() *cobra.Command {
	var user, entityType string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List score logs, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListScoreLogs(ctx, repo.ScoreFilters{
					UserID:     user,
					EntityType: entityType,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Entity", "ID", "User", "On time", "Score", "Impacted", "Completed"})
				for _, s := range items {
					tw.AppendRow(table.Row{s.EntityType, s.EntityID, s.UserID, s.WasOnTime, fmt.Sprintf("%.0f%%", s.ScorePercentage), s.ScoreImpacted, s.CompletedDate})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user filter")
	cmd.Flags().StringVar(&entityType, "entity-type", "", "entity type filter (fms, task)")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

// --- delegated tasks ---

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage delegated tasks",
		Long:  "Delegated tasks live outside any workflow. The current owner can forward one down a chain with a new due date; every hop is recorded and counts against the final score.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskForwardCmd())
	task.AddCommand(taskCompleteCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var title, description, assignee, due string
	var checklist []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a delegated task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CreateMultiLevelTask(ctx, engine.MultiLevelTaskCreateOptions{
					Title:       title,
					Description: description,
					AssignedTo:  assignee,
					DueDate:     due,
					Checklist:   checklist,
					ActorID:     viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&title, "title", "", "task title")
	cmd.Flags().StringVar(&description, "description", "", "task description")
	cmd.Flags().StringVar(&assignee, "assign", "", "initial assignee")
	cmd.Flags().StringVar(&due, "due", "", "due date (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringArrayVar(&checklist, "check", nil, "checklist item text (repeatable)")
	_ = cmd.MarkFlagRequired("title")
	_ = cmd.MarkFlagRequired("assign")
	_ = cmd.MarkFlagRequired("due")
	return cmd
}

func taskListCmd() *cobra.Command {
	var assignee string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List delegated tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListMultiLevelTasks(ctx, assignee, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Assignee", "Status", "Due", "Hops"})
				for _, t := range items {
					tw.AppendRow(table.Row{t.ID, t.Title, t.AssignedTo, t.Status, t.DueDate, len(t.ForwardingHistory)})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&assignee, "assignee", "", "assignee filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <task-id>",
		Short: "Show a delegated task with its forwarding history",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetMultiLevelTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskForwardCmd() *cobra.Command {
	var to, due, remarks string
	cmd := &cobra.Command{
		Use:   "forward <task-id>",
		Short: "Forward a delegated task to a new owner",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ForwardMultiLevelTask(ctx, args[0], to, due, remarks, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&to, "to", "", "new owner")
	cmd.Flags().StringVar(&due, "due", "", "new due date")
	cmd.Flags().StringVar(&remarks, "remarks", "", "forwarding remarks")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("due")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var remarks string
	var ticks []string
	cmd := &cobra.Command{
		Use:   "complete <task-id>",
		Short: "Complete a delegated task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.CompleteMultiLevelTask(ctx, args[0], remarks, viper.GetString("actor-id"), checklistUpdates(ticks, nil))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&remarks, "remarks", "", "completion remarks")
	cmd.Flags().StringArrayVar(&ticks, "tick", nil, "checklist item id to mark complete (repeatable)")
	return cmd
}

// --- events ---

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Audit event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var projectID, evtType, entityKind, entityID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, projectID, evtType, entityKind, entityID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Project", "Entity", "Actor"})
				for _, ev := range events {
					tw.AppendRow(table.Row{ev.TS, ev.Type, ev.ProjectID, ev.EntityKind + "/" + ev.EntityID, ev.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&projectID, "project", "", "project filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

// --- roles ---

func roleCmd() *cobra.Command {
	role := &cobra.Command{
		Use:   "role",
		Short: "Manage actor roles",
		Long:  "Roles feed the approver check for objections, overrides, and project deletion. Which roles count as approvers is set in flowline.yml.",
	}
	role.AddCommand(roleAssignCmd())
	role.AddCommand(roleRevokeCmd())
	return role
}

func roleAssignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "assign <actor-id> <role-id>",
		Short: "Grant a role to an actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.AssignRole(ctx, args[0], args[1], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

func roleRevokeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "revoke <actor-id> <role-id>",
		Short: "Revoke a role from an actor",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.RevokeRole(ctx, args[0], args[1], viper.GetString("actor-id"))
			})
		},
	}
	return cmd
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath string
	var allowActorHeader bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := app.Bootstrap(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer rt.Close()
			logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
			authCfg := server.AuthConfig{
				JWTSecret:              os.Getenv("FLOWLINE_JWT_SECRET"),
				AllowLegacyActorHeader: allowActorHeader,
				Logger:                 logger,
			}
			if authCfg.JWTSecret == "" && !allowActorHeader {
				return fmt.Errorf("set FLOWLINE_JWT_SECRET for bearer auth, or pass --allow-actor-header for local use")
			}
			handler, err := server.New(server.Config{
				Engine:   rt.Engine,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   logger,
			})
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
			fmt.Printf("Serving Flowline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v1", "API base path")
	cmd.Flags().BoolVar(&allowActorHeader, "allow-actor-header", false, "accept the X-Actor-Id header without credentials (local use only)")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	rt, err := app.Bootstrap(viper.GetString("workspace"))
	if err != nil {
		return err
	}
	defer rt.Close()
	return fn(ctx, rt.Engine)
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

func checklistUpdates(ticks, unticks []string) []engine.ChecklistUpdate {
	var out []engine.ChecklistUpdate
	for _, id := range ticks {
		out = append(out, engine.ChecklistUpdate{ID: id, Completed: true})
	}
	for _, id := range unticks {
		out = append(out, engine.ChecklistUpdate{ID: id, Completed: false})
	}
	return out
}

func attachmentsFromPaths(paths []string) ([]domain.Attachment, error) {
	var out []domain.Attachment
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.Attachment{
			Filename: filepath.Base(p),
			Path:     p,
			Size:     info.Size(),
		})
	}
	return out, nil
}
