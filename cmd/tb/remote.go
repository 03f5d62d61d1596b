package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	taskboardsdk "taskboard/sdk/go"
)

func taskCmd() *cobra.Command {
	task := &cobra.Command{Use: "task", Short: "Manage tasks on a running server"}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskUpdateCmd())
	task.AddCommand(taskDeleteCmd())
	task.AddCommand(taskAssignCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var in taskboardsdk.TaskCreate
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create task",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().CreateTask(cmd.Context(), in)
			if err != nil {
				return err
			}
			return printTaskResult(res)
		},
	}
	cmd.Flags().StringVar(&in.Title, "title", "", "title")
	cmd.Flags().StringVar(&in.Description, "description", "", "description")
	cmd.Flags().StringVar(&in.AssignedUserID, "assignee", "", "assigned user id")
	cmd.Flags().StringVar(&in.Status, "status", "", "Todo, In Progress or Done")
	cmd.Flags().StringVar(&in.Priority, "priority", "", "Low, Medium or High")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().ListTasks(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			printTasks(items)
			return nil
		},
	}
}

func taskUpdateCmd() *cobra.Command {
	var (
		id                              string
		title, description, assignee    string
		status, priority, expected      string
		clearAssignee, clearDescription bool
	)
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Update a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			in := taskboardsdk.TaskUpdate{ClearAssignee: clearAssignee, ClearDescription: clearDescription}
			if cmd.Flags().Changed("title") {
				in.Title = &title
			}
			if cmd.Flags().Changed("description") {
				in.Description = &description
			}
			if cmd.Flags().Changed("assignee") {
				in.AssignedUserID = &assignee
			}
			if cmd.Flags().Changed("status") {
				in.Status = &status
			}
			if cmd.Flags().Changed("priority") {
				in.Priority = &priority
			}
			if expected != "" {
				ts, err := time.Parse(time.RFC3339Nano, expected)
				if err != nil {
					return fmt.Errorf("--expected-updated-at: %w", err)
				}
				in.ExpectedUpdatedAt = &ts
			}
			res, err := newClient().UpdateTask(cmd.Context(), id, in)
			var conflict *taskboardsdk.VersionConflict
			if errors.As(err, &conflict) {
				if viper.GetBool("json") {
					_ = printJSON(map[string]any{"server_version": conflict.Server, "client_version": conflict.Client})
				} else {
					fmt.Println("Conflict: the task changed since", expected)
					printTasks([]taskboardsdk.Task{conflict.Server, conflict.Client})
				}
				return err
			}
			if err != nil {
				return err
			}
			return printTaskResult(res)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	cmd.Flags().StringVar(&title, "title", "", "title")
	cmd.Flags().StringVar(&description, "description", "", "description")
	cmd.Flags().StringVar(&assignee, "assignee", "", "assigned user id")
	cmd.Flags().StringVar(&status, "status", "", "Todo, In Progress or Done")
	cmd.Flags().StringVar(&priority, "priority", "", "Low, Medium or High")
	cmd.Flags().StringVar(&expected, "expected-updated-at", "", "reject the update if the task changed after this RFC3339 timestamp")
	cmd.Flags().BoolVar(&clearAssignee, "clear-assignee", false, "unassign the task")
	cmd.Flags().BoolVar(&clearDescription, "clear-description", false, "remove the description")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskDeleteCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Delete a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			warning, err := newClient().DeleteTask(cmd.Context(), id)
			if err != nil {
				return err
			}
			printWarning(warning)
			if viper.GetBool("json") {
				return printJSON(map[string]string{"msg": "Task deleted", "id": id})
			}
			fmt.Println("Task deleted:", id)
			return nil
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func taskAssignCmd() *cobra.Command {
	var id string
	cmd := &cobra.Command{
		Use:   "assign",
		Short: "Smart-assign a task to the least loaded user",
		RunE: func(cmd *cobra.Command, args []string) error {
			res, err := newClient().SmartAssign(cmd.Context(), id)
			if err != nil {
				return err
			}
			return printTaskResult(res)
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "task id")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func actionsCmd() *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Show recent actions, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := newClient().Actions(cmd.Context(), n)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(items)
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(os.Stdout)
			tw.AppendHeader(table.Row{"When", "User", "Action", "Task", "Status"})
			for _, a := range items {
				who := a.UserID
				if a.User != nil {
					who = a.User.Name
				}
				tw.AppendRow(table.Row{a.CreatedAt.Local().Format("2006-01-02 15:04:05"), who, a.Kind, a.Snapshot.Title, a.Snapshot.Status})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().IntVar(&n, "n", 0, "number of actions (0 uses the server default)")
	return cmd
}

var (
	eventStyles = map[string]lipgloss.Style{
		"taskCreated":  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10")),
		"taskUpdated":  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12")),
		"taskDeleted":  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9")),
		"actionLogged": lipgloss.NewStyle().Foreground(lipgloss.Color("8")),
	}
	dimStyle = lipgloss.NewStyle().Faint(true)
)

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Stream live board events",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			err := newClient().Stream(ctx, func(evt taskboardsdk.StreamEvent) error {
				if viper.GetBool("json") {
					return printJSON(map[string]any{"id": evt.ID, "type": evt.Type, "data": evt.Data})
				}
				fmt.Println(formatEvent(evt))
				return nil
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			if ctx.Err() == nil {
				fmt.Println(dimStyle.Render("stream ended by server"))
			}
			return nil
		},
	}
}

func formatEvent(evt taskboardsdk.StreamEvent) string {
	style, ok := eventStyles[evt.Type]
	if !ok {
		style = lipgloss.NewStyle()
	}
	label := style.Render(fmt.Sprintf("%-12s", evt.Type))
	var summary string
	switch evt.Type {
	case "taskCreated", "taskUpdated":
		var t taskboardsdk.Task
		if err := json.Unmarshal(evt.Data, &t); err == nil {
			summary = fmt.Sprintf("%s %q [%s/%s] %s", t.ID, t.Title, t.Status, t.Priority, assigneeName(t))
		}
	case "taskDeleted":
		var d struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(evt.Data, &d); err == nil {
			summary = d.ID
		}
	case "actionLogged":
		var a taskboardsdk.Action
		if err := json.Unmarshal(evt.Data, &a); err == nil {
			summary = fmt.Sprintf("%s by %s on %q", a.Kind, a.UserID, a.Snapshot.Title)
		}
	}
	if summary == "" {
		summary = string(evt.Data)
	}
	return fmt.Sprintf("%s %s %s", dimStyle.Render("#"+evt.ID), label, summary)
}

func newClient() *taskboardsdk.Client {
	return taskboardsdk.New(viper.GetString("server"), viper.GetString("token"))
}

func printTaskResult(res taskboardsdk.Result) error {
	printWarning(res.AuditWarning)
	if viper.GetBool("json") {
		return printJSON(res.Task)
	}
	printTasks([]taskboardsdk.Task{res.Task})
	return nil
}

func printWarning(warning string) {
	if warning != "" {
		fmt.Fprintln(os.Stderr, "warning:", warning)
	}
}

func printTasks(items []taskboardsdk.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Priority", "Assignee", "Updated"})
	for _, t := range items {
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.Priority, assigneeName(t), t.UpdatedAt.UTC().Format(time.RFC3339Nano)})
	}
	tw.Render()
}

func assigneeName(t taskboardsdk.Task) string {
	switch {
	case t.AssignedUser != nil:
		return t.AssignedUser.Name
	case t.AssignedUserID != nil:
		return *t.AssignedUserID
	}
	return "-"
}
