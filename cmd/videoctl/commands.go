package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"videoflow/internal/client"
	"videoflow/internal/httpapi/handlers"
)

func newStartCommand(newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "start <video>",
		Short: "Start processing a stored video",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClient().Start(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Started %s\n", out.ID)
			fmt.Fprintf(w, "Status: %s\n", out.StatusQueryGetURI)
			return nil
		},
	}
}

func newStatusCommand(newClient func() *client.Client) *cobra.Command {
	return &cobra.Command{
		Use:   "status <instance-id>",
		Short: "Show one workflow instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			inst, err := newClient().Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Instance: %s\n", inst.InstanceID)
			fmt.Fprintf(w, "Workflow: %s\n", inst.Name)
			fmt.Fprintf(w, "Status:   %s\n", inst.RuntimeStatus)
			fmt.Fprintf(w, "Created:  %s\n", formatTime(inst.CreatedTime))
			if inst.CompletedTime != nil {
				fmt.Fprintf(w, "Finished: %s\n", formatTime(*inst.CompletedTime))
			}
			if inst.Error != "" {
				fmt.Fprintf(w, "Error:    %s\n", inst.Error)
			}
			if len(inst.Output) > 0 {
				fmt.Fprintf(w, "Output:   %s\n", strings.TrimSpace(string(inst.Output)))
			}
			return nil
		},
	}
}

func newListCommand(newClient func() *client.Client) *cobra.Command {
	var status string
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workflow instances, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClient().List(cmd.Context(), status, limit)
			if err != nil {
				return err
			}
			if len(out.Items) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No workflows")
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderInstances(out.Items))
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "Filter by runtime status (Running, Completed, Failed)")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum number of instances")
	return cmd
}

func newDecisionCommand(newClient func() *client.Client, use, decision string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <approval-code>",
		Short: "Submit " + decision + " for a pending approval",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out, err := newClient().SubmitApproval(cmd.Context(), args[0], decision)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s sent to %s\n", out.Result, out.InstanceID)
			return nil
		},
	}
}

func renderInstances(items []handlers.InstanceResponse) string {
	rows := make([][]string, 0, len(items))
	for _, inst := range items {
		rows = append(rows, []string{
			inst.InstanceID,
			inst.Name,
			string(inst.RuntimeStatus),
			formatTime(inst.CreatedTime),
		})
	}
	return renderTable(
		[]string{"ID", "Workflow", "Status", "Created"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight},
	)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
