package main

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"storyhub/resolverservice/internal/client"
	"storyhub/resolverservice/internal/domain"
)

func newHealthCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check service liveness and semantic readiness",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			health, err := ctx.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, health)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Status: %s\nSemantic index ready: %s\nUptime: %s\n",
				health.Status, yesNo(health.SemanticReady), time.Duration(health.UptimeSeconds)*time.Second)
			return nil
		},
	}
}

func newResolveCommand(ctx *commandContext) *cobra.Command {
	var category string
	var acquire bool

	cmd := &cobra.Command{
		Use:   "resolve <title>",
		Short: "Resolve a spoken title against the catalog",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := domain.ParseCategory(category)
			if err != nil {
				return err
			}
			result, err := ctx.client().Resolve(cmd.Context(), strings.Join(args, " "), cat, acquire)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, result)
			}
			out := cmd.OutOrStdout()
			res := result.Resolution
			if res.Record == nil {
				fmt.Fprintf(out, "No match for %q (%s)\n", res.Title, res.Category)
			} else {
				fmt.Fprintf(out, "Matched #%d %q via %s stage (similarity %.3f)\n",
					res.Record.ID, res.Record.Title, res.Stage, res.Similarity)
				fmt.Fprintf(out, "Storage: %s\n", res.Record.StoragePath)
			}
			if result.Task != nil {
				fmt.Fprintf(out, "Acquisition task %s submitted\n", result.Task.ID)
			}
			if result.AcquireError != "" {
				fmt.Fprintf(out, "Auto-acquire failed: %s\n", result.AcquireError)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", string(domain.CategoryStory), "Content category (story, music, english, sound)")
	cmd.Flags().BoolVar(&acquire, "acquire", false, "Search and acquire the best match on a miss")
	return cmd
}

func newSearchCommand(ctx *commandContext) *cobra.Command {
	var params client.SearchParams
	var category string

	cmd := &cobra.Command{
		Use:   "search <keyword>",
		Short: "Search media platforms",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params.Keyword = strings.Join(args, " ")
			if strings.TrimSpace(category) != "" {
				cat, err := domain.ParseCategory(category)
				if err != nil {
					return err
				}
				params.Category = cat
			}
			resp, err := ctx.client().Search(cmd.Context(), params)
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, resp)
			}
			rows := make([][]string, 0, len(resp.Results))
			for i, item := range resp.Results {
				rows = append(rows, []string{
					strconv.Itoa(i + 1),
					item.Platform,
					shorten(item.Title, 48),
					formatDuration(item.DurationSeconds),
					strconv.FormatInt(item.ViewCount, 10),
					strconv.FormatFloat(item.QualityScore, 'f', 1, 64),
					yesNo(item.ExistsInDB),
					item.URL,
				})
			}
			printTable(cmd,
				[]string{"#", "Platform", "Title", "Duration", "Views", "Score", "In catalog", "URL"},
				rows,
				[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignRight, alignLeft, alignLeft},
			)
			for _, status := range resp.Platforms {
				if !status.OK {
					fmt.Fprintf(cmd.OutOrStdout(), "Platform %s failed: %s\n", status.Name, status.Error)
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d results (%d duplicates merged) in %dms\n",
				resp.TotalCount, resp.DedupRemovedCount, resp.ElapsedMS)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "Content category (default music)")
	cmd.Flags().StringSliceVar(&params.Platforms, "platforms", nil, "Platforms to search (comma separated)")
	cmd.Flags().IntVar(&params.Limit, "limit", 0, "Maximum results (1-50)")
	cmd.Flags().BoolVar(&params.NoCache, "nocache", false, "Bypass the search cache")
	return cmd
}

func newPlatformsCommand(ctx *commandContext) *cobra.Command {
	var health bool

	cmd := &cobra.Command{
		Use:   "platforms",
		Short: "List search platforms",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ctx.client()
			if !health {
				items, err := c.Platforms(cmd.Context())
				if err != nil {
					return err
				}
				if ctx.jsonOutput() {
					return writeJSON(cmd, items)
				}
				rows := make([][]string, 0, len(items))
				for _, item := range items {
					rows = append(rows, []string{item.Name, item.Label, item.Kind, yesNo(item.Enabled)})
				}
				printTable(cmd, []string{"Name", "Label", "Kind", "Enabled"}, rows, nil)
				return nil
			}

			items, err := c.PlatformHealth(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, items)
			}
			rows := make([][]string, 0, len(items))
			for _, item := range items {
				blocked := "-"
				if item.BlockedUntil != nil {
					blocked = item.BlockedUntil.Local().Format(time.TimeOnly)
				}
				rows = append(rows, []string{
					item.Name,
					strconv.Itoa(item.ConsecutiveFailures),
					blocked,
					strconv.FormatInt(item.LastLatencyMS, 10),
					strconv.FormatInt(item.TotalRequests, 10),
					shorten(item.LastError, 40),
				})
			}
			printTable(cmd,
				[]string{"Platform", "Failures", "Blocked until", "Latency ms", "Requests", "Last error"},
				rows,
				[]columnAlignment{alignLeft, alignRight, alignLeft, alignRight, alignRight, alignLeft},
			)
			return nil
		},
	}
	cmd.Flags().BoolVar(&health, "health", false, "Show circuit breaker diagnostics")
	return cmd
}

func newAcquireCommand(ctx *commandContext) *cobra.Command {
	var (
		category string
		title    string
		artist   string
		tags     []int64
		ageMin   int
		ageMax   int
		wait     bool
	)

	cmd := &cobra.Command{
		Use:   "acquire <url> [url...]",
		Short: "Submit source URLs for acquisition",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cat, err := domain.ParseCategory(category)
			if err != nil {
				return err
			}
			if title != "" && len(args) > 1 {
				return errors.New("--title applies to a single url")
			}
			items := make([]domain.AcquisitionItem, 0, len(args))
			for _, raw := range args {
				items = append(items, domain.AcquisitionItem{URL: raw, Title: title})
			}
			c := ctx.client()
			task, err := c.Submit(cmd.Context(), domain.AcquisitionRequest{
				Items:    items,
				Category: cat,
				Classification: domain.Classification{
					Artist: artist,
					TagIDs: tags,
					AgeMin: ageMin,
					AgeMax: ageMax,
				},
			})
			if err != nil {
				return err
			}
			if wait {
				task, err = c.WaitTask(cmd.Context(), task.ID, time.Second)
				if err != nil {
					return err
				}
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, task)
			}
			printTask(cmd, task)
			return nil
		},
	}
	cmd.Flags().StringVar(&category, "category", string(domain.CategoryMusic), "Content category (story, music, english, sound)")
	cmd.Flags().StringVar(&title, "title", "", "Title override for a single url")
	cmd.Flags().StringVar(&artist, "artist", "", "Artist name stored on the record")
	cmd.Flags().Int64SliceVar(&tags, "tag", nil, "Tag ids stored on the record")
	cmd.Flags().IntVar(&ageMin, "age-min", 0, "Minimum listener age")
	cmd.Flags().IntVar(&ageMax, "age-max", 0, "Maximum listener age")
	cmd.Flags().BoolVar(&wait, "wait", false, "Wait for the task to finish")
	return cmd
}

func newTasksCommand(ctx *commandContext) *cobra.Command {
	tasksCmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect acquisition tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tasks, err := ctx.client().Tasks(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, tasks)
			}
			rows := make([][]string, 0, len(tasks))
			for _, task := range tasks {
				rows = append(rows, []string{
					task.ID,
					string(task.Request.Category),
					string(task.Status),
					fmt.Sprintf("%d/%d", task.CompletedCount+task.SkippedCount, task.TotalCount),
					strconv.Itoa(task.FailedCount),
					task.CreatedAt.Local().Format(time.DateTime),
				})
			}
			printTable(cmd,
				[]string{"ID", "Category", "Status", "Done", "Failed", "Created"},
				rows,
				[]columnAlignment{alignLeft, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
			)
			return nil
		},
	}

	var wait bool
	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task with per-track progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c := ctx.client()
			var task domain.AcquisitionTask
			var err error
			if wait {
				task, err = c.WaitTask(cmd.Context(), args[0], time.Second)
			} else {
				task, err = c.Task(cmd.Context(), args[0])
			}
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, task)
			}
			printTask(cmd, task)
			return nil
		},
	}
	showCmd.Flags().BoolVar(&wait, "wait", false, "Wait for the task to finish")

	cancelCmd := &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel pending tracks of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := ctx.client().Cancel(cmd.Context(), args[0])
			if errors.Is(err, domain.ErrTaskFinished) {
				fmt.Fprintf(cmd.OutOrStdout(), "Task %s already finished\n", args[0])
				return nil
			}
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, task)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancel requested for %s (%d tracks cancelled)\n", task.ID, task.CancelledCount)
			return nil
		},
	}

	tasksCmd.AddCommand(showCmd, cancelCmd)
	return tasksCmd
}

func printTask(cmd *cobra.Command, task domain.AcquisitionTask) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Task %s  %s  %s\n", task.ID, task.Request.Category, task.Status)
	fmt.Fprintf(out, "Completed %d  Skipped %d  Failed %d  Cancelled %d  Total %d\n",
		task.CompletedCount, task.SkippedCount, task.FailedCount, task.CancelledCount, task.TotalCount)
	rows := make([][]string, 0, len(task.Tracks))
	for _, track := range task.Tracks {
		content := "-"
		if track.ContentID != nil {
			content = strconv.FormatInt(*track.ContentID, 10)
		}
		rows = append(rows, []string{
			strconv.Itoa(track.Index + 1),
			shorten(track.Title, 40),
			string(track.Status),
			fmt.Sprintf("%.0f%%", track.Progress),
			content,
			shorten(track.Error, 48),
		})
	}
	printTable(cmd,
		[]string{"#", "Title", "Status", "Progress", "Content", "Error"},
		rows,
		[]columnAlignment{alignRight, alignLeft, alignLeft, alignRight, alignRight, alignLeft},
	)
}

func newCatalogCommand(ctx *commandContext) *cobra.Command {
	catalogCmd := &cobra.Command{
		Use:   "catalog",
		Short: "Manage catalog records",
	}
	catalogCmd.AddCommand(&cobra.Command{
		Use:   "deactivate <id>",
		Short: "Deactivate a record and drop its embedding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid content id %q", args[0])
			}
			if err := ctx.client().Deactivate(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Record %d deactivated\n", id)
			return nil
		},
	})
	return catalogCmd
}

func newSemanticCommand(ctx *commandContext) *cobra.Command {
	semanticCmd := &cobra.Command{
		Use:   "semantic",
		Short: "Inspect the semantic index",
	}
	semanticCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show index readiness and size",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			status, err := ctx.client().SemanticStatus(cmd.Context())
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, status)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Ready: %s\nEmbeddings: %d\nFloor: %.2f\n", yesNo(status.Ready), status.Size, status.Floor)
			return nil
		},
	})
	semanticCmd.AddCommand(&cobra.Command{
		Use:   "reindex",
		Short: "Re-embed every active catalog record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := ctx.client().Reindex(cmd.Context())
			if client.IsUnavailable(err) {
				return errors.New("semantic index is not ready; check the embedding backend")
			}
			if err != nil {
				return err
			}
			if ctx.jsonOutput() {
				return writeJSON(cmd, result)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Indexed %d of %d records\n", result.Indexed, result.Records)
			return nil
		},
	})
	return semanticCmd
}
