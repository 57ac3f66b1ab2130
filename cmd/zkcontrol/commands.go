package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fragotesac/frazkteco-devices/internal/app"
	"github.com/fragotesac/frazkteco-devices/internal/syncer"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the embedded MQTT hub and the periodic terminal sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
}

func runServe(cmd *cobra.Command, opts *rootOptions) error {
	cfg, logger, err := setup(opts)
	if err != nil {
		return err
	}

	if err := app.New(cfg, logger).Run(cmd.Context()); err != nil {
		logger.Error("application terminated", "error", err)
		return err
	}

	logger.Info("application stopped cleanly")
	return nil
}

func newSyncCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Run one full sync: terminal users, then attendance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Scheduler().Run(cmd.Context())
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), opts.Format, rep, reportText(rep))
		},
	}
}

func newDownloadEventsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "download-events",
		Short: "Download the terminal attendance log only",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			rep, err := a.Scheduler().DownloadEvents(cmd.Context())
			if err != nil {
				return err
			}
			return writeResult(cmd.OutOrStdout(), opts.Format, rep, reportText(rep))
		},
	}
}

func newPushUsersCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "push-users",
		Short: "Write every registered person to the terminal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			res, err := a.Scheduler().PushAll(cmd.Context())
			if err != nil {
				return err
			}
			text := fmt.Sprintf("%d sincronizados, %d errores de %d usuarios", res.Pushed, res.Failed, res.Total)
			return writeResult(cmd.OutOrStdout(), opts.Format, res, text)
		},
	}
}

func reportText(rep syncer.Report) string {
	text := fmt.Sprintf("run %s (%s)", rep.RunID, rep.Kind)
	if rep.Users != nil {
		text += fmt.Sprintf("\nusers: %d fetched, %d new", rep.Users.Fetched, rep.Users.Inserted)
	}
	if rep.Attendance != nil {
		text += fmt.Sprintf("\nattendance: %d fetched, %d new", rep.Attendance.Fetched, rep.Attendance.Inserted)
	}
	if rep.Warning != "" {
		text += "\nwarning: " + rep.Warning
	}
	return text
}
