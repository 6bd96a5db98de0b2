package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"cellnode/internal/filexfer"
	"cellnode/internal/firmware"
	"cellnode/internal/modem"
	"cellnode/internal/node"
	"cellnode/internal/store"
)

func newATCmd(load configLoader) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "at <command>",
		Short: "Run one raw AT exchange",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			engine, err := dialModem(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer engine.Close()

			verb := strings.Join(args, " ")
			if !strings.HasPrefix(strings.ToUpper(verb), "AT") {
				verb = "AT" + verb
			}
			resp, err := engine.Execute(cmd.Context(), modem.Cmd(verb).WithTimeout(timeout))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, l := range resp.Lines {
				fmt.Fprintln(out, l)
			}
			fmt.Fprintln(out, resp.Final)
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", modem.DefaultTimeout, "response timeout")
	return cmd
}

func newOTACmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ota",
		Short: "Firmware update operations",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "check",
			Short: "Check the update server for a newer image",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runAction(cmd, load, node.ActionCheck, func(s node.Status) any { return s.OTA })
			},
		},
		&cobra.Command{
			Use:   "update",
			Short: "Check, download, verify and apply an update",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return runAction(cmd, load, node.ActionUpdate, func(s node.Status) any { return s.OTA })
			},
		},
		&cobra.Command{
			Use:   "status",
			Short: "Show the image banks and the last update attempt",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStorage(load, func(st *storage) error {
					banks, err := st.banks.Status()
					if err != nil {
						return err
					}
					last, err := st.db.GetUpdate()
					if err != nil && !errors.Is(err, store.ErrNotFound) {
						return err
					}
					return printJSON(cmd.OutOrStdout(), struct {
						Firmware   firmware.Info       `json:"firmware"`
						Banks      any                 `json:"banks"`
						LastUpdate *store.UpdateRecord `json:"last_update,omitempty"`
					}{firmware.Running(), banks, last})
				})
			},
		},
		&cobra.Command{
			Use:   "rollback",
			Short: "Select the previous image for the next boot",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withStorage(load, func(st *storage) error {
					boot, err := st.banks.Rollback()
					if err != nil {
						return err
					}
					return printJSON(cmd.OutOrStdout(), boot)
				})
			},
		},
	)
	return cmd
}

func newTimeCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "time",
		Short: "Time operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Query the NTP server over the modem and set the clocks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runAction(cmd, load, node.ActionSyncTime, func(s node.Status) any { return s.LastSync })
		},
	})
	return cmd
}

// runAction starts a node, serves one action and prints part of the
// resulting status.
func runAction(cmd *cobra.Command, load configLoader, action string, view func(node.Status) any) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.node.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	err = a.node.Do(ctx, action)
	if perr := printJSON(cmd.OutOrStdout(), view(a.node.Status())); err == nil {
		err = perr
	}
	return err
}

func withStorage(load configLoader, fn func(*storage) error) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	st, err := openStorage(cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(st)
}

func newFileCmd(load configLoader) *cobra.Command {
	withTransfer := func(ctx context.Context, fn func(*filexfer.Transfer) error) error {
		cfg, logger, err := load()
		if err != nil {
			return err
		}
		engine, err := dialModem(ctx, cfg, logger)
		if err != nil {
			return err
		}
		defer engine.Close()
		return fn(newTransfer(engine, cfg, logger))
	}

	cmd := &cobra.Command{
		Use:   "file",
		Short: "Modem file system operations",
	}

	ls := &cobra.Command{
		Use:   "ls",
		Short: "List files on the modem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withTransfer(cmd.Context(), func(t *filexfer.Transfer) error {
				names, err := t.List(cmd.Context())
				if err != nil {
					return err
				}
				for _, n := range names {
					fmt.Fprintln(cmd.OutOrStdout(), n)
				}
				return nil
			})
		},
	}

	var offset, length int64
	get := &cobra.Command{
		Use:   "get <name> [local]",
		Short: "Copy a modem file to a local file or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTransfer(cmd.Context(), func(t *filexfer.Transfer) error {
				var sink io.Writer = cmd.OutOrStdout()
				if len(args) == 2 {
					f, err := os.Create(args[1])
					if err != nil {
						return err
					}
					defer f.Close()
					sink = f
				}
				_, err := t.ReadFile(cmd.Context(), args[0], sink, offset, length)
				return err
			})
		},
	}
	get.Flags().Int64Var(&offset, "offset", 0, "first byte to read")
	get.Flags().Int64Var(&length, "length", 0, "bytes to read, 0 for the rest of the file")

	put := &cobra.Command{
		Use:   "put <local> [name]",
		Short: "Copy a local file onto the modem",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := path.Base(args[0])
			if len(args) == 2 {
				name = args[1]
			}
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			return withTransfer(cmd.Context(), func(t *filexfer.Transfer) error {
				n, err := t.WriteFile(cmd.Context(), name, f)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: %d bytes\n", name, n)
				return nil
			})
		},
	}

	rm := &cobra.Command{
		Use:   "rm <name>",
		Short: "Delete a modem file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withTransfer(cmd.Context(), func(t *filexfer.Transfer) error {
				return t.Delete(cmd.Context(), args[0])
			})
		},
	}

	cmd.AddCommand(ls, get, put, rm)
	return cmd
}

func newVersionCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print the running build",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := firmware.Running()
			if asJSON {
				return printJSON(cmd.OutOrStdout(), info)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "cellnode %s\n", info)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
