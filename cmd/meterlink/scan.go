package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meterlink/internal/provision"
)

type scanCommand struct {
	*baseCommand

	timeout time.Duration
}

func newScanCommand() *scanCommand {
	c := &scanCommand{}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "scan",
		Short: "Scan for energy meters",
		Example: `meterlink scan
meterlink scan --timeout=30s`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runScan(cmd)
		},
	})

	c.cmd.Flags().DurationVarP(&c.timeout, "timeout", "t", 0, "scan window (default from config)")

	return c
}

func (c *scanCommand) runScan(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	sess, err := c.cli.newSession(func(o *provision.Options) {
		o.AutoConnect = false
		if c.timeout > 0 {
			o.ScanTimeout = c.timeout
		}
	})
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx := cmd.Context()
	fmt.Fprintln(out, "Scanning for energy meters...")
	if err := sess.engine.StartScan(ctx); err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	_, err = sess.engine.Wait(ctx, func(s provision.State) bool { return s.Phase != provision.PhaseScanning })
	switch {
	case errors.Is(err, context.Canceled):
		_ = sess.engine.StopScan()
		fmt.Fprintln(out, "Canceled..")
	case err != nil:
		return fmt.Errorf("scan: %w", err)
	}

	state := sess.engine.State()
	if state.Phase == provision.PhaseError {
		return fmt.Errorf("scan: %s", state.Err)
	}
	found := state.LastScan
	if len(found) == 0 {
		fmt.Fprintln(out, "No devices found")
		return nil
	}

	m := c.cli.matcher()
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ADDRESS\tNAME\tRSSI\t")
	for _, d := range found {
		tag := ""
		if m.Match(d) {
			tag = "[meter]"
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", d.Peripheral.Address, d.Peripheral.Name, d.RSSI, tag)
	}
	return tw.Flush()
}

func (c *Cli) matcher() provision.Matcher {
	opts, err := engineOptions(c.cfg.BLE, c.logger)
	if err != nil {
		return provision.Matcher{}
	}
	return opts.Matcher
}
