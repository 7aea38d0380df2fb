package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

type sendCommand struct {
	*baseCommand

	address string
	wait    time.Duration
}

func newSendCommand() *sendCommand {
	c := &sendCommand{}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "send <text>",
		Short: "Send a raw text message to a meter",
		Example: `meterlink send status
meterlink send --address AA:BB:CC:DD:EE:FF --wait 5s '{"cmd":4}'`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runSend(cmd, strings.Join(args, " "))
		},
	})

	c.cmd.Flags().StringVarP(&c.address, "address", "a", "", "meter address (default: scan and pick the first meter)")
	c.cmd.Flags().DurationVarP(&c.wait, "wait", "w", 2*time.Second, "how long to print replies after sending")

	return c
}

func (c *sendCommand) runSend(cmd *cobra.Command, text string) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()

	sess, err := c.cli.newSession(nil)
	if err != nil {
		return err
	}
	defer sess.Close()
	stop := sess.follow(out)
	defer stop()

	if _, err := connectMeter(ctx, sess.engine, c.address); err != nil {
		return err
	}
	if err := sess.engine.SendText(ctx, text); err != nil {
		return fmt.Errorf("send: %w", err)
	}

	if c.wait > 0 {
		t := time.NewTimer(c.wait)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
		}
	}
	return nil
}
