package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meterlink/internal/api"
	"github.com/chaz8081/meterlink/internal/ble"
	"github.com/chaz8081/meterlink/internal/netprobe"
	"github.com/chaz8081/meterlink/internal/provision"
	"github.com/chaz8081/meterlink/internal/store"
)

type provisionCommand struct {
	*baseCommand

	address  string
	ssid     string
	password string
	name     string
}

func newProvisionCommand() *provisionCommand {
	c := &provisionCommand{}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "provision",
		Short: "Send WiFi credentials to a meter and wait for it to join",
		Example: `meterlink provision
meterlink provision --address AA:BB:CC:DD:EE:FF --ssid HomeNet`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runProvision(cmd)
		},
	})

	c.cmd.Flags().StringVarP(&c.address, "address", "a", "", "meter address (default: scan and pick the first meter)")
	c.cmd.Flags().StringVarP(&c.ssid, "ssid", "s", "", "WiFi network (default: the network this host is on)")
	c.cmd.Flags().StringVarP(&c.password, "password", "p", "", "WiFi password (prompted when empty)")
	c.cmd.Flags().StringVar(&c.name, "name", "", "name to register the meter under (default: advertised name)")

	return c
}

func (c *provisionCommand) runProvision(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	ctx := cmd.Context()
	printBanner(out, c.cli.cfg)

	sess, err := c.cli.newSession(nil)
	if err != nil {
		return err
	}
	defer sess.Close()
	stop := sess.follow(out)
	defer stop()

	ssid := netprobe.Seed(ctx, c.cli.newProbe(sess.gate, c.cli.logger), c.ssid)
	ssid, err = c.cli.prompt(out, "SSID", ssid)
	if err != nil {
		return err
	}
	password, err := c.cli.prompt(out, "Password", c.password)
	if err != nil {
		return err
	}

	state, err := connectMeter(ctx, sess.engine, c.address)
	if err != nil {
		return err
	}
	if err := sess.engine.SendCredentials(ctx, ssid, password); err != nil {
		return fmt.Errorf("provision: %w", err)
	}

	final, err := sess.engine.Wait(ctx, func(s provision.State) bool {
		return s.Session.Status.Terminal() || s.Phase != provision.PhaseConnected
	})
	if err != nil {
		return fmt.Errorf("provision: %w", err)
	}
	stop()

	switch {
	case final.Session.Status == provision.StatusConfirmed:
		fmt.Fprintf(out, "Meter joined %s", final.Session.SSID)
		if final.Session.IP != "" {
			fmt.Fprintf(out, " with IP %s", final.Session.IP)
		}
		fmt.Fprintln(out)
		c.record(ctx, out, state.Target, final)
		return nil
	case final.Session.Status == provision.StatusFailed:
		return fmt.Errorf("provisioning failed: %s", final.Session.Reason)
	default:
		return fmt.Errorf("provisioning interrupted: meter is %s", final.Phase)
	}
}

// record stores the meter locally and registers it with the backend when a
// user is logged in. Failures are reported but do not fail provisioning.
func (c *provisionCommand) record(ctx context.Context, out io.Writer, target *ble.Peripheral, final provision.State) {
	if target == nil {
		return
	}
	st, err := c.cli.openStore()
	if err != nil {
		c.cli.logger.Warn("meter not saved", "error", err)
		return
	}
	defer st.Close()

	name := c.name
	if name == "" {
		name = target.Label()
	}
	m := &store.Meter{
		Address:       target.Address,
		Name:          name,
		SSID:          final.Session.SSID,
		IP:            final.Session.IP,
		ProvisionedAt: time.Now(),
	}
	if prev, err := st.GetMeter(target.Address); err == nil {
		m.DeviceID = prev.DeviceID
	}

	client := c.cli.apiClient(st)
	if m.DeviceID == "" && client.Token() != "" {
		d, err := client.RegisterDevice(ctx, api.Device{Name: m.Name, MAC: m.Address, SSID: m.SSID, IP: m.IP})
		switch {
		case err != nil:
			fmt.Fprintf(out, "Could not register meter with the backend: %v\n", err)
		default:
			m.DeviceID = d.ID
			fmt.Fprintf(out, "Registered as device %s\n", d.ID)
		}
	}

	if err := st.SaveMeter(m); err != nil {
		c.cli.logger.Warn("meter not saved", "error", err)
	}
}
