package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meterlink/internal/api"
	"github.com/chaz8081/meterlink/internal/store"
)

type loginCommand struct {
	*baseCommand

	email    string
	password string
}

func newLoginCommand() *loginCommand {
	c := &loginCommand{}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "login",
		Short: "Log in to the energy backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runLogin(cmd)
		},
	})

	c.cmd.Flags().StringVarP(&c.email, "email", "e", "", "account email (prompted when empty)")
	c.cmd.Flags().StringVarP(&c.password, "password", "p", "", "account password (prompted when empty)")

	return c
}

func (c *loginCommand) runLogin(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	email, err := c.cli.prompt(out, "Email", c.email)
	if err != nil {
		return err
	}
	password, err := c.cli.prompt(out, "Password", c.password)
	if err != nil {
		return err
	}

	st, err := c.cli.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	s, err := c.cli.apiClient(nil).Login(cmd.Context(), email, password)
	if err != nil {
		return fmt.Errorf("login: %w", err)
	}
	u := &store.User{ID: s.User.ID, Email: s.User.Email, Name: s.User.Name, Token: s.Token, LoggedInAt: time.Now()}
	if err := st.SaveUser(u); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	fmt.Fprintf(out, "Logged in as %s\n", u.Email)
	return nil
}

type logoutCommand struct {
	*baseCommand
}

func newLogoutCommand() *logoutCommand {
	c := &logoutCommand{}
	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "logout",
		Short: "Forget the stored login",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := c.cli.openStore()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.ClearUser(); err != nil {
				return fmt.Errorf("logout: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	})
	return c
}

type devicesCommand struct {
	*baseCommand

	local bool
}

func newDevicesCommand() *devicesCommand {
	c := &devicesCommand{}
	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "devices",
		Short: "List registered meters",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runDevices(cmd)
		},
	})
	c.cmd.Flags().BoolVarP(&c.local, "local", "l", false, "only list meters provisioned from this host")
	return c
}

func (c *devicesCommand) runDevices(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	st, err := c.cli.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	defer tw.Flush()

	if c.local {
		meters, err := st.ListMeters()
		if err != nil {
			return err
		}
		fmt.Fprintln(tw, "ADDRESS\tNAME\tSSID\tIP\tDEVICE\tPROVISIONED\t")
		for _, m := range meters {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t\n", m.Address, m.Name, m.SSID, m.IP, m.DeviceID, m.ProvisionedAt.Format(time.DateTime))
		}
		return nil
	}

	devices, err := c.cli.apiClient(st).ListDevices(cmd.Context())
	if errors.Is(err, api.ErrNotLoggedIn) {
		return fmt.Errorf("devices: not logged in; run 'meterlink login' or pass --local")
	}
	if err != nil {
		return fmt.Errorf("devices: %w", err)
	}
	fmt.Fprintln(tw, "ID\tNAME\tMAC\tSSID\tIP\t")
	for _, d := range devices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t\n", d.ID, d.Name, d.MAC, d.SSID, d.IP)
	}
	return nil
}

type reportCommand struct {
	*baseCommand

	period string
}

func newReportCommand() *reportCommand {
	c := &reportCommand{}
	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:     "report <device-id>",
		Short:   "Show the energy report of a device",
		Example: `meterlink report d41 --period week`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runReport(cmd, args[0])
		},
	})
	c.cmd.Flags().StringVar(&c.period, "period", "day", "day, week or month")
	return c
}

func (c *reportCommand) runReport(cmd *cobra.Command, deviceID string) error {
	period, err := api.ParsePeriod(c.period)
	if err != nil {
		return err
	}
	st, err := c.cli.openStore()
	if err != nil {
		return err
	}
	defer st.Close()

	r, err := c.cli.apiClient(st).Report(cmd.Context(), deviceID, period)
	if err != nil {
		return fmt.Errorf("report: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Device %s, %s: %.2f kWh\n", r.DeviceID, r.Period, r.TotalKWh)
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	for _, rd := range r.Readings {
		fmt.Fprintf(tw, "  %s\t%.3f kWh\t\n", rd.Time.Local().Format(time.DateTime), rd.KWh)
	}
	return tw.Flush()
}
