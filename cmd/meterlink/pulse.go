package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/chaz8081/meterlink/internal/pulse"
)

type pulseCommand struct {
	*baseCommand

	source string
}

func newPulseCommand() *pulseCommand {
	c := &pulseCommand{}

	c.baseCommand = newBaseCommand(&cobra.Command{
		Use:   "pulse",
		Short: "Print live energy pulses until interrupted",
		Example: `meterlink pulse
meterlink pulse --source mqtt`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPulse(cmd)
		},
	})

	c.cmd.Flags().StringVar(&c.source, "source", "", "ws or mqtt (default: mqtt when a broker is configured)")

	return c
}

func (c *pulseCommand) listener() (pulse.Listener, string, error) {
	cfg := c.cli.cfg
	source := strings.ToLower(c.source)
	if source == "" {
		source = "ws"
		if cfg.MQTT.Broker != "" {
			source = "mqtt"
		}
	}

	switch source {
	case "ws":
		ws := pulse.NewWebSocket(cfg.Backend.PulseURL, cfg.Backend.ReconnectMax, c.cli.logger)
		if st, err := c.cli.openStore(); err == nil {
			if u, err := st.LoadUser(); err == nil {
				ws.SetToken(u.Token)
			}
			st.Close()
		}
		return ws, cfg.Backend.PulseURL, nil
	case "mqtt":
		if cfg.MQTT.Broker == "" {
			return nil, "", fmt.Errorf("pulse: mqtt.broker is not configured")
		}
		return pulse.NewMQTT(pulse.MQTTOptions{
			Broker:   cfg.MQTT.Broker,
			Topic:    cfg.MQTT.Topic,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		}, c.cli.logger), cfg.MQTT.Broker + "/" + cfg.MQTT.Topic, nil
	}
	return nil, "", fmt.Errorf("pulse: unknown source %q (want ws or mqtt)", c.source)
}

func (c *pulseCommand) runPulse(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	l, from, err := c.listener()
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "Listening for pulses on %s. Ctrl+C to quit.\n", from)
	return l.Listen(cmd.Context(), func(p pulse.Pulse) {
		fmt.Fprintf(out, "%s %s\n", p.Received.Format("15:04:05.000"), strings.TrimSpace(string(p.Payload)))
	})
}
