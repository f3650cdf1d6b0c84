package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/benmeehan/ecoflow-go/pkg/devices"
	"github.com/spf13/cobra"
)

const defaultReplyTimeout = 20 * time.Second

func newPlugCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "plug",
		Short: "Smart plug shortcuts",
	}
	cmd.AddCommand(newPlugToggleCmd(a), newPlugSetCmd(a))
	return cmd
}

// newPlugToggleCmd reads the switch state over REST and writes the opposite.
func newPlugToggleCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "toggle <sn>",
		Short: "Flip a smart plug using the REST API",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sn := args[0]
			get, err := devices.NewGetCommand(sn, devices.QuotaSmartPlugSwitch)
			if err != nil {
				return err
			}
			data, err := a.client.GetCommand(cmd.Context(), get)
			if err != nil {
				return err
			}
			state, err := devices.DecodeSmartPlugState(data)
			if err != nil {
				return err
			}
			if state.SwitchOn == nil {
				return fmt.Errorf("%s did not report %s", sn, devices.QuotaSmartPlugSwitch)
			}

			set, err := devices.SmartPlugSwitch(sn, !*state.SwitchOn)
			if err != nil {
				return err
			}
			if _, err := a.client.SetCommand(cmd.Context(), set); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s switched %s\n", sn, onOff(!*state.SwitchOn))
			return nil
		},
	}
}

// newPlugSetCmd publishes the switch command over MQTT and waits for the reply.
func newPlugSetCmd(a *app) *cobra.Command {
	timeout := defaultReplyTimeout
	cmd := &cobra.Command{
		Use:       "set <sn> on|off",
		Short:     "Switch a smart plug over MQTT",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"on", "off"},
		RunE: func(cmd *cobra.Command, args []string) error {
			var on bool
			switch args[1] {
			case "on":
				on = true
			case "off":
			default:
				return fmt.Errorf("state must be on or off, got %q", args[1])
			}
			set, err := devices.SmartPlugSwitch(args[0], on)
			if err != nil {
				return err
			}
			return a.sendOverMQTT(cmd, set, timeout)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", timeout, "how long to wait for set_reply")
	return cmd
}

func (a *app) sendOverMQTT(cmd *cobra.Command, set devices.SetCommand, timeout time.Duration) error {
	ctx, cancel := a.timeoutContext(cmd.Context(), timeout)
	defer cancel()

	sess := a.newSession(func(err error) {
		a.logger.Warn().Err(err).Msg("Session error")
	})
	if err := sess.Init(ctx); err != nil {
		return err
	}
	defer sess.Close()

	reply, err := sess.SendCommand(ctx, set)
	if err != nil {
		return err
	}
	if !reply.Acknowledged() {
		return errors.New(set.SN + " rejected " + set.CmdCode)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s acknowledged (id %s)\n", set.SN, set.CmdCode, reply.ID)
	return nil
}

func onOff(on bool) string {
	if on {
		return "on"
	}
	return "off"
}
