package main

import (
	"errors"
	"fmt"
	"strconv"
	"sync"
	"text/tabwriter"

	"github.com/benmeehan/ecoflow-go/internal/utils"
	"github.com/benmeehan/ecoflow-go/pkg/devices"
	"github.com/fatih/color"
	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
)

func newCredentialsCmd(a *app) *cobra.Command {
	var showPassword bool
	cmd := &cobra.Command{
		Use:   "credentials",
		Short: "Request MQTT broker credentials",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cred, err := a.client.RequestCertification(cmd.Context())
			if err != nil {
				return err
			}
			out := map[string]any{
				"account":  cred.Account,
				"host":     cred.Host,
				"port":     cred.Port,
				"protocol": cred.Transport,
			}
			if showPassword {
				out["password"] = cred.Password
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}
	cmd.Flags().BoolVar(&showPassword, "show-password", false, "include the broker password in the output")
	return cmd
}

func newDevicesCmd(a *app) *cobra.Command {
	var onlineOnly bool
	cmd := &cobra.Command{
		Use:   "devices [sn...]",
		Short: "List the devices bound to the account",
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := a.client.GetDeviceList(cmd.Context())
			if err != nil {
				return err
			}
			wanted := utils.SliceToSet(args)

			online := color.New(color.FgGreen).SprintFunc()
			offline := color.New(color.FgRed).SprintFunc()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SN\tSTATUS\tTYPE\tNAME\tPRODUCT")
			for _, d := range list {
				if onlineOnly && !d.IsOnline() {
					continue
				}
				if _, ok := wanted[d.SN]; len(wanted) > 0 && !ok {
					continue
				}
				status := offline("offline")
				if d.IsOnline() {
					status = online("online")
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.SN, status, devices.TypeOf(d.SN), d.DeviceName, d.ProductName)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&onlineOnly, "online", false, "only list online devices")
	return cmd
}

func newSerialsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "serials",
		Short: "Print the serial number of every device, one per line",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			serials, err := a.client.GetSerialNumbers(cmd.Context())
			if err != nil {
				return err
			}
			for _, sn := range serials {
				fmt.Fprintln(cmd.OutOrStdout(), sn)
			}
			return nil
		},
	}
}

func newQuotaCmd(a *app) *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "quota [sn...]",
		Short: "Fetch the full quota of one or more devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 && !all {
				return errors.New("pass serial numbers or --all")
			}
			if all {
				args = nil
			}
			serials, err := a.serials(cmd.Context(), args)
			if err != nil {
				return err
			}

			var (
				mu       sync.Mutex
				results  = make(map[string]map[string]json.RawMessage, len(serials))
				failures []error
			)
			pool := utils.NewWorkerPool(a.config.Workers, a.logger)
			for _, sn := range serials {
				sn := sn
				pool.Submit("quota "+sn, func() {
					quota, err := a.client.GetDeviceQuota(cmd.Context(), sn)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						failures = append(failures, fmt.Errorf("%s: %w", sn, err))
						return
					}
					results[sn] = quota
				})
			}
			pool.Shutdown()

			if len(results) > 0 {
				if err := printJSON(cmd.OutOrStdout(), results); err != nil {
					return err
				}
			}
			return errors.Join(failures...)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "fetch every device on the account")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	var decode bool
	cmd := &cobra.Command{
		Use:   "get <sn> <quota>...",
		Short: "Read selected quotas with a get command",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			get, err := devices.NewGetCommand(args[0], utils.Dedupe(args[1:])...)
			if err != nil {
				return err
			}
			data, err := a.client.GetCommand(cmd.Context(), get)
			if err != nil {
				return err
			}
			if decode && devices.TypeOf(get.SN) == devices.SmartPlug {
				state, err := devices.DecodeSmartPlugState(data)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), state)
			}
			return printJSON(cmd.OutOrStdout(), data)
		},
	}
	cmd.Flags().BoolVar(&decode, "decode", false, "decode smart plug quotas into typed fields")
	return cmd
}

func newSetCmd(a *app) *cobra.Command {
	var (
		overMQTT bool
		timeout  = defaultReplyTimeout
	)
	cmd := &cobra.Command{
		Use:   "set <sn> <cmdCode> <value>",
		Short: "Send a set command from the command table",
		Long: `Send a set command. The parameter name is taken from the command table,
for example:

  ecoflow set HW51ZEH49G9A0456 WN511_SET_PERMANENT_WATTS_PACK 300`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := strconv.Atoi(args[2])
			if err != nil {
				return fmt.Errorf("value must be an integer: %w", err)
			}
			set, err := devices.NewSetCommand(args[0], args[1], value)
			if err != nil {
				return err
			}
			if overMQTT {
				return a.sendOverMQTT(cmd, set, timeout)
			}
			ack, err := a.client.SetCommand(cmd.Context(), set)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s accepted (tid %s)\n", set.SN, set.CmdCode, ack.TID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&overMQTT, "mqtt", false, "publish on the set topic and wait for set_reply instead of using REST")
	cmd.Flags().DurationVar(&timeout, "timeout", timeout, "how long to wait for set_reply")
	return cmd
}
