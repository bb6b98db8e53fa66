package main

import (
	"fmt"
	"os"
	"os/user"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/medwire/dicomgw/pkg/health"
	"github.com/medwire/dicomgw/pkg/types"
)

var destinationCmd = &cobra.Command{
	Use:   "destination",
	Short: "Manage forwarding destinations",
}

func init() {
	destinationCmd.AddCommand(destinationAddCmd)
	destinationCmd.AddCommand(destinationListCmd)
	destinationCmd.AddCommand(destinationEnableCmd)
	destinationCmd.AddCommand(destinationDisableCmd)
	destinationCmd.AddCommand(destinationProbeCmd)

	f := destinationAddCmd.Flags()
	f.String("ae-title", "", "Called AE title of the destination")
	f.String("host", "", "Destination hostname or IP")
	f.Int("port", 11112, "Destination port")
	f.Int("max-pdu", 16384, "Maximum PDU length to negotiate")
	f.Duration("connect-timeout", 30*time.Second, "TCP connect timeout")
	f.Duration("association-timeout", 30*time.Second, "Association timeout")
	f.Bool("tls", false, "Connect with TLS")
	f.String("tls-cert", "", "Client certificate file")
	f.String("tls-key", "", "Client key file")
	f.String("tls-ca", "", "CA bundle for server verification")
	f.Bool("tls-skip-verify", false, "Skip server certificate verification")
	f.Bool("disabled", false, "Create the destination disabled")
	f.StringSlice("modalities", nil, "Only forward studies containing one of these modalities")
	f.StringSlice("calling-ae", nil, "Only forward studies received from one of these AE titles")
	f.String("window", "", "Only forward inside this daily window, formatted HH:MM-HH:MM")
	_ = destinationAddCmd.MarkFlagRequired("ae-title")
	_ = destinationAddCmd.MarkFlagRequired("host")
}

// actor returns the operator identity recorded in the audit log
func actor() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return fmt.Sprintf("uid:%d", os.Getuid())
}

var destinationAddCmd = &cobra.Command{
	Use:   "add NAME",
	Short: "Register a new destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		flags := cmd.Flags()
		aeTitle, _ := flags.GetString("ae-title")
		host, _ := flags.GetString("host")
		port, _ := flags.GetInt("port")
		maxPDU, _ := flags.GetInt("max-pdu")
		connectTimeout, _ := flags.GetDuration("connect-timeout")
		assocTimeout, _ := flags.GetDuration("association-timeout")
		tlsEnabled, _ := flags.GetBool("tls")
		tlsCert, _ := flags.GetString("tls-cert")
		tlsKey, _ := flags.GetString("tls-key")
		tlsCA, _ := flags.GetString("tls-ca")
		tlsSkipVerify, _ := flags.GetBool("tls-skip-verify")
		disabled, _ := flags.GetBool("disabled")
		modalities, _ := flags.GetStringSlice("modalities")
		callingAEs, _ := flags.GetStringSlice("calling-ae")
		window, _ := flags.GetString("window")

		if len(aeTitle) == 0 || len(aeTitle) > 16 {
			return fmt.Errorf("ae-title must be 1-16 characters")
		}

		rules, err := buildRules(modalities, callingAEs, window)
		if err != nil {
			return err
		}

		d := &types.Destination{
			Name:               args[0],
			AETitle:            aeTitle,
			Host:               host,
			Port:               port,
			MaxPDULength:       maxPDU,
			ConnectTimeout:     connectTimeout,
			AssociationTimeout: assocTimeout,
			TLSEnabled:         tlsEnabled,
			TLSCertFile:        tlsCert,
			TLSKeyFile:         tlsKey,
			TLSCAFile:          tlsCA,
			TLSSkipVerify:      tlsSkipVerify,
			Enabled:            !disabled,
			ForwardingRules:    rules,
		}
		if err := st.CreateDestination(ctx, d); err != nil {
			return err
		}
		if err := st.Audit().Record(ctx, "destination_created", "destination", d.Name, actor(), d); err != nil {
			return err
		}

		fmt.Printf("Created destination %s (%s@%s)\n", d.Name, d.AETitle, d.Addr())
		return nil
	},
}

// buildRules assembles the predicate tree from the CLI's flat filters
func buildRules(modalities, callingAEs []string, window string) (*types.ForwardingRules, error) {
	if len(modalities) == 0 && len(callingAEs) == 0 && window == "" {
		return nil, nil
	}
	rules := &types.ForwardingRules{
		Modalities:      modalities,
		CallingAETitles: callingAEs,
	}
	if window != "" {
		parts := strings.SplitN(window, "-", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("window must be formatted HH:MM-HH:MM, got %q", window)
		}
		rules.TimeWindow = &types.TimeWindow{Start: parts[0], End: parts[1]}
	}
	return rules, nil
}

var destinationListCmd = &cobra.Command{
	Use:   "list",
	Short: "List destinations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		dests, err := st.ListDestinations(ctx, false)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tAE TITLE\tADDRESS\tENABLED\tFAILURES\tLAST SUCCESS")
		for _, d := range dests {
			lastSuccess := "never"
			if d.LastSuccessAt != nil {
				lastSuccess = d.LastSuccessAt.Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%d\t%s\n",
				d.Name, d.AETitle, d.Addr(), d.Enabled, d.ConsecutiveFailures, lastSuccess)
		}
		return w.Flush()
	},
}

var destinationEnableCmd = &cobra.Command{
	Use:   "enable NAME",
	Short: "Enable a destination",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], true)
	},
}

var destinationDisableCmd = &cobra.Command{
	Use:   "disable NAME",
	Short: "Disable a destination; its pending forward jobs stay queued",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setEnabled(args[0], false)
	},
}

func setEnabled(name string, enabled bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()

	st, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetDestinationEnabled(ctx, name, enabled); err != nil {
		return err
	}
	action := "destination_disabled"
	if enabled {
		action = "destination_enabled"
	}
	if err := st.Audit().Record(ctx, action, "destination", name, actor(), nil); err != nil {
		return err
	}

	fmt.Printf("Destination %s is now enabled=%t\n", name, enabled)
	return nil
}

var destinationProbeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Check TCP reachability of all destinations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := signalContext()
		defer cancel()

		st, err := openStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close()

		dests, err := st.ListDestinations(ctx, false)
		if err != nil {
			return err
		}

		prober := health.NewProber(cfg.DICOM.ConnectTimeout)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tHEALTHY\tLATENCY\tDETAIL")
		for _, res := range prober.ProbeAll(ctx, dests) {
			fmt.Fprintf(w, "%s\t%t\t%s\t%s\n",
				res.Destination, res.Healthy, res.Duration.Round(time.Millisecond), res.Message)
		}
		return w.Flush()
	},
}
