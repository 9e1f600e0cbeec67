package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	cnsingester "github.com/c360studio/cnsscope/processor/cns-ingester"
	"github.com/c360studio/cnsscope/wire"
	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"
)

type stimulateFlags struct {
	natsURL     string
	id          string
	payload     string
	contexts    string
	maxHops     int
	concurrency int
	allowed     []string
	timeoutMs   int64
	wait        time.Duration
}

func stimulateCmd(settingsPath, logLevel *string) *cobra.Command {
	var f stimulateFlags

	cmd := &cobra.Command{
		Use:   "stimulate <appId> <collateralName>",
		Short: "Inject a collateral into a running instrumented app",
		Long: `Sends a stimulate command to the runtime serving appId and prints its
reply. The command travels over NATS request/reply on
cns.command.stimulate.<appId>.`,
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(*logLevel)

			url := f.natsURL
			if url == "" {
				url = os.Getenv("NATS_URL")
			}
			if url == "" {
				settings, _, err := loadSettings(*settingsPath, logger)
				if err != nil {
					return fmt.Errorf("load settings: %w", err)
				}
				url = settings.NATS.URL
			}

			command, err := f.command(args[1])
			if err != nil {
				return err
			}

			conn, err := nats.Connect(url, nats.Name(appName+"-cli"))
			if err != nil {
				return wrapNATSError(err, url)
			}
			defer conn.Close()

			relay := cnsingester.NewRelay(conn, f.wait)
			reply, err := relay.Stimulate(cmd.Context(), args[0], command)
			if err != nil {
				return err
			}
			return printReply(cmd.OutOrStdout(), reply)
		},
	}

	cmd.Flags().StringVar(&f.natsURL, "nats-url", "", "NATS server URL (default: from settings)")
	cmd.Flags().StringVar(&f.id, "id", "", "Stimulation command id (default: generated)")
	cmd.Flags().StringVar(&f.payload, "payload", "", "JSON payload")
	cmd.Flags().StringVar(&f.contexts, "contexts", "", "JSON contexts")
	cmd.Flags().IntVar(&f.maxHops, "max-hops", 0, "Maximum neuron hops (0: runtime default)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "Concurrency (0: runtime default)")
	cmd.Flags().StringSliceVar(&f.allowed, "allow", nil, "Restrict propagation to these collateral names")
	cmd.Flags().Int64Var(&f.timeoutMs, "timeout-ms", 0, "Execution timeout in milliseconds (0: none)")
	cmd.Flags().DurationVar(&f.wait, "wait", 5*time.Second, "How long to wait for the reply")

	return cmd
}

// command builds the wire command from the flags. Unset numeric options are
// left for the runtime to default.
func (f stimulateFlags) command(collateral string) (wire.StimulateCommand, error) {
	cmd := wire.StimulateCommand{
		StimulationCommandID: f.id,
		CollateralName:       collateral,
	}

	if f.payload != "" {
		if !json.Valid([]byte(f.payload)) {
			return wire.StimulateCommand{}, fmt.Errorf("--payload is not valid JSON")
		}
		cmd.Payload = json.RawMessage(f.payload)
	}
	if f.contexts != "" {
		if !json.Valid([]byte(f.contexts)) {
			return wire.StimulateCommand{}, fmt.Errorf("--contexts is not valid JSON")
		}
		cmd.Contexts = json.RawMessage(f.contexts)
	}

	var opts wire.StimulateOptions
	set := false
	if f.maxHops > 0 {
		opts.MaxNeuronHops = &f.maxHops
		set = true
	}
	if f.concurrency > 0 {
		opts.Concurrency = &f.concurrency
		set = true
	}
	if len(f.allowed) > 0 {
		opts.AllowedNames = f.allowed
		set = true
	}
	if f.timeoutMs > 0 {
		opts.TimeoutMs = &f.timeoutMs
		set = true
	}
	if set {
		cmd.Options = &opts
	}
	return cmd, nil
}

func printReply(w io.Writer, reply wire.StimulateReply) error {
	data, err := json.MarshalIndent(reply, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(w, string(data))
	if !reply.Accepted {
		return fmt.Errorf("stimulation rejected: %s", reply.Reason)
	}
	return nil
}
