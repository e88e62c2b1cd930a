package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/propvoice/voice-agent/internal/audio"
)

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		RunE: func(cmd *cobra.Command, args []string) error {
			device := audio.NewPortAudioDevice()
			defer device.Close()

			inputs, err := device.InputDevices()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(inputs) == 0 {
				fmt.Fprintln(out, "No microphone detected.")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DEFAULT\tNAME\tHOST API\tCHANNELS\tRATE")
			for _, d := range inputs {
				mark := ""
				if d.Default {
					mark = "*"
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%.0f\n", mark, d.Name, d.HostAPI, d.InputChannels, d.DefaultSampleRate)
			}
			return tw.Flush()
		},
	}
}
