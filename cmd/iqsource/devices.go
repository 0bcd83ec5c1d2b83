package main

import (
	"encoding/json"
	"fmt"

	"github.com/norasector/iqsource/pkg/config"
	"github.com/norasector/iqsource/pkg/iq"
	"github.com/norasector/iqsource/pkg/source"
	"github.com/norasector/iqsource/pkg/source/device"
	"github.com/norasector/iqsource/pkg/source/device/file"
	"github.com/norasector/iqsource/pkg/source/device/hackrf"
	"github.com/norasector/iqsource/pkg/source/device/rtlsdr"
	"github.com/norasector/iqsource/pkg/source/device/sim"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const simDeviceCount = 1

func devicesCommand() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "List the devices every backend can see",
		RunE: func(cmd *cobra.Command, args []string) error {
			drivers := []device.Driver{sim.NewDriver(simDeviceCount), rtlsdr.NewDriver()}

			hrf, err := hackrf.NewDriver()
			if err != nil {
				log.Warn().Str("driver", "hackrf").Err(err).Msg("skipping driver")
			} else {
				defer hrf.Close()
				drivers = append(drivers, hrf)
			}

			infos, err := source.ListDevices(drivers...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(infos)
			}
			for _, info := range infos {
				fmt.Fprintln(out, info.String())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of one device per line")

	return cmd
}

type closer interface {
	Close() error
}

// openDriver returns the driver the config selects, plus anything that must
// be closed once the session is gone.
func openDriver(cfg *config.Config) (device.Driver, closer, error) {
	switch cfg.Device {
	case "sim":
		return sim.NewDriver(cfg.DeviceIndex + 1), nil, nil
	case "rtlsdr":
		return rtlsdr.NewDriver(), nil, nil
	case "hackrf":
		drv, err := hackrf.NewDriver()
		if err != nil {
			return nil, nil, fmt.Errorf("failed to initialize hackRF: %w", err)
		}
		return drv, drv, nil
	case "file":
		format, err := iq.ParseFormat(cfg.PlaybackFormat)
		if err != nil {
			return nil, nil, err
		}
		var opts []file.Option
		if cfg.PlaybackLoop {
			opts = append(opts, file.WithLoop())
		}
		return file.NewDriver([]string{cfg.PlaybackLocation}, format, cfg.SampleRate, opts...), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown device %q", cfg.Device)
	}
}

func loadConfig(flags *globalFlags) (*config.Config, error) {
	if flags.configFile == "" {
		return config.Default(), nil
	}
	return config.Load(flags.configFile)
}
