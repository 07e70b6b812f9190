package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"runelink/crypto"
	"runelink/identity"
	"runelink/models"
	"runelink/neighbors"
	"runelink/storage"
)

// deviceRow is the printable form of one discovered device.
type deviceRow struct {
	Alias       string    `json:"alias" yaml:"alias"`
	Fingerprint string    `json:"fingerprint" yaml:"fingerprint"`
	DeviceModel string    `json:"device_model" yaml:"device_model"`
	DeviceType  string    `json:"device_type" yaml:"device_type"`
	IPs         []string  `json:"ips" yaml:"ips"`
	LastSeen    time.Time `json:"last_seen" yaml:"last_seen"`
}

func rowFromMessage(msg models.DiscoveredDeviceMessage) deviceRow {
	return deviceRow{
		Alias:       msg.Alias,
		Fingerprint: msg.Fingerprint,
		DeviceModel: msg.DeviceModel,
		DeviceType:  msg.DeviceType,
		IPs:         msg.IPs,
		LastSeen:    time.Unix(msg.LastSeenUnixEpoch, 0),
	}
}

func rowFromDevice(device neighbors.DiscoveredDevice) deviceRow {
	return deviceRow{
		Alias:       device.Alias,
		Fingerprint: device.Fingerprint,
		DeviceModel: device.DeviceModel,
		DeviceType:  device.DeviceType,
		IPs:         device.IPs,
		LastSeen:    device.LastSeen,
	}
}

func rowFromStored(device storage.Device) deviceRow {
	return deviceRow{
		Alias:       device.Alias,
		Fingerprint: device.Fingerprint,
		DeviceModel: device.DeviceModel,
		DeviceType:  device.DeviceType,
		IPs:         device.IPs,
		LastSeen:    time.UnixMilli(device.LastSeen),
	}
}

// writeOutput renders data as json or yaml, falling back to table for
// anything else.
func writeOutput(w io.Writer, format string, data any, table func(tw *tabwriter.Writer)) error {
	switch strings.ToLower(format) {
	case "json":
		raw, err := json.MarshalIndent(data, "", "  ")
		if err != nil {
			return fmt.Errorf("format json: %w", err)
		}
		_, err = fmt.Fprintln(w, string(raw))
		return err
	case "yaml":
		raw, err := yaml.Marshal(data)
		if err != nil {
			return fmt.Errorf("format yaml: %w", err)
		}
		_, err = w.Write(raw)
		return err
	default:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		table(tw)
		return tw.Flush()
	}
}

func writeDevices(w io.Writer, format string, rows []deviceRow) error {
	return writeOutput(w, format, rows, func(tw *tabwriter.Writer) {
		if len(rows) == 0 {
			fmt.Fprintln(tw, "No devices found.")
			return
		}
		fmt.Fprintln(tw, "ALIAS\tFINGERPRINT\tMODEL\tTYPE\tADDRESSES\tLAST SEEN")
		for _, row := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
				row.Alias,
				crypto.FormatFingerprint(row.Fingerprint),
				row.DeviceModel,
				row.DeviceType,
				strings.Join(row.IPs, ","),
				row.LastSeen.Format(time.TimeOnly),
			)
		}
	})
}

func writeIdentity(w io.Writer, format string, id identity.Identity) error {
	return writeOutput(w, format, id, func(tw *tabwriter.Writer) {
		fmt.Fprintf(tw, "Alias:\t%s\n", id.Alias)
		fmt.Fprintf(tw, "Fingerprint:\t%s\n", crypto.FormatFingerprint(id.Fingerprint))
		fmt.Fprintf(tw, "Certificate:\t%s\n", cfg.CertificatePath)
		fmt.Fprintf(tw, "Config:\t%s\n", cfgPath)
	})
}
