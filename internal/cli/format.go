package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/metorial/aegis/internal/discovery"
	"github.com/metorial/aegis/internal/models"
)

func FormatJSON(data interface{}) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

func FormatStatsTable(data map[string]interface{}) error {
	fmt.Printf("Agent %s, up %s\n\n", getString(data["version"]), formatUptime(data["uptime_seconds"]))

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	hub := getMap(data["hub"])
	fmt.Fprintf(w, "Sessions:\t%s\n", formatNumber(hub["sessions"]))
	fmt.Fprintf(w, "Frames Published:\t%s\n", formatNumber(hub["published"]))
	fmt.Fprintf(w, "Frames Dropped:\t%s\n", formatNumber(hub["dropped"]))
	fmt.Fprintf(w, "Sessions Evicted:\t%s\n", formatNumber(hub["evicted"]))

	sampler := getMap(data["sampler"])
	fmt.Fprintf(w, "Sample Interval:\t%sms\n", formatNumber(sampler["interval_ms"]))
	fmt.Fprintf(w, "Ticks:\t%s\n", formatNumber(sampler["ticks"]))
	fmt.Fprintf(w, "Overruns:\t%s\n", formatNumber(sampler["overruns"]))

	dispatch := getMap(data["dispatch"])
	fmt.Fprintf(w, "Commands Submitted:\t%s\n", formatNumber(dispatch["submitted"]))
	fmt.Fprintf(w, "Commands Succeeded:\t%s\n", formatNumber(dispatch["succeeded"]))
	fmt.Fprintf(w, "Commands Failed:\t%s\n", formatNumber(dispatch["failed"]))
	fmt.Fprintf(w, "Commands Rejected:\t%s\n", formatNumber(dispatch["rejected"]))
	fmt.Fprintf(w, "Commands Pending:\t%s\n", formatNumber(dispatch["pending"]))

	return w.Flush()
}

func FormatHistoryTable(data map[string]interface{}) error {
	points, ok := data["points"].([]interface{})
	if !ok {
		return fmt.Errorf("invalid history data")
	}
	if len(points) == 0 {
		fmt.Println("No history yet")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tCPU %\tMEMORY USED")

	for _, p := range points {
		point := getMap(p)
		fmt.Fprintf(w, "%s\t%s%%\t%s\n",
			formatTime(point["time"]),
			formatFloat(point["cpu"]),
			formatMB(point["mem"]),
		)
	}

	return w.Flush()
}

func FormatOutcomesTable(data map[string]interface{}) error {
	outcomes, ok := data["outcomes"].([]interface{})
	if !ok {
		return fmt.Errorf("invalid outcomes data")
	}
	if len(outcomes) == 0 {
		fmt.Println("No commands recorded")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "REQUESTED\tACTION\tTARGET\tSTATUS\tERROR")

	for _, o := range outcomes {
		outcome := getMap(o)
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			formatTime(outcome["requested_at"]),
			getString(outcome["action"]),
			getString(outcome["target"]),
			getString(outcome["status"]),
			getString(outcome["error"]),
		)
	}

	return w.Flush()
}

func FormatSnapshot(snap *models.Snapshot) error {
	fmt.Printf("Host: %s (%s)\n", snap.Metadata.Hostname, snap.Metadata.OSType)
	fmt.Printf("Agent: %s\n", snap.Metadata.AgentVersion)
	fmt.Printf("Uptime: %s\n", formatUptime(snap.Metadata.UptimeSeconds))
	fmt.Printf("Taken: %s\n", snap.Metadata.Timestamp.Local().Format("2006-01-02 15:04:05"))
	fmt.Printf("CPU: %.1f%% (%s)\n", snap.CPU.GlobalUsagePercent, formatTemperature(snap.CPU.TemperatureC))
	fmt.Printf("Memory: %s / %s (%.1f%%)\n",
		formatMB(snap.Memory.UsedMB), formatMB(snap.Memory.TotalMB), snap.MemoryPercent())
	if len(snap.Unavailable) > 0 {
		fmt.Printf("Unavailable: %s\n", strings.Join(snap.Unavailable, ", "))
	}
	fmt.Println()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)

	if len(snap.TopProcesses) > 0 {
		fmt.Fprintln(w, "PID\tNAME\tUSER\tCPU %\tMEMORY")
		for _, p := range snap.TopProcesses {
			fmt.Fprintf(w, "%d\t%s\t%s\t%.1f%%\t%.1f MB\n", p.PID, p.Name, p.User, p.CPUPercent, p.MemoryMB)
		}
		fmt.Fprintln(w)
	}

	if len(snap.Containers) > 0 {
		fmt.Fprintln(w, "CONTAINER\tNAME\tSTATUS\tCPU %\tMEMORY")
		for _, c := range snap.Containers {
			fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%.1f MB\n", c.ID, c.Name, c.Status, c.CPUPercent, c.MemoryMB)
		}
		fmt.Fprintln(w)
	}

	if len(snap.Disks) > 0 {
		fmt.Fprintln(w, "MOUNT\tUSED\tTOTAL\tREAD/s\tWRITE/s")
		for _, d := range snap.Disks {
			fmt.Fprintf(w, "%s\t%.1f GB\t%.1f GB\t%s\t%s\n",
				d.MountPoint, d.UsedGB, d.TotalGB, formatBytes(d.ReadBytesSec), formatBytes(d.WriteBytesSec))
		}
		fmt.Fprintln(w)
	}

	if len(snap.Network) > 0 {
		fmt.Fprintln(w, "INTERFACE\tRX/s\tTX/s")
		for _, n := range snap.Network {
			fmt.Fprintf(w, "%s\t%s\t%s\n", n.Interface, formatBytes(n.RxBytesSec), formatBytes(n.TxBytesSec))
		}
		fmt.Fprintln(w)
	}

	if len(snap.GPUs) > 0 {
		fmt.Fprintln(w, "GPU\tVENDOR\tUTILIZATION\tMEMORY")
		for _, g := range snap.GPUs {
			fmt.Fprintf(w, "%s\t%s\t%.0f%%\t%s\n", g.Model, g.Vendor, g.Utilization, formatMB(g.MemoryTotalMB))
		}
	}

	return w.Flush()
}

// FormatSnapshotLine prints one line per snapshot for watch mode.
func FormatSnapshotLine(snap *models.Snapshot) error {
	_, err := fmt.Printf("%s  %s  cpu %5.1f%%  mem %s/%s  procs %d  containers %d\n",
		snap.Metadata.Timestamp.Local().Format("15:04:05"),
		snap.Metadata.Hostname,
		snap.CPU.GlobalUsagePercent,
		formatMB(snap.Memory.UsedMB),
		formatMB(snap.Memory.TotalMB),
		len(snap.TopProcesses),
		len(snap.Containers),
	)
	return err
}

func FormatAgentsTable(agents []discovery.Agent) error {
	if len(agents) == 0 {
		fmt.Println("No agents registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "HOSTNAME\tADDRESS\tVERSION")
	for _, a := range agents {
		fmt.Fprintf(w, "%s\t%s\t%s\n", a.Hostname, a.Address, a.Version)
	}
	return w.Flush()
}

func getString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func getMap(v interface{}) map[string]interface{} {
	if m, ok := v.(map[string]interface{}); ok {
		return m
	}
	return map[string]interface{}{}
}

func toInt64(v interface{}) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func formatNumber(v interface{}) string {
	n, _ := toInt64(v)
	return strconv.FormatInt(n, 10)
}

func formatFloat(v interface{}) string {
	if f, ok := v.(float64); ok {
		return fmt.Sprintf("%.1f", f)
	}
	return "0.0"
}

func formatTemperature(c float64) string {
	if c == models.NoTemperature {
		return "no sensor"
	}
	return fmt.Sprintf("%.0f°C", c)
}

func formatMB(v interface{}) string {
	mb, ok := toInt64(v)
	if !ok {
		return "0 MB"
	}
	if mb >= 1024 {
		return fmt.Sprintf("%.1f GB", float64(mb)/1024)
	}
	return fmt.Sprintf("%d MB", mb)
}

func formatBytes(v interface{}) string {
	n, ok := toInt64(v)
	if !ok {
		return "0 B"
	}
	bytes := float64(n)

	units := []string{"B", "KB", "MB", "GB", "TB"}
	i := 0
	for bytes >= 1024 && i < len(units)-1 {
		bytes /= 1024
		i++
	}

	return fmt.Sprintf("%.1f %s", bytes, units[i])
}

func formatTime(v interface{}) string {
	if s, ok := v.(string); ok {
		t, err := time.Parse(time.RFC3339, s)
		if err == nil {
			return t.Local().Format("2006-01-02 15:04:05")
		}
		return s
	}
	return ""
}

func formatUptime(v interface{}) string {
	seconds, ok := toInt64(v)
	if !ok {
		return "0m"
	}

	days := seconds / 86400
	hours := (seconds % 86400) / 3600
	minutes := (seconds % 3600) / 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
