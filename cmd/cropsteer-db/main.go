// AgSys Crop Steering Database CLI Tool
// Provides read-only command-line access to the crop steering database
package main

import (
	"database/sql"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/agsys/crop-steering/internal/model"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "cropsteer-db",
		Short: "AgSys Crop Steering Database CLI",
		Long:  "Command-line tool for inspecting the AgSys crop steering controller database.",
	}

	zonesCmd = &cobra.Command{
		Use:   "zones",
		Short: "List zones with their mode, phase and medium",
		RunE:  listZones,
	}

	pathsCmd = &cobra.Command{
		Use:   "paths [zone-id]",
		Short: "Show stored configuration paths",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showPaths,
	}

	irrigationCmd = &cobra.Command{
		Use:   "irrigation [zone-id]",
		Short: "Show irrigation shots",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showIrrigation,
	}

	transitionsCmd = &cobra.Command{
		Use:   "transitions [zone-id]",
		Short: "Show phase transitions",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showTransitions,
	}

	drybacksCmd = &cobra.Command{
		Use:   "drybacks [zone-id]",
		Short: "Show night dryback records",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showDrybacks,
	}

	calibrationsCmd = &cobra.Command{
		Use:   "calibrations [zone-id]",
		Short: "Show calibration records",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showCalibrations,
	}

	readingsCmd = &cobra.Command{
		Use:   "readings [zone-id]",
		Short: "Show calibrated sensor readings",
		Args:  cobra.MaximumNArgs(1),
		RunE:  showReadings,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/agsys/cropsteer.db", "Database file path")

	for _, c := range []*cobra.Command{irrigationCmd, transitionsCmd, drybacksCmd, calibrationsCmd, readingsCmd} {
		c.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	}

	rootCmd.AddCommand(zonesCmd)
	rootCmd.AddCommand(pathsCmd)
	rootCmd.AddCommand(irrigationCmd)
	rootCmd.AddCommand(transitionsCmd)
	rootCmd.AddCommand(drybacksCmd)
	rootCmd.AddCommand(calibrationsCmd)
	rootCmd.AddCommand(readingsCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*sql.DB, error) {
	return sql.Open("sqlite3", dbPath+"?mode=ro")
}

// zoneFilter builds the optional zone clause shared by the history commands
func zoneFilter(args []string) (string, []interface{}) {
	if len(args) > 0 {
		return "WHERE zone_id = ?", []interface{}{args[0], limit}
	}
	return "", []interface{}{limit}
}

func listZones(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	rows, err := db.Query(`SELECT path, value FROM kv_paths WHERE path LIKE 'zones.%' ORDER BY path`)
	if err != nil {
		return err
	}
	defer rows.Close()

	type zoneInfo struct{ mode, phase, medium, lights, stage string }
	zones := make(map[string]*zoneInfo)
	var order []string

	for rows.Next() {
		var path, value string
		if err := rows.Scan(&path, &value); err != nil {
			return err
		}
		rest := strings.TrimPrefix(path, "zones.")
		i := strings.Index(rest, ".")
		if i <= 0 {
			continue
		}
		id, key := rest[:i], rest[i+1:]
		z, ok := zones[id]
		if !ok {
			z = &zoneInfo{mode: "-", phase: "-", medium: "-", lights: "-", stage: "-"}
			zones[id] = z
			order = append(order, id)
		}
		switch key {
		case model.PathActiveMode:
			z.mode = value
		case model.PathCropPhase:
			z.phase = value
		case model.PathMediumType:
			z.medium = value
		case model.PathLightOn:
			z.lights = value
		case model.PathPlantPhase:
			z.stage = value
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tMODE\tPHASE\tMEDIUM\tLIGHTS\tSTAGE")
	fmt.Fprintln(w, "----\t----\t-----\t------\t------\t-----")
	for _, id := range order {
		z := zones[id]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", id, z.mode, z.phase, z.medium, z.lights, z.stage)
	}
	w.Flush()
	return nil
}

func showPaths(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	prefix := "zones.%"
	if len(args) > 0 {
		prefix = "zones." + args[0] + ".%"
	}
	rows, err := db.Query(`SELECT path, value, updated_at FROM kv_paths WHERE path LIKE ? ORDER BY path`, prefix)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tVALUE\tUPDATED")
	fmt.Fprintln(w, "----\t-----\t-------")
	for rows.Next() {
		var path, value string
		var updatedAt time.Time
		if err := rows.Scan(&path, &value, &updatedAt); err != nil {
			return err
		}
		if len(value) > 60 {
			value = value[:57] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", path, value, updatedAt.Format("2006-01-02 15:04"))
	}
	w.Flush()
	return nil
}

func showIrrigation(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	where, queryArgs := zoneFilter(args)
	rows, err := db.Query(`
		SELECT zone_id, phase, duration_ms, emergency, success, reason, vwc_before, timestamp, synced_to_cloud
		FROM irrigation_events `+where+` ORDER BY timestamp DESC LIMIT ?
	`, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tPHASE\tDURATION\tEMERG\tOK\tVWC\tREASON\tTIME\tSYNCED")
	fmt.Fprintln(w, "----\t-----\t--------\t-----\t--\t---\t------\t----\t------")

	for rows.Next() {
		var zoneID string
		var phase int
		var durationMS int64
		var emergency, success, synced bool
		var reason sql.NullString
		var vwc sql.NullFloat64
		var timestamp time.Time

		if err := rows.Scan(&zoneID, &phase, &durationMS, &emergency, &success, &reason, &vwc, &timestamp, &synced); err != nil {
			return err
		}

		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\t%.1f%%\t%s\t%s\t%s\n",
			zoneID, model.Phase(phase).Short(), time.Duration(durationMS)*time.Millisecond,
			yesNo(emergency), yesNo(success), vwc.Float64, reason.String,
			timestamp.Format("2006-01-02 15:04:05"), yesNo(synced))
	}
	w.Flush()
	return nil
}

func showTransitions(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	where, queryArgs := zoneFilter(args)
	rows, err := db.Query(`
		SELECT zone_id, from_phase, to_phase, reason, vwc, timestamp, synced_to_cloud
		FROM phase_transitions `+where+` ORDER BY timestamp DESC LIMIT ?
	`, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tFROM\tTO\tVWC\tREASON\tTIME\tSYNCED")
	fmt.Fprintln(w, "----\t----\t--\t---\t------\t----\t------")

	for rows.Next() {
		var zoneID string
		var from, to int
		var reason sql.NullString
		var vwc sql.NullFloat64
		var timestamp time.Time
		var synced bool

		if err := rows.Scan(&zoneID, &from, &to, &reason, &vwc, &timestamp, &synced); err != nil {
			return err
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%.1f%%\t%s\t%s\t%s\n",
			zoneID, model.Phase(from).Short(), model.Phase(to).Short(), vwc.Float64, reason.String,
			timestamp.Format("2006-01-02 15:04:05"), yesNo(synced))
	}
	w.Flush()
	return nil
}

func showDrybacks(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	where, queryArgs := zoneFilter(args)
	rows, err := db.Query(`
		SELECT zone_id, start_vwc, end_vwc, dryback_percent, started_at, ended_at, synced_to_cloud
		FROM dryback_records `+where+` ORDER BY ended_at DESC LIMIT ?
	`, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tSTART\tEND\tDRYBACK\tNIGHT\tLENGTH\tSYNCED")
	fmt.Fprintln(w, "----\t-----\t---\t-------\t-----\t------\t------")

	for rows.Next() {
		var zoneID string
		var startVWC, endVWC, percent float64
		var startedAt, endedAt time.Time
		var synced bool

		if err := rows.Scan(&zoneID, &startVWC, &endVWC, &percent, &startedAt, &endedAt, &synced); err != nil {
			return err
		}

		fmt.Fprintf(w, "%s\t%.1f%%\t%.1f%%\t%.1f%%\t%s\t%v\t%s\n",
			zoneID, startVWC, endVWC, percent, startedAt.Format("2006-01-02"),
			endedAt.Sub(startedAt).Round(time.Minute), yesNo(synced))
	}
	w.Flush()
	return nil
}

func showCalibrations(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	where, queryArgs := zoneFilter(args)
	rows, err := db.Query(`
		SELECT zone_id, medium, phase, bound, value, collected_at, synced_to_cloud
		FROM calibration_records `+where+` ORDER BY collected_at DESC LIMIT ?
	`, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tMEDIUM\tPHASE\tBOUND\tVWC\tCOLLECTED\tSYNCED")
	fmt.Fprintln(w, "----\t------\t-----\t-----\t---\t---------\t------")

	for rows.Next() {
		var zoneID, medium, bound string
		var phase int
		var value float64
		var collectedAt time.Time
		var synced bool

		if err := rows.Scan(&zoneID, &medium, &phase, &bound, &value, &collectedAt, &synced); err != nil {
			return err
		}

		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.1f%%\t%s\t%s\n",
			zoneID, medium, model.Phase(phase).Short(), bound, value,
			collectedAt.Format("2006-01-02 15:04"), yesNo(synced))
	}
	w.Flush()
	return nil
}

func showReadings(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	where, queryArgs := zoneFilter(args)
	rows, err := db.Query(`
		SELECT zone_id, vwc, bulk_ec, pore_ec, temperature_c, valid, timestamp
		FROM sensor_readings `+where+` ORDER BY timestamp DESC LIMIT ?
	`, queryArgs...)
	if err != nil {
		return err
	}
	defer rows.Close()

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ZONE\tVWC\tBULK EC\tPORE EC\tTEMP\tVALID\tTIME")
	fmt.Fprintln(w, "----\t---\t-------\t-------\t----\t-----\t----")

	for rows.Next() {
		var zoneID string
		var vwc float64
		var bulkEC, poreEC, temp sql.NullFloat64
		var valid bool
		var timestamp time.Time

		if err := rows.Scan(&zoneID, &vwc, &bulkEC, &poreEC, &temp, &valid, &timestamp); err != nil {
			return err
		}

		fmt.Fprintf(w, "%s\t%.1f%%\t%.2f\t%.2f\t%.1f°C\t%s\t%s\n",
			zoneID, vwc, bulkEC.Float64, poreEC.Float64, temp.Float64, yesNo(valid),
			timestamp.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	fmt.Println("Database Statistics")
	fmt.Println("===================")

	var pathCount int
	db.QueryRow("SELECT COUNT(*) FROM kv_paths").Scan(&pathCount)
	fmt.Printf("Stored paths: %d\n", pathCount)

	for _, t := range []struct{ label, table string }{
		{"Irrigation events", "irrigation_events"},
		{"Phase transitions", "phase_transitions"},
		{"Dryback records", "dryback_records"},
		{"Calibration records", "calibration_records"},
	} {
		var total, unsynced int
		db.QueryRow("SELECT COUNT(*) FROM " + t.table).Scan(&total)
		db.QueryRow("SELECT COUNT(*) FROM " + t.table + " WHERE synced_to_cloud = 0").Scan(&unsynced)
		fmt.Printf("%s: %d (unsynced: %d)\n", t.label, total, unsynced)
	}

	var readingCount int
	db.QueryRow("SELECT COUNT(*) FROM sensor_readings").Scan(&readingCount)
	fmt.Printf("Sensor readings: %d\n", readingCount)

	var emergencyCount int
	db.QueryRow("SELECT COUNT(*) FROM irrigation_events WHERE emergency = 1").Scan(&emergencyCount)
	fmt.Printf("Emergency shots: %d\n", emergencyCount)

	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	query := args[0]

	// Only allow SELECT queries for safety
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(cols)))

	values := make([]interface{}, len(cols))
	valuePtrs := make([]interface{}, len(cols))
	for i := range values {
		valuePtrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(valuePtrs...); err != nil {
			return err
		}

		var row []string
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				row = append(row, "NULL")
			case []byte:
				row = append(row, string(val))
			default:
				row = append(row, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
	return nil
}

func yesNo(b bool) string {
	if b {
		return "Y"
	}
	return "N"
}
