// FloraSys store CLI.
// Command-line access to a field agent's on-device database.
package main

import (
	"database/sql"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/florasys/field-agent/internal/store"
)

var (
	dbPath       string
	limit        int
	unsyncedOnly bool
	showSecrets  bool
	pruneHours   int

	rootCmd = &cobra.Command{
		Use:   "florasys-store",
		Short: "FloraSys store CLI",
		Long:  "Command-line tool for inspecting and managing the FloraSys field agent database.",
	}

	summaryCmd = &cobra.Command{
		Use:   "summary",
		Short: "Show device identity and queue statistics",
		RunE:  showSummary,
	}

	settingsCmd = &cobra.Command{
		Use:   "settings",
		Short: "List settings",
		RunE:  listSettings,
	}

	channelsCmd = &cobra.Command{
		Use:   "channels",
		Short: "Show persisted channel states",
		RunE:  showChannels,
	}

	eventsCmd = &cobra.Command{
		Use:   "events",
		Short: "Show recorded events",
		RunE:  showEvents,
	}

	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Write a setting",
		Args:  cobra.ExactArgs(2),
		RunE:  setSetting,
	}

	deleteCmd = &cobra.Command{
		Use:   "delete [key]",
		Short: "Delete a setting",
		Args:  cobra.ExactArgs(1),
		RunE:  deleteSetting,
	}

	pruneCmd = &cobra.Command{
		Use:   "prune",
		Short: "Delete synced events older than a cutoff",
		RunE:  pruneEvents,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}
)

// secretKeys never print their values unless --show-secrets is given.
var secretKeys = map[string]bool{
	store.KeyActivationSecret: true,
	store.KeyBearerToken:      true,
	store.KeyStationPass:      true,
	store.KeyAPPass:           true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/florasys/agent.db", "Database file path")

	settingsCmd.Flags().BoolVar(&showSecrets, "show-secrets", false, "Print credential values instead of redacting them")
	eventsCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")
	eventsCmd.Flags().BoolVar(&unsyncedOnly, "unsynced", false, "Only show events not yet uploaded")
	pruneCmd.Flags().IntVar(&pruneHours, "hours", 168, "Age cutoff in hours")

	rootCmd.AddCommand(summaryCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(channelsCmd)
	rootCmd.AddCommand(eventsCmd)
	rootCmd.AddCommand(setCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func showSummary(cmd *cobra.Command, args []string) error {
	st, err := store.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	deviceID, err := st.GetSetting(store.KeyDeviceID)
	if err != nil {
		return err
	}
	if deviceID == "" {
		deviceID = "-"
	}
	ssid, err := st.GetSetting(store.KeyStationSSID)
	if err != nil {
		return err
	}
	provisioned := "N"
	if ssid != "" {
		provisioned = "Y"
	}

	settings, err := st.AllSettings()
	if err != nil {
		return err
	}
	channels, err := st.GetChannelStates()
	if err != nil {
		return err
	}
	channelsOn := 0
	for _, cs := range channels {
		if cs.On {
			channelsOn++
		}
	}
	unsynced, err := st.GetUnsyncedEvents(10000)
	if err != nil {
		return err
	}

	fmt.Println("Device Summary")
	fmt.Println("==============")
	fmt.Printf("Device ID: %s\n", deviceID)
	fmt.Printf("Station configured: %s\n", provisioned)
	fmt.Printf("Settings: %d\n", len(settings))
	fmt.Printf("Channel states: %d (on: %d)\n", len(channels), channelsOn)
	fmt.Printf("Unsynced events: %d\n", len(unsynced))
	return nil
}

func listSettings(cmd *cobra.Command, args []string) error {
	st, err := store.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	settings, err := st.AllSettings()
	if err != nil {
		return err
	}

	keys := make([]string, 0, len(settings))
	for key := range settings {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "KEY\tVALUE")
	fmt.Fprintln(w, "---\t-----")
	for _, key := range keys {
		value := settings[key]
		if secretKeys[key] && !showSecrets {
			value = "<redacted>"
		}
		fmt.Fprintf(w, "%s\t%s\n", key, value)
	}
	w.Flush()
	return nil
}

func showChannels(cmd *cobra.Command, args []string) error {
	st, err := store.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	channels, err := st.GetChannelStates()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CHANNEL\tSTATE\tSOURCE\tUPDATED")
	fmt.Fprintln(w, "-------\t-----\t------\t-------")
	for _, cs := range channels {
		state := "off"
		if cs.On {
			state = "on"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n",
			cs.Channel, state, cs.Source, cs.UpdatedAt.Format("2006-01-02 15:04:05"))
	}
	w.Flush()
	return nil
}

func showEvents(cmd *cobra.Command, args []string) error {
	st, err := store.OpenReadOnly(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	var events []*store.Event
	if unsyncedOnly {
		events, err = st.GetUnsyncedEvents(limit)
	} else {
		events, err = st.GetRecentEvents(limit)
	}
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCHANNEL\tKIND\tSTATE\tTIME\tSYNC")
	fmt.Fprintln(w, "--\t-------\t----\t-----\t----\t----")
	for _, ev := range events {
		channel := fmt.Sprintf("%d", ev.Channel)
		if ev.Channel < 0 {
			channel = "-"
		}
		sync := "N"
		if ev.Synced {
			sync = "Y"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
			ev.ID, channel, ev.Kind, ev.State,
			ev.CreatedAt.Format("01-02 15:04:05"), sync)
	}
	w.Flush()
	return nil
}

func setSetting(cmd *cobra.Command, args []string) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetSetting(args[0], args[1]); err != nil {
		return err
	}
	fmt.Printf("Set %s\n", args[0])
	return nil
}

func deleteSetting(cmd *cobra.Command, args []string) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.DeleteSetting(args[0]); err != nil {
		return err
	}
	fmt.Printf("Deleted %s\n", args[0])
	return nil
}

func pruneEvents(cmd *cobra.Command, args []string) error {
	st, err := store.Open(dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	n, err := st.PruneSyncedEvents(time.Duration(pruneHours) * time.Hour)
	if err != nil {
		return err
	}
	fmt.Printf("Pruned %d synced events older than %dh\n", n, pruneHours)
	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	query := args[0]
	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
		return fmt.Errorf("only SELECT queries are allowed")
	}

	db, err := sql.Open("sqlite3", dbPath+"?mode=ro")
	if err != nil {
		return err
	}
	defer db.Close()

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
		fields := make([]string, 0, len(cols))
		for _, v := range values {
			switch val := v.(type) {
			case nil:
				fields = append(fields, "NULL")
			case []byte:
				fields = append(fields, string(val))
			default:
				fields = append(fields, fmt.Sprintf("%v", val))
			}
		}
		fmt.Fprintln(w, strings.Join(fields, "\t"))
	}
	w.Flush()
	return nil
}
