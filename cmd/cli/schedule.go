package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/portwatch/portwatch/internal/db"
	"github.com/portwatch/portwatch/internal/logging"
	"github.com/portwatch/portwatch/internal/profiles"
	"github.com/portwatch/portwatch/internal/scheduler"
)

var (
	scheduleProfile string
	scheduleType    string
	scheduleAt      string
	scheduleEvery   int
	scheduleUnit    string
	scheduleCron    string
	scheduleStart   string
	scheduleEnd     string
)

// scheduleCmd represents the schedule command.
var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage scheduled scans",
	Long: `Create, list, cancel and delete scheduled scans. Schedules are
evaluated by the daemon; one-time schedules fire once at their scheduled
time, recurring schedules advance by a fixed interval, and cron schedules
follow a standard five-field cron expression.`,
	Example: `  portwatch schedule add 192.168.1.0/24 --type one_time --at 2026-09-01T03:00:00Z
  portwatch schedule add 10.0.0.5 --type recurring --every 6 --unit hours
  portwatch schedule add scanme.nmap.org --type cron --cron "0 3 * * *"
  portwatch schedule list
  portwatch schedule cancel <id>`,
}

// scheduleAddCmd creates a new schedule.
var scheduleAddCmd = &cobra.Command{
	Use:   "add <target>",
	Short: "Create a scheduled scan",
	Args:  cobra.ExactArgs(1),
	Run:   runScheduleAdd,
}

// scheduleListCmd lists all schedules.
var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List scheduled scans",
	Run:   runScheduleList,
}

// scheduleCancelCmd cancels a schedule.
var scheduleCancelCmd = &cobra.Command{
	Use:   "cancel <id>",
	Short: "Cancel a scheduled scan",
	Args:  cobra.ExactArgs(1),
	Run:   runScheduleCancel,
}

// scheduleDeleteCmd deletes a schedule.
var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a scheduled scan",
	Args:  cobra.ExactArgs(1),
	Run:   runScheduleDelete,
}

func init() {
	rootCmd.AddCommand(scheduleCmd)
	scheduleCmd.AddCommand(scheduleAddCmd)
	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleCancelCmd)
	scheduleCmd.AddCommand(scheduleDeleteCmd)

	scheduleAddCmd.Flags().StringVar(&scheduleProfile, "profile", profiles.ProfileQuick, "Scan profile to use")
	scheduleAddCmd.Flags().StringVar(&scheduleType, "type", db.ScheduleOneTime, "Schedule type: one_time, recurring, cron")
	scheduleAddCmd.Flags().StringVar(&scheduleAt, "at", "", "Scheduled time for one_time schedules (RFC 3339)")
	scheduleAddCmd.Flags().IntVar(&scheduleEvery, "every", 0, "Interval value for recurring schedules")
	scheduleAddCmd.Flags().StringVar(&scheduleUnit, "unit", "", "Interval unit for recurring schedules: hours, days, weeks")
	scheduleAddCmd.Flags().StringVar(&scheduleCron, "cron", "", "Cron expression for cron schedules")
	scheduleAddCmd.Flags().StringVar(&scheduleStart, "start", "", "Earliest run time for recurring schedules (RFC 3339)")
	scheduleAddCmd.Flags().StringVar(&scheduleEnd, "end", "", "Latest run time for recurring schedules (RFC 3339)")
}

// scheduleEvaluator builds an evaluator backed by the configured database.
// The returned close function releases the connection.
func scheduleEvaluator(ctx context.Context) (*scheduler.Evaluator, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}

	database, err := db.Connect(ctx, &cfg.Database, logging.Default())
	if err != nil {
		return nil, nil, err
	}

	store := db.NewScheduleStore(database, logging.Default())
	evaluator := scheduler.New(scheduler.Config{
		CheckInterval: cfg.Scheduler.CheckInterval,
		ErrorCooldown: cfg.Scheduler.ErrorCooldown,
	}, store, nil, nil, logging.Default())

	return evaluator, func() { _ = database.Close() }, nil
}

func runScheduleAdd(_ *cobra.Command, args []string) {
	ctx := context.Background()

	req := &scheduler.ScheduleRequest{
		Target:         args[0],
		Profile:        scheduleProfile,
		Type:           scheduleType,
		IntervalValue:  scheduleEvery,
		IntervalType:   scheduleUnit,
		CronExpression: scheduleCron,
	}

	for _, field := range []struct {
		value string
		flag  string
		dst   **time.Time
	}{
		{scheduleAt, "--at", &req.ScheduledTime},
		{scheduleStart, "--start", &req.StartTime},
		{scheduleEnd, "--end", &req.EndTime},
	} {
		if field.value == "" {
			continue
		}
		parsed, err := time.Parse(time.RFC3339, field.value)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid %s value %q: expected RFC 3339 timestamp\n",
				field.flag, field.value)
			os.Exit(1)
		}
		*field.dst = &parsed
	}

	evaluator, closeDB, err := scheduleEvaluator(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeDB()

	schedule, err := evaluator.Schedule(ctx, req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating schedule: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Created schedule %s\n", schedule.ID)
	fmt.Printf("Next run: %s\n", formatScheduleTime(schedule.NextRun))
}

func runScheduleList(_ *cobra.Command, _ []string) {
	ctx := context.Background()

	evaluator, closeDB, err := scheduleEvaluator(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeDB()

	schedules, err := evaluator.List(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing schedules: %v\n", err)
		os.Exit(1)
	}

	if len(schedules) == 0 {
		fmt.Println("No schedules found")
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("ID", "Target", "Profile", "Type", "Status", "Last Run", "Next Run")

	for _, schedule := range schedules {
		_ = table.Append([]string{
			shortID(schedule.ID),
			schedule.Target,
			schedule.Profile,
			schedule.ScheduleType,
			schedule.Status,
			formatScheduleTime(schedule.LastRun),
			formatScheduleTime(schedule.NextRun),
		})
	}
	_ = table.Render()
}

func runScheduleCancel(_ *cobra.Command, args []string) {
	ctx := context.Background()
	id := parseScheduleID(args[0])

	evaluator, closeDB, err := scheduleEvaluator(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeDB()

	if err := evaluator.CancelScheduled(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "Error cancelling schedule: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Cancelled schedule %s\n", id)
}

func runScheduleDelete(_ *cobra.Command, args []string) {
	ctx := context.Background()
	id := parseScheduleID(args[0])

	evaluator, closeDB, err := scheduleEvaluator(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer closeDB()

	if err := evaluator.DeleteScheduled(ctx, id); err != nil {
		fmt.Fprintf(os.Stderr, "Error deleting schedule: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Deleted schedule %s\n", id)
}

func parseScheduleID(raw string) uuid.UUID {
	id, err := uuid.Parse(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: invalid schedule id %q\n", raw)
		os.Exit(1)
	}
	return id
}

// shortID truncates a UUID for table display.
func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func formatScheduleTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}
