package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"taskflow/internal/config"
	"taskflow/internal/db"
	"taskflow/pkg/changefeed"
	"taskflow/pkg/employee"
	"taskflow/pkg/eventlog"
	"taskflow/pkg/reassign"
	"taskflow/pkg/task"
	"taskflow/pkg/verification"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg := config.Load()
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("connect: %v", err)
	}
	defer pool.Close()

	people := employee.NewPgDirectory(pool)
	tasks := task.NewPgStore(pool)
	requests := verification.NewPgStore(pool)
	records := reassign.NewPgRecordStore(pool)
	journal := eventlog.NewPgStore(pool)

	switch os.Args[1] {
	case "employee":
		handleEmployee(ctx, people, os.Args[2:])
	case "admin-scope":
		handleAdminScope(ctx, people, os.Args[2:])
	case "task":
		handleTask(ctx, tasks, os.Args[2:])
	case "verification":
		handleVerification(ctx, requests, os.Args[2:])
	case "records":
		handleRecords(ctx, records, os.Args[2:])
	case "journal":
		handleJournal(ctx, journal, os.Args[2:])
	case "status":
		handleStatus(ctx, tasks, requests, journal)
	case "init":
		for _, t := range []struct {
			name string
			t    interface{ EnsureTable(context.Context) error }
		}{
			{"employees", people},
			{"tasks", tasks},
			{"verification_requests", requests},
			{"reassignment_records", records},
			{"journal", journal},
		} {
			if err := t.t.EnsureTable(ctx); err != nil {
				fatal("ensure %s table: %v", t.name, err)
			}
		}
		if err := changefeed.NewPgListener(pool, nil).EnsureTriggers(ctx); err != nil {
			fatal("ensure change triggers: %v", err)
		}
		fmt.Println(`{"status":"ok","message":"all tables initialized"}`)
	default:
		usage()
		os.Exit(1)
	}
}

func handleEmployee(ctx context.Context, people *employee.PgDirectory, args []string) {
	if len(args) == 0 {
		fatal("Usage: tfctl employee <register|list|get|deactivate|activate>")
	}

	switch args[0] {
	case "register":
		flags := parseFlags(args[1:])
		role := employee.Role(flags["role"])
		if flags["name"] == "" || !role.Valid() {
			fatal("Usage: tfctl employee register --name=N --role=employee|department_head|admin|super_admin [--email=E] [--department=D]")
		}
		e, err := people.Register(ctx, flags["name"], flags["email"], role, flags["department"])
		if err != nil {
			fatal("register employee: %v", err)
		}
		printJSON(e)

	case "list":
		list, err := people.List(ctx)
		if err != nil {
			fatal("list employees: %v", err)
		}
		if parseFlags(args[1:])["format"] == "short" {
			for _, e := range list {
				active := "active"
				if !e.IsActive {
					active = "inactive"
				}
				fmt.Printf("%-8s  %-16s  %-12s  %-8s  %s\n", truncStr(e.ID, 8), e.Role, truncStr(e.DepartmentID, 12), active, e.Name)
			}
			return
		}
		printJSON(list)

	case "get":
		if len(args) < 2 {
			fatal("Usage: tfctl employee get <id>")
		}
		e, err := people.Get(ctx, args[1])
		if err != nil {
			fatal("get employee: %v", err)
		}
		printJSON(e)

	case "deactivate", "activate":
		if len(args) < 2 {
			fatal("Usage: tfctl employee %s <id>", args[0])
		}
		if err := people.SetActive(ctx, args[1], args[0] == "activate"); err != nil {
			fatal("%s employee: %v", args[0], err)
		}
		fmt.Printf(`{"status":"ok","id":%q}`+"\n", args[1])

	default:
		fatal("unknown employee subcommand: %s", args[0])
	}
}

func handleAdminScope(ctx context.Context, people *employee.PgDirectory, args []string) {
	if len(args) == 0 {
		fatal("Usage: tfctl admin-scope <add|list>")
	}
	switch args[0] {
	case "add":
		if len(args) < 3 {
			fatal("Usage: tfctl admin-scope add <admin-id> <department-id>")
		}
		if err := people.AddAdminDepartment(ctx, args[1], args[2]); err != nil {
			fatal("add admin scope: %v", err)
		}
		fmt.Println(`{"status":"ok"}`)
	case "list":
		if len(args) < 2 {
			fatal("Usage: tfctl admin-scope list <admin-id>")
		}
		depts, err := people.AdminDepartments(ctx, args[1])
		if err != nil {
			fatal("list admin scope: %v", err)
		}
		printJSON(depts)
	default:
		fatal("unknown admin-scope subcommand: %s", args[0])
	}
}

func handleTask(ctx context.Context, store task.Store, args []string) {
	if len(args) == 0 {
		fatal("Usage: tfctl task <list|get> [--status=S] [--assignee=ID] [--department=D] [--limit=N] [--format=short]")
	}

	switch args[0] {
	case "list":
		flags := parseFlags(args[1:])
		f := task.Filter{
			AssignedTo:   flags["assignee"],
			DepartmentID: flags["department"],
			Limit:        intFlag(flags, "limit", 50),
		}
		if s := flags["status"]; s != "" {
			st, err := task.ParseStatus(s)
			if err != nil {
				fatal("%v", err)
			}
			f.Status = st
		}
		tasks, err := store.List(ctx, f)
		if err != nil {
			fatal("list tasks: %v", err)
		}
		if flags["format"] == "short" {
			printShortTasks(tasks)
			return
		}
		printJSON(tasks)

	case "get":
		if len(args) < 2 {
			fatal("Usage: tfctl task get <id>")
		}
		t, err := store.Get(ctx, args[1])
		if err != nil {
			fatal("get task: %v", err)
		}
		printJSON(t)

	default:
		fatal("unknown task subcommand: %s", args[0])
	}
}

func handleVerification(ctx context.Context, store verification.Store, args []string) {
	if len(args) == 0 || args[0] != "list" {
		fatal("Usage: tfctl verification list [--status=pending|approved|rejected] [--task=ID] [--department=D] [--limit=N]")
	}
	flags := parseFlags(args[1:])
	f := verification.Filter{
		Status: verification.Status(flags["status"]),
		TaskID: flags["task"],
		Limit:  intFlag(flags, "limit", 100),
	}
	if d := flags["department"]; d != "" {
		f.DepartmentIDs = strings.Split(d, ",")
	} else {
		f.Unscoped = true
	}
	reqs, err := store.List(ctx, f)
	if err != nil {
		fatal("list verification requests: %v", err)
	}
	printJSON(reqs)
}

func handleRecords(ctx context.Context, store reassign.RecordStore, args []string) {
	if len(args) == 0 {
		fatal("Usage: tfctl records <task-id>")
	}
	recs, err := store.ByTask(ctx, args[0])
	if err != nil {
		fatal("reassignment records: %v", err)
	}
	printJSON(recs)
}

func handleJournal(ctx context.Context, store eventlog.Journal, args []string) {
	if len(args) == 0 {
		fatal("Usage: tfctl journal <list|verify> [--task=ID] [--limit=N] [--format=short]")
	}

	switch args[0] {
	case "list":
		flags := parseFlags(args[1:])
		limit := intFlag(flags, "limit", 20)
		var (
			events []eventlog.Event
			err    error
		)
		if id := flags["task"]; id != "" {
			events, err = store.ByTask(ctx, id, limit)
		} else {
			events, err = store.Recent(ctx, limit)
		}
		if err != nil {
			fatal("list journal: %v", err)
		}
		if flags["format"] == "short" {
			printShortEvents(events)
			return
		}
		printJSON(events)

	case "verify":
		if err := store.VerifyChain(ctx); err != nil {
			fatal("chain broken: %v", err)
		}
		n, _ := store.Count(ctx)
		fmt.Printf(`{"status":"ok","events":%d}`+"\n", n)

	default:
		fatal("unknown journal subcommand: %s", args[0])
	}
}

func handleStatus(ctx context.Context, tasks task.Store, requests verification.Store, journal eventlog.Journal) {
	status := map[string]any{}
	status["tasks"], _ = tasks.Count(ctx)
	for _, st := range []task.Status{task.StatusPending, task.StatusInProgress, task.StatusCompleted, task.StatusApproved} {
		status[string(st)+"_tasks"], _ = tasks.CountByStatus(ctx, st)
	}
	status["pending_verifications"], _ = requests.PendingCount(ctx)
	status["events"], _ = journal.Count(ctx)
	printJSON(status)
}

// parseFlags parses --key=value and --flag style args into a map.
func parseFlags(args []string) map[string]string {
	flags := make(map[string]string)
	for _, arg := range args {
		if !strings.HasPrefix(arg, "--") {
			continue
		}
		arg = strings.TrimPrefix(arg, "--")
		if idx := strings.Index(arg, "="); idx >= 0 {
			flags[arg[:idx]] = arg[idx+1:]
		} else {
			flags[arg] = ""
		}
	}
	return flags
}

func intFlag(flags map[string]string, key string, defaultVal int) int {
	if v, ok := flags[key]; ok && v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fatal("encode JSON: %v", err)
	}
}

func truncStr(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func printShortEvents(events []eventlog.Event) {
	for _, e := range events {
		content := ""
		if b, err := json.Marshal(e.Content); err == nil {
			content = string(b)
		}
		fmt.Printf("%-8s  %-26s  %-8s  %s\n", e.Timestamp.Format("15:04:05"), truncStr(e.Type, 26), truncStr(e.TaskID, 8), truncStr(content, 80))
	}
}

func printShortTasks(tasks []task.Task) {
	for _, t := range tasks {
		fmt.Printf("%-8s  %-12s  %-7s  %-8s  %s\n", truncStr(t.ID, 8), t.Status, t.Priority, truncStr(t.AssignedTo, 8), truncStr(t.Title, 60))
	}
}

func fatal(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "tfctl: "+format+"\n", args...)
	os.Exit(1)
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: tfctl <command>

Commands:
  employee      Employee operations (register, list, get, activate, deactivate)
  admin-scope   Administrator department scope (add, list)
  task          Task inspection (list, get)
  verification  Verification ledger (list)
  records       Reassignment records for a task
  journal       Journal operations (list, verify)
  status        Show system summary
  init          Initialize database tables and change triggers`)
}
