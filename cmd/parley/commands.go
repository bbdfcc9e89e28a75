package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/quota"
)

// runMemories handles "parley memories". With no arguments it lists
// what is remembered; "add <text>" and "rm <id>" edit the store.
func runMemories(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string, args []string) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}
	if err := ensureDataDir(cfg); err != nil {
		return err
	}
	store, err := openMemory(cfg, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	sub := ""
	if len(args) > 0 {
		sub = args[0]
	}

	switch sub {
	case "", "list":
		mems, err := store.List(ctx, 0)
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			type row struct {
				ID             string    `json:"id"`
				Content        string    `json:"content"`
				Source         string    `json:"source,omitempty"`
				ConversationID string    `json:"conversation_id,omitempty"`
				CreatedAt      time.Time `json:"created_at"`
			}
			rows := make([]row, 0, len(mems))
			for _, m := range mems {
				rows = append(rows, row{m.ID, m.Content, m.Source, m.ConversationID, m.CreatedAt})
			}
			return writeJSON(stdout, rows)
		}
		if len(mems) == 0 {
			fmt.Fprintln(stdout, "Nothing remembered yet.")
			return nil
		}
		for _, m := range mems {
			fmt.Fprintf(stdout, "%s  %s  %s\n", m.ID, m.CreatedAt.Local().Format("2006-01-02"), m.Content)
		}
		return nil

	case "add":
		text := strings.TrimSpace(strings.Join(args[1:], " "))
		if text == "" {
			return errors.New("usage: parley memories add <text>")
		}
		added, err := store.Add(ctx, text, "manual", "")
		if err != nil {
			return err
		}
		if outputFmt == "json" {
			return writeJSON(stdout, map[string]bool{"added": added})
		}
		if added {
			fmt.Fprintln(stdout, "Remembered.")
		} else {
			fmt.Fprintln(stdout, "Already remembered.")
		}
		return nil

	case "rm", "delete":
		if len(args) != 2 {
			return errors.New("usage: parley memories rm <id>")
		}
		if err := store.Delete(ctx, args[1]); err != nil {
			if errors.Is(err, memory.ErrNotFound) {
				return fmt.Errorf("no memory with id %s", args[1])
			}
			return err
		}
		if outputFmt == "json" {
			return writeJSON(stdout, map[string]string{"deleted": args[1]})
		}
		fmt.Fprintln(stdout, "Forgotten.")
		return nil

	default:
		return fmt.Errorf("unknown memories command: %s", sub)
	}
}

// runQuota handles "parley quota": usage for the current month and the
// most recent dispatches.
func runQuota(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	cfg, logger, err := loadConfig(configPath, stderr)
	if err != nil {
		return err
	}

	if err := ensureDataDir(cfg); err != nil {
		return err
	}
	path := filepath.Join(cfg.DataDir, "quota.db")
	store, err := quota.NewStore(path, cfg.Quota.MonthlyTasks,
		quota.WithLocation(cfg.Location()), quota.WithLogger(logger))
	if err != nil {
		return fmt.Errorf("open quota database %s: %w", path, err)
	}
	defer store.Close()

	usage, err := store.Usage(ctx)
	if err != nil {
		return err
	}
	recent, err := store.Recent(ctx, 10)
	if err != nil {
		return err
	}

	if outputFmt == "json" {
		type dispatch struct {
			ID             string    `json:"id"`
			Timestamp      time.Time `json:"timestamp"`
			ConversationID string    `json:"conversation_id,omitempty"`
			Instruction    string    `json:"instruction"`
		}
		out := struct {
			Used        int        `json:"used"`
			Limit       int        `json:"limit"`
			Remaining   int        `json:"remaining"`
			PeriodStart time.Time  `json:"period_start"`
			PeriodEnd   time.Time  `json:"period_end"`
			Recent      []dispatch `json:"recent"`
		}{
			Used:        usage.Used,
			Limit:       usage.Limit,
			Remaining:   usage.Remaining(),
			PeriodStart: usage.PeriodStart,
			PeriodEnd:   usage.PeriodEnd,
			Recent:      make([]dispatch, 0, len(recent)),
		}
		for _, d := range recent {
			out.Recent = append(out.Recent, dispatch{d.ID, d.Timestamp, d.ConversationID, d.Instruction})
		}
		return writeJSON(stdout, out)
	}

	limit := "unlimited"
	if usage.Limit > 0 {
		limit = fmt.Sprintf("%d (%d left)", usage.Limit, usage.Remaining())
	}
	fmt.Fprintf(stdout, "Tasks this month: %d of %s\n", usage.Used, limit)
	fmt.Fprintf(stdout, "Period: %s to %s\n", usage.PeriodStart.Format("2006-01-02"), usage.PeriodEnd.Format("2006-01-02"))
	if len(recent) > 0 {
		fmt.Fprintln(stdout)
		fmt.Fprintln(stdout, "Recent tasks:")
		for _, d := range recent {
			fmt.Fprintf(stdout, "  %s  %s\n", d.Timestamp.Local().Format("2006-01-02 15:04"), d.Instruction)
		}
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
