package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/4xmen/taskchat/internal/rooms"
	"github.com/4xmen/taskchat/pkg/config"
)

type roomKeysMigrationOptions struct {
	DatabasePath string
	DryRun       bool
}

// roomKeyRewrite maps a stored legacy key to its canonical form.
type roomKeyRewrite struct {
	From     string
	To       string
	Messages int
}

func runMigrate(cfg *config.Config, out io.Writer, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("missing migration target (supported: room-keys)")
	}

	switch args[0] {
	case "room-keys":
		opts, err := parseRoomKeysMigrationArgs(cfg, args[1:])
		if err != nil {
			return err
		}
		return runRoomKeysMigration(out, opts)
	default:
		return fmt.Errorf("unknown migration target: %s", args[0])
	}
}

func parseRoomKeysMigrationArgs(cfg *config.Config, args []string) (roomKeysMigrationOptions, error) {
	opts := roomKeysMigrationOptions{DatabasePath: cfg.DatabasePath}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--dry-run":
			opts.DryRun = true
		case "--database":
			i++
			if i >= len(args) || strings.TrimSpace(args[i]) == "" {
				return opts, fmt.Errorf("--database requires a path")
			}
			opts.DatabasePath = args[i]
		default:
			return opts, fmt.Errorf("unknown migration flag: %s", args[i])
		}
	}

	if strings.TrimSpace(opts.DatabasePath) == "" {
		return opts, fmt.Errorf("database path cannot be empty")
	}

	return opts, nil
}

func runRoomKeysMigration(out io.Writer, opts roomKeysMigrationOptions) error {
	dbConn, err := sql.Open("sqlite3", opts.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer dbConn.Close()
	// BEGIN/COMMIT below are plain statements and must share one connection.
	dbConn.SetMaxOpenConns(1)

	if err := dbConn.Ping(); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}

	if _, err := dbConn.Exec("BEGIN IMMEDIATE"); err != nil {
		return fmt.Errorf("failed to start migration transaction: %w", err)
	}
	inTx := true
	defer func() {
		if inTx {
			_, _ = dbConn.Exec("ROLLBACK")
		}
	}()

	rewrites, invalid, err := loadRoomKeyRewrites(dbConn)
	if err != nil {
		return err
	}
	if len(invalid) > 0 {
		return fmt.Errorf("invalid room keys in messages: %v", invalid)
	}

	total := 0
	for _, r := range rewrites {
		total += r.Messages
	}

	if len(rewrites) == 0 {
		if _, err := dbConn.Exec("COMMIT"); err != nil {
			return fmt.Errorf("failed to finish migration transaction: %w", err)
		}
		inTx = false
		fmt.Fprintln(out, "Room keys migration: already migrated (all keys canonical).")
		return nil
	}

	if opts.DryRun {
		fmt.Fprintf(out, "Dry-run successful. Database: %s\n", opts.DatabasePath)
		for _, r := range rewrites {
			fmt.Fprintf(out, "  %s -> %s (%d messages)\n", r.From, r.To, r.Messages)
		}
		fmt.Fprintf(out, "Would rewrite %d room keys on %d messages.\n", len(rewrites), total)
		if _, err := dbConn.Exec("ROLLBACK"); err != nil {
			return fmt.Errorf("failed to finish dry-run rollback: %w", err)
		}
		inTx = false
		return nil
	}

	for _, r := range rewrites {
		if _, err := dbConn.Exec("UPDATE messages SET room_id = ? WHERE room_id = ?", r.To, r.From); err != nil {
			return fmt.Errorf("failed to rewrite %s: %w", r.From, err)
		}
	}

	remaining, _, err := loadRoomKeyRewrites(dbConn)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return fmt.Errorf("non-canonical room keys remain after migration: %d", len(remaining))
	}

	if _, err := dbConn.Exec("COMMIT"); err != nil {
		return fmt.Errorf("failed to commit migration: %w", err)
	}
	inTx = false

	fmt.Fprintf(out, "Migration completed. Database: %s\n", opts.DatabasePath)
	fmt.Fprintf(out, "Rewrote %d room keys on %d messages.\n", len(rewrites), total)
	return nil
}

// loadRoomKeyRewrites returns every stored key that parses but is not in
// canonical form, plus the keys that do not parse at all.
func loadRoomKeyRewrites(dbConn *sql.DB) ([]roomKeyRewrite, []string, error) {
	rows, err := dbConn.Query("SELECT room_id, COUNT(*) FROM messages GROUP BY room_id ORDER BY room_id")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read room keys: %w", err)
	}
	defer rows.Close()

	var rewrites []roomKeyRewrite
	var invalid []string
	for rows.Next() {
		var raw string
		var count int
		if err := rows.Scan(&raw, &count); err != nil {
			return nil, nil, fmt.Errorf("failed to scan room key: %w", err)
		}
		key, err := rooms.ParseKey(raw)
		if err != nil {
			invalid = append(invalid, raw)
			continue
		}
		if !key.Canonical(raw) {
			rewrites = append(rewrites, roomKeyRewrite{From: raw, To: key.String(), Messages: count})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("failed while reading room keys: %w", err)
	}

	sort.Strings(invalid)
	return rewrites, invalid, nil
}

// ensureRoomKeysCanonical refuses to start the server on a store that still
// holds legacy direct keys, since joins resolve to the canonical key only.
func ensureRoomKeysCanonical(databasePath string) error {
	if _, err := os.Stat(databasePath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to access database path: %w", err)
	}

	dbConn, err := sql.Open("sqlite3", databasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer dbConn.Close()

	var hasMessages bool
	err = dbConn.QueryRow("SELECT EXISTS(SELECT 1 FROM sqlite_master WHERE type = 'table' AND name = 'messages')").Scan(&hasMessages)
	if err != nil {
		return fmt.Errorf("failed to inspect schema: %w", err)
	}
	if !hasMessages {
		return nil
	}

	rewrites, _, err := loadRoomKeyRewrites(dbConn)
	if err != nil {
		return err
	}
	if len(rewrites) > 0 {
		return fmt.Errorf("legacy room keys detected. Run `taskchat migrate room-keys --database %s` before starting server", databasePath)
	}
	return nil
}
