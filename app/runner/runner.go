// Package runner executes batches of sql statements against a single
// acquired connection, producing one record per non-blank statement.
// A failed statement never aborts the batch; only a failure to acquire
// the connection does.
package runner

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
)

// Status of a single executed statement
type Status string

// statement statuses
const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
)

// Record is the result of one executed statement, immutable once produced
type Record struct {
	Command   string           `json:"command"`
	Duration  float64          `json:"duration"` // seconds
	Status    Status           `json:"status"`
	Error     string           `json:"error,omitempty"`
	Rows      []map[string]any `json:"rows,omitempty"`
	Timestamp time.Time        `json:"timestamp"`
}

// ConnProvider acquires a single-use connection scoped to one batch
type ConnProvider interface {
	Acquire(ctx context.Context) (*sqlx.Conn, error)
}

// Runner executes batches using connections from the provider
type Runner struct {
	Provider ConnProvider
}

// New makes a Runner with the given provider
func New(p ConnProvider) *Runner {
	return &Runner{Provider: p}
}

// Run executes commands in order on one connection. Blank commands are
// skipped. Each statement commits on its own; a statement error is recorded
// and execution continues. Returns an error only for batch-level faults
// (connection acquisition), in which case no records are produced.
func (r *Runner) Run(ctx context.Context, commands []string) ([]Record, error) {
	return r.run(ctx, commands, false)
}

// RunWithRows is like Run but for read statements (detected by a lowercase
// prefix check, not parsing) it also captures the result set as ordered
// column-name to value mappings. A failure during row capture is recorded
// as that statement's error, never as a batch fault.
func (r *Runner) RunWithRows(ctx context.Context, commands []string) ([]Record, error) {
	return r.run(ctx, commands, true)
}

func (r *Runner) run(ctx context.Context, commands []string, withRows bool) ([]Record, error) {
	conn, err := r.Provider.Acquire(ctx)
	if err != nil {
		log.Printf("[ERROR] batch aborted, %v", err)
		return nil, err
	}
	defer func() {
		if err := conn.Close(); err != nil {
			log.Printf("[WARN] failed to release connection: %v", err)
		}
	}()

	records := make([]Record, 0, len(commands))
	for _, command := range commands {
		command = strings.TrimSpace(command)
		if command == "" {
			continue
		}
		records = append(records, r.execute(ctx, conn, command, withRows))
	}
	return records, nil
}

// execute runs a single statement and never returns an error; failures are
// captured in the record
func (r *Runner) execute(ctx context.Context, conn *sqlx.Conn, command string, withRows bool) Record {
	st := time.Now()

	rec := Record{Command: command, Status: StatusSuccess}

	if withRows && isReadStatement(command) {
		rows, err := r.queryRows(ctx, conn, command)
		rec.Duration = time.Since(st).Seconds()
		rec.Timestamp = time.Now()
		if err != nil {
			rec.Status = StatusError
			rec.Error = fmt.Sprintf("error executing command: %v", err)
			log.Printf("[WARN] command failed in %.2fs, continuing: %s, %v", rec.Duration, truncate(command, 100), err)
			return rec
		}
		rec.Rows = rows
		log.Printf("[INFO] executed command in %.2fs, %d rows: %s", rec.Duration, len(rows), truncate(command, 100))
		return rec
	}

	_, err := conn.ExecContext(ctx, command)
	rec.Duration = time.Since(st).Seconds()
	rec.Timestamp = time.Now()
	if err != nil {
		rec.Status = StatusError
		rec.Error = fmt.Sprintf("error executing command: %v", err)
		log.Printf("[WARN] command failed in %.2fs, continuing: %s, %v", rec.Duration, truncate(command, 100), err)
		return rec
	}

	log.Printf("[INFO] executed command in %.2fs: %s", rec.Duration, truncate(command, 100))
	return rec
}

// queryRows executes a read statement and materializes the result set
func (r *Runner) queryRows(ctx context.Context, conn *sqlx.Conn, command string) ([]map[string]any, error) {
	rows, err := conn.QueryxContext(ctx, command)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var res []map[string]any
	for rows.Next() {
		row := map[string]any{}
		if err := rows.MapScan(row); err != nil {
			return nil, err
		}
		res = append(res, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return res, nil
}

// read statement prefixes, lowercase. a miss means no row capture, not a fault
var readPrefixes = []string{"select", "with", "show", "explain", "values", "pragma"}

func isReadStatement(command string) bool {
	lc := strings.ToLower(strings.TrimSpace(command))
	for _, p := range readPrefixes {
		if strings.HasPrefix(lc, p) {
			// require a word boundary so "selection_test" doesn't match
			rest := lc[len(p):]
			if rest == "" || rest[0] == ' ' || rest[0] == '\t' || rest[0] == '\n' || rest[0] == '(' {
				return true
			}
		}
	}
	return false
}

// truncate shortens str to n runes for log output, cutting on rune
// boundaries so multi-byte text stays valid
func truncate(str string, n int) string {
	if utf8.RuneCountInString(str) <= n {
		return str
	}
	return string([]rune(str)[:n]) + "..."
}
