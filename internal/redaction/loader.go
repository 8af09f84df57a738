package redaction

import (
	"bufio"
	"database/sql"
	"log"
	"os"
	"regexp"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// LoadPatternFile reads newline-separated regex sources from path, one
// pattern per line, ignoring blank lines and lines starting with "#". On
// any read failure it logs the failure and returns a Redactor built from
// the built-in default set, so a redactor is always available.
func LoadPatternFile(path string) *Redactor {
	if path == "" {
		return NewDefault()
	}

	sources, err := readPatternLines(path)
	if err != nil {
		log.Printf("[Redactor] failed to load pattern source %q, falling back to built-in defaults: %v", path, err)
		return NewDefault()
	}

	return New(sources)
}

func readPatternLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}

// tableNameRe restricts the configured registry table name to a plain
// SQL identifier, since identifiers cannot be bound as parameters.
var tableNameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// LoadPatternTable reads regex sources from the named registry table,
// one pattern per row in its "pattern" column. Any failure (bad table
// name, query error, scan error) logs and falls back to the built-in
// default set, mirroring LoadPatternFile.
func LoadPatternTable(conn *sql.DB, table string) *Redactor {
	if !tableNameRe.MatchString(table) {
		log.Printf("[Redactor] invalid pattern registry table name %q, falling back to built-in defaults", table)
		return NewDefault()
	}

	rows, err := conn.Query(`SELECT pattern FROM ` + table)
	if err != nil {
		log.Printf("[Redactor] failed to load pattern registry %q, falling back to built-in defaults: %v", table, err)
		return NewDefault()
	}
	defer rows.Close()

	var sources []string
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			log.Printf("[Redactor] failed to scan pattern registry %q, falling back to built-in defaults: %v", table, err)
			return NewDefault()
		}
		sources = append(sources, src)
	}
	if err := rows.Err(); err != nil {
		log.Printf("[Redactor] failed to read pattern registry %q, falling back to built-in defaults: %v", table, err)
		return NewDefault()
	}
	return New(sources)
}

// WatchingRedactor holds an atomically swappable *Redactor so callers can
// keep using a long-lived reference while the pattern file is reloaded in
// the background on change, without taking a lock on every Redact call.
type WatchingRedactor struct {
	current atomic.Pointer[Redactor]
	watcher *fsnotify.Watcher
}

// WatchPatternFile loads path immediately and starts watching it for
// writes, reloading the active Redactor whenever it changes. A reload
// that hits a bad pattern skips it the same way initial load does, so
// pattern compilation never becomes fatal.
func WatchPatternFile(path string) (*WatchingRedactor, error) {
	wr := &WatchingRedactor{}
	wr.current.Store(LoadPatternFile(path))

	if path == "" {
		return wr, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("[Redactor] pattern file watch disabled, fsnotify unavailable: %v", err)
		return wr, nil
	}
	wr.watcher = watcher

	if err := watcher.Add(path); err != nil {
		log.Printf("[Redactor] pattern file watch disabled for %q: %v", path, err)
		watcher.Close()
		wr.watcher = nil
		return wr, nil
	}

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					log.Printf("[Redactor] reloading pattern file %q", path)
					wr.current.Store(LoadPatternFile(path))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("[Redactor] pattern file watch error: %v", err)
			}
		}
	}()

	return wr, nil
}

// Get returns the currently active Redactor.
func (wr *WatchingRedactor) Get() *Redactor {
	return wr.current.Load()
}

// Close stops watching the pattern file, if a watch was established.
func (wr *WatchingRedactor) Close() error {
	if wr.watcher == nil {
		return nil
	}
	return wr.watcher.Close()
}
