// Package database provides connection setup for MariaDB and Redis.
// This file validates migration SQL files to catch schema mismatches early.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"sort"
	"strings"
	"testing"

	"github.com/keyxmakerx/buildboard/internal/plugins/audit"
)

// migrationsDir returns the absolute path to db/migrations/ from the project root.
func migrationsDir(t *testing.T) string {
	t.Helper()
	_, thisFile, _, ok := runtime.Caller(0)
	if !ok {
		t.Fatal("cannot determine test file path")
	}
	// thisFile is internal/database/migrate_test.go, project root is two dirs up.
	projectRoot := filepath.Join(filepath.Dir(thisFile), "..", "..")
	dir := filepath.Join(projectRoot, "db", "migrations")
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("migrations directory not found at %s: %v", dir, err)
	}
	return dir
}

// TestMigrations_OutcomeEnumMatchesAudit checks that the auth_events.outcome
// ENUM accepts every outcome the audit plugin writes. A value missing from
// the ENUM fails at insert time with "Data truncated" (Error 1265).
func TestMigrations_OutcomeEnumMatchesAudit(t *testing.T) {
	dir := migrationsDir(t)
	files, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		t.Fatalf("globbing migration files: %v", err)
	}

	enumPattern := regexp.MustCompile(`(?i)outcome\s+ENUM\(([^)]*)\)`)
	valuePattern := regexp.MustCompile(`'([^']+)'`)

	var allowed map[string]bool
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			t.Fatalf("reading %s: %v", f, err)
		}
		m := enumPattern.FindStringSubmatch(string(data))
		if m == nil {
			continue
		}
		// Later migrations redefine the ENUM; the last one wins.
		allowed = map[string]bool{}
		for _, v := range valuePattern.FindAllStringSubmatch(m[1], -1) {
			allowed[v[1]] = true
		}
	}

	if allowed == nil {
		t.Fatal("no auth_events.outcome ENUM found in migrations")
	}
	for _, outcome := range []string{audit.OutcomeSuccess, audit.OutcomeFailure} {
		if !allowed[outcome] {
			t.Errorf("outcome %q written by audit is not in the auth_events.outcome ENUM", outcome)
		}
	}
}

// TestMigrations_SequentialVersions ensures versions are 1..n without gaps or
// duplicates, which golang-migrate would otherwise reject or skip.
func TestMigrations_SequentialVersions(t *testing.T) {
	dir := migrationsDir(t)
	upFiles, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		t.Fatalf("globbing up files: %v", err)
	}
	sort.Strings(upFiles)

	for i, f := range upFiles {
		want := fmt.Sprintf("%06d_", i+1)
		if !strings.HasPrefix(filepath.Base(f), want) {
			t.Errorf("migration %s: expected version prefix %s", filepath.Base(f), want)
		}
	}
}

// TestMigrations_UpDownPairs ensures every .up.sql has a matching .down.sql.
func TestMigrations_UpDownPairs(t *testing.T) {
	dir := migrationsDir(t)
	upFiles, err := filepath.Glob(filepath.Join(dir, "*.up.sql"))
	if err != nil {
		t.Fatalf("globbing up files: %v", err)
	}

	for _, up := range upFiles {
		down := strings.Replace(up, ".up.sql", ".down.sql", 1)
		if _, err := os.Stat(down); err != nil {
			t.Errorf("missing down migration for %s", filepath.Base(up))
		}
	}
}
