package store

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		t.Fatalf("read migrations dir: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestInitialMigrationCreatesCoreTables(t *testing.T) {
	contents, err := os.ReadFile(filepath.Join("..", "..", "db", "migrations", "0001_init.up.sql"))
	if err != nil {
		t.Fatalf("read initial migration: %v", err)
	}
	sql := strings.ToLower(string(contents))

	for _, table := range []string{
		"users",
		"components",
		"component_comments",
		"forum_threads",
		"thread_comments",
		"bookmarks",
		"refresh_sessions",
		"revoked_access_tokens",
	} {
		if !strings.Contains(sql, "create table "+table) {
			t.Errorf("initial migration missing table %s", table)
		}
	}

	if !strings.Contains(sql, "primary key (user_id, component_id)") {
		t.Error("bookmarks must be keyed by (user_id, component_id)")
	}
	if !strings.Contains(sql, "rating between 1 and 5") {
		t.Error("component_comments must constrain rating to 1..5")
	}
}
