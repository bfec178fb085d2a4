// Command migrate applies the SQL files in migrations/ in lexical
// order, each inside its own transaction. With -list it instead prints
// the survey tables currently present, which is a quick way to verify
// a fresh environment.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/ignite/survey-platform/internal/config"
)

func main() {
	dir := flag.String("dir", "migrations", "directory containing .sql migration files")
	list := flag.Bool("list", false, "list survey_* tables instead of migrating")
	flag.Parse()

	cfg, err := config.LoadFromEnv(os.Getenv("CONFIG_PATH"))
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatalf("ping: %v", err)
	}

	if *list {
		if err := listTables(db); err != nil {
			log.Fatal(err)
		}
		return
	}

	applied, failed, err := apply(db, *dir)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("migrations: %d applied, %d failed", applied, failed)
	if failed > 0 {
		os.Exit(1)
	}
}

func listTables(db *sql.DB) error {
	rows, err := db.Query(`
		SELECT tablename FROM pg_tables
		WHERE schemaname = 'public' AND tablename LIKE 'survey_%'
		ORDER BY tablename
	`)
	if err != nil {
		return err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return err
		}
		fmt.Println(name)
		n++
	}
	fmt.Printf("%d survey tables\n", n)
	return rows.Err()
}

func apply(db *sql.DB, dir string) (applied, failed int, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, 0, fmt.Errorf("read %s: %w", dir, err)
	}

	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		data, err := os.ReadFile(filepath.Join(dir, f))
		if err != nil {
			return applied, failed, fmt.Errorf("read %s: %w", f, err)
		}
		if strings.TrimSpace(string(data)) == "" {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return applied, failed, fmt.Errorf("begin %s: %w", f, err)
		}
		if _, err := tx.Exec(string(data)); err != nil {
			tx.Rollback()
			log.Printf("%s: %v", f, err)
			failed++
			continue
		}
		if err := tx.Commit(); err != nil {
			return applied, failed, fmt.Errorf("commit %s: %w", f, err)
		}
		log.Printf("%s: ok", f)
		applied++
	}
	return applied, failed, nil
}
