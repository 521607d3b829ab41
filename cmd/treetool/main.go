package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lineagekeep/lineagekeep/pkg/treepath"
)

// treetool inspects the materialized tree columns for drift against the
// path column. reconcile only reports; resync rewrites the derived
// columns from the paths.
func main() {
	if len(os.Args) < 2 {
		fatalf("usage: treetool <reconcile|resync> [args]")
	}

	switch os.Args[1] {
	case "reconcile":
		reconcile(os.Args[2:])
	case "resync":
		resync(os.Args[2:])
	default:
		fatalf("unknown subcommand: %s", os.Args[1])
	}
}

type nodeRow struct {
	id              int64
	path            string
	generation      int
	siblingIndex    int
	descendantCount int
	live            bool
}

func reconcile(args []string) {
	fs := flag.NewFlagSet("reconcile", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	nodes, liveCounts, err := loadNodes(ctx, conn)
	if err != nil {
		fatal(err)
	}

	drift := 0
	for _, n := range nodes {
		if last, ok := treepath.LastIndex(n.path); !ok || last != n.siblingIndex {
			drift++
			fmt.Printf("node %d: sibling_index=%d but path %q ends in %d\n", n.id, n.siblingIndex, n.path, last)
		}
		if got := treepath.Depth(n.path); got != n.generation {
			drift++
			fmt.Printf("node %d: generation=%d but path %q has depth %d\n", n.id, n.generation, n.path, got)
		}
		if want := liveCounts[n.id]; n.live && n.descendantCount != want {
			drift++
			fmt.Printf("node %d: descendant_count=%d but %d live descendants found\n", n.id, n.descendantCount, want)
		}
	}

	if drift > 0 {
		fmt.Printf("[reconcile] %d finding(s); run resync to repair\n", drift)
		os.Exit(2)
	}
	fmt.Println("[reconcile] OK")
}

func resync(args []string) {
	fs := flag.NewFlagSet("resync", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	var url string
	fs.StringVar(&url, "url", "", "postgres connection string")
	if err := fs.Parse(args); err != nil {
		fatal(err)
	}
	if url == "" {
		fatalf("missing --url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	conn, err := pgx.Connect(ctx, url)
	if err != nil {
		fatal(err)
	}
	defer conn.Close(context.Background())

	tx, err := conn.Begin(ctx)
	if err != nil {
		fatal(err)
	}
	defer func() { _ = tx.Rollback(context.Background()) }()

	// The path column is the source of truth; every derived column is
	// rewritten from it.
	tagIdx, err := tx.Exec(ctx, `
		UPDATE familytree.nodes
		SET sibling_index = split_part(path, '.', char_length(path) - char_length(replace(path, '.', '')) + 1)::int
		WHERE split_part(path, '.', char_length(path) - char_length(replace(path, '.', '')) + 1)::int <> sibling_index
	`)
	if err != nil {
		fatal(err)
	}

	tagGen, err := tx.Exec(ctx, `
		UPDATE familytree.nodes
		SET generation = char_length(path) - char_length(replace(path, '.', '')) + 1
		WHERE char_length(path) - char_length(replace(path, '.', '')) + 1 <> generation
	`)
	if err != nil {
		fatal(err)
	}

	tagCount, err := tx.Exec(ctx, `
		UPDATE familytree.nodes n
		SET descendant_count = sub.cnt
		FROM (
			SELECT a.id, count(d.id) AS cnt
			FROM familytree.nodes a
			LEFT JOIN familytree.nodes d
			  ON d.path LIKE a.path || '.%' AND d.deleted_at IS NULL
			WHERE a.deleted_at IS NULL
			GROUP BY a.id
		) sub
		WHERE n.id = sub.id AND n.descendant_count <> sub.cnt
	`)
	if err != nil {
		fatal(err)
	}

	if err := tx.Commit(ctx); err != nil {
		fatal(err)
	}

	fmt.Printf("[resync] sibling_index=%d generation=%d descendant_count=%d row(s) updated\n",
		tagIdx.RowsAffected(), tagGen.RowsAffected(), tagCount.RowsAffected())
}

func loadNodes(ctx context.Context, conn *pgx.Conn) ([]nodeRow, map[int64]int, error) {
	rows, err := conn.Query(ctx, `
		SELECT id, path, generation, sibling_index, descendant_count, deleted_at IS NULL
		FROM familytree.nodes
		ORDER BY path
	`)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	var nodes []nodeRow
	for rows.Next() {
		var n nodeRow
		if err := rows.Scan(&n.id, &n.path, &n.generation, &n.siblingIndex, &n.descendantCount, &n.live); err != nil {
			return nil, nil, err
		}
		nodes = append(nodes, n)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}

	liveCounts := recountLiveDescendants(nodes)
	return nodes, liveCounts, nil
}

// recountLiveDescendants recomputes, per live node id, how many live
// nodes sit strictly below it. Counts are keyed by id, not path: a
// tombstone can share its path with a live row, and path uniqueness
// only holds among live rows.
func recountLiveDescendants(nodes []nodeRow) map[int64]int {
	counts := make(map[int64]int, len(nodes))
	idByPath := make(map[string]int64, len(nodes))
	for _, n := range nodes {
		if n.live {
			counts[n.id] = 0
			idByPath[n.path] = n.id
		}
	}
	for _, n := range nodes {
		if !n.live {
			continue
		}
		p := n.path
		for {
			parent, ok := treepath.Parent(p)
			if !ok {
				break
			}
			if id, known := idByPath[parent]; known {
				counts[id]++
			}
			p = parent
		}
	}
	return counts
}

func fatal(err error) {
	if err == nil {
		os.Exit(1)
	}
	fatalf("%v", err)
}

func fatalf(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
