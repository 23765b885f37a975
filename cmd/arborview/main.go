// arborview is a simple CLI tool for inspecting arbor database files.
//
// Usage:
//
//	arborview -l <filename>        # list all keys and values
//	arborview -l -n 20 <filename>  # list first 20 entries
//	arborview -s <filename>        # list snapshots
//	arborview -stat <filename>     # print store statistics
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/arbordb/arbor/db"
)

func main() {
	listFlag := flag.Bool("l", false, "list keys and values")
	snapFlag := flag.Bool("s", false, "list snapshots")
	statFlag := flag.Bool("stat", false, "print store statistics")
	countFlag := flag.Int("n", 0, "number of entries (0 = all)")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "Usage: arborview [-l | -s | -stat] [-n count] <filename>")
		os.Exit(1)
	}

	database, err := db.Open(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer database.Close()

	switch {
	case *snapFlag:
		err = runSnapshots(database)
	case *statFlag:
		err = runStat(database)
	case *listFlag:
		err = runList(database, *countFlag)
	default:
		err = runList(database, *countFlag)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func runList(database *db.DB[*os.File], count int) error {
	cursor, err := database.Range(nil, nil)
	if err != nil {
		return err
	}
	defer cursor.Close()

	n := 0
	for cursor.Next() {
		if count > 0 && n >= count {
			break
		}
		fmt.Printf("%s: %s\n", display(cursor.Key(), 40), display(cursor.Val(), 60))
		n++
	}
	return cursor.Err()
}

func runSnapshots(database *db.DB[*os.File]) error {
	snaps := database.Snapshots()
	if len(snaps) == 0 {
		fmt.Println("no snapshots")
		return nil
	}
	for _, snap := range snaps {
		fmt.Printf("%s  %s  root=%d  %s\n",
			snap.ID, snap.CreatedAt.Format("2006-01-02 15:04:05"), snap.Root, snap.Name)
	}
	return nil
}

func runStat(database *db.DB[*os.File]) error {
	depth, err := database.Depth()
	if err != nil {
		return err
	}
	store := database.Store()
	fmt.Printf("block size:   %d\n", store.BlockSize())
	fmt.Printf("block count:  %d\n", store.BlockCount())
	fmt.Printf("free blocks:  %d\n", store.FreeCount())
	fmt.Printf("live blocks:  %d\n", database.LiveBlocks())
	fmt.Printf("tree root:    %d\n", database.CurrentRoot())
	fmt.Printf("tree depth:   %d\n", depth)
	fmt.Printf("snapshots:    %d\n", len(database.Snapshots()))
	return nil
}

// display renders a possibly-binary byte string for one terminal line.
func display(b []byte, limit int) string {
	if utf8.Valid(b) && !strings.ContainsFunc(string(b), unicode.IsControl) {
		s := string(b)
		if len(s) > limit {
			return s[:limit-3] + "..."
		}
		return s
	}
	s := fmt.Sprintf("%x", b)
	if len(s) > limit {
		return s[:limit-3] + "..."
	}
	return s
}
