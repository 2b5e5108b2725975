package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"
)

// Offline inspection of a conversation store. Opens the database read-only,
// so it works while a server process holds the write lock.
func main() {
	dbPath := flag.String("db", "/tmp/parley", "Path to badger DB")
	prefix := flag.String("prefix", "msg:", "Prefix to scan (msg:, conv:, seq:)")
	flag.Parse()

	db, err := badger.Open(badger.DefaultOptions(*dbPath).
		WithReadOnly(true).
		WithBypassLockGuard(true).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		log.Fatal("Error while opening Badger: ", err)
	}
	defer db.Close()

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Key", "Type", "Timestamp", "Sender", "Seq", "Detail", "Receipts"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")

	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefixBytes := []byte(*prefix)
		for it.Seek(prefixBytes); it.ValidForPrefix(prefixBytes); it.Next() {
			item := it.Item()
			key := string(item.Key())

			// Secondary indexes carry no payload worth rendering.
			if strings.HasPrefix(key, "msgid:") || strings.HasPrefix(key, "tmp:") {
				continue
			}

			err := item.Value(func(v []byte) error {
				table.Append(rowFor(key, v))
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Fatal(err)
	}

	table.Render()
}

type messageRow struct {
	Sender    string                     `json:"sender"`
	Seq       uint64                     `json:"seq"`
	Type      string                     `json:"type"`
	Content   string                     `json:"content"`
	CreatedAt int64                      `json:"created_at"`
	Receipts  map[string]json.RawMessage `json:"receipts"`
}

type conversationRow struct {
	Participants []string `json:"participants"`
	LastActivity int64    `json:"last_activity"`
}

func rowFor(key string, value []byte) []string {
	switch {
	case strings.HasPrefix(key, "msg:"):
		var m messageRow
		if err := json.Unmarshal(value, &m); err != nil {
			return []string{key, "?", "", "", "", fmt.Sprintf("unmarshal error: %v", err), ""}
		}
		return []string{
			key,
			strings.ToUpper(m.Type),
			time.Unix(0, m.CreatedAt).Format("15:04:05"),
			shortID(m.Sender),
			fmt.Sprintf("%d", m.Seq),
			truncate(m.Content, 48),
			fmt.Sprintf("%d", len(m.Receipts)),
		}
	case strings.HasPrefix(key, "conv:"):
		var c conversationRow
		if err := json.Unmarshal(value, &c); err != nil {
			return []string{key, "?", "", "", "", fmt.Sprintf("unmarshal error: %v", err), ""}
		}
		participants := lo.Map(c.Participants, func(id string, _ int) string { return shortID(id) })
		return []string{
			key,
			"CONV",
			time.Unix(0, c.LastActivity).Format("15:04:05"),
			"",
			"",
			strings.Join(participants, " "),
			"",
		}
	case strings.HasPrefix(key, "seq:"):
		return []string{key, "SEQ", "", "", string(value), "", ""}
	default:
		return []string{key, "RAW", "", "", "", truncate(string(value), 48), ""}
	}
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
