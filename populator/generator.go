package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	usersPerRound    = 10
	chatsPerUser     = 3
	messagesPerRound = batchSize - usersPerRound*(chatsPerUser+1) - usersPerRound
)

var words = []string{
	"migration", "postgres", "sqlite", "chat", "model", "prompt", "token", "context",
	"batch", "schema", "index", "vector", "embedding", "summary", "question", "answer",
	"café", "日本語", "naïve", "über",
}

var roles = []string{"admin", "user", "pending"}

// generator produces rows for schema. A dirtyRate fraction of rows carries one
// value the target rejects (NULL in a required column, out-of-domain boolean,
// bad date) or has to repair (invalid UTF-8, invalid JSON).
type generator struct {
	rng       *rand.Rand
	dirtyRate float64
	dirty     int

	users   []string
	chats   []string
	nextTag int
}

func newGenerator(seed int64, dirtyRate float64) *generator {
	return &generator{
		rng:       rand.New(rand.NewSource(seed)),
		dirtyRate: dirtyRate,
	}
}

func tableByName(name string) Table {
	for _, t := range schema {
		if t.Name == name {
			return t
		}
	}
	panic("unknown table " + name)
}

func (g *generator) insertMigrations(ctx context.Context, db *sql.DB) error {
	table := tableByName("migratehistory")
	for i, name := range []string{"001_initial_schema", "002_add_chat_archive", "003_add_tags"} {
		at := time.Date(2024, 1, 1+i, 12, 0, 0, 0, time.UTC).Format("2006-01-02 15:04:05")
		if _, err := db.ExecContext(ctx, insertStatement(table), name, at); err != nil {
			return fmt.Errorf("insert migration %s: %w", name, err)
		}
	}
	return nil
}

// insertRound writes one transaction of users with their chats, messages and
// tags and returns the number of rows inserted.
func (g *generator) insertRound(ctx context.Context, db *sql.DB) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	inserted := 0
	insert := func(table Table, values []any) error {
		if _, err := tx.ExecContext(ctx, insertStatement(table), values...); err != nil {
			return fmt.Errorf("insert into %s: %w", table.Name, err)
		}
		inserted++
		return nil
	}

	users, chats, messages, tags := tableByName("user"), tableByName("chat"), tableByName("message"), tableByName("tag")

	for i := 0; i < usersPerRound; i++ {
		values := g.row(users)
		if err := insert(users, values); err != nil {
			return 0, err
		}
		userID := values[0].(string)
		g.users = append(g.users, userID)

		for j := 0; j < chatsPerUser; j++ {
			values := g.row(chats)
			values[1] = userID
			if err := insert(chats, values); err != nil {
				return 0, err
			}
			g.chats = append(g.chats, values[0].(string))
		}

		if err := insert(tags, g.row(tags)); err != nil {
			return 0, err
		}
	}

	for i := 0; i < messagesPerRound; i++ {
		if err := insert(messages, g.row(messages)); err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return inserted, nil
}

// row returns one value per column of table, with at most one dirty value.
func (g *generator) row(table Table) []any {
	values := make([]any, len(table.Columns))
	for i, col := range table.Columns {
		values[i] = g.value(table, col)
	}

	if g.rng.Float64() >= g.dirtyRate {
		return values
	}
	// keys and references stay clean so the source keeps its integrity
	var candidates []int
	for i, col := range table.Columns {
		if (i == 0 && !table.AutoID) || col.Type == TypeReference {
			continue
		}
		if dirtyValue(col) != nil || !col.Nullable {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return values
	}
	i := candidates[g.rng.Intn(len(candidates))]
	values[i] = dirtyValue(table.Columns[i])
	g.dirty++
	return values
}

func dirtyValue(col Column) any {
	switch col.Type {
	case TypeText:
		if !col.Nullable {
			return nil
		}
		return "broken \xff\xfe text"
	case TypeJSON:
		return `{"unterminated": [1, 2`
	case TypeBoolean:
		return 2
	case TypeDateTime:
		return "yesterday-ish"
	default:
		return nil
	}
}

func (g *generator) value(table Table, col Column) any {
	if col.Nullable && g.rng.Intn(10) == 0 {
		return nil
	}

	switch col.Type {
	case TypeID:
		id, err := uuid.NewRandomFromReader(g.rng)
		if err != nil {
			panic(err)
		}
		return id.String()
	case TypeReference:
		parents := g.users
		if col.Refs == "chat" {
			parents = g.chats
		}
		if len(parents) == 0 {
			return nil
		}
		return parents[g.rng.Intn(len(parents))]
	case TypeInteger:
		return g.rng.Int63n(1 << 40)
	case TypeReal:
		return g.rng.Float64() * 100
	case TypeBlob:
		return g.randomBytes(g.rng.Intn(4096) + 1)
	case TypeDateTime:
		return g.randomTime().Format(g.pick("2006-01-02 15:04:05", time.RFC3339, "2006-01-02T15:04:05.000"))
	case TypeEpoch:
		ts := g.randomTime()
		if g.rng.Intn(2) == 0 {
			return ts.UnixMilli()
		}
		return ts.Unix()
	case TypeBoolean:
		return g.rng.Intn(2)
	case TypeJSON:
		return g.randomJSON()
	}

	switch col.Name {
	case "name":
		if table.Name == "tag" {
			g.nextTag++
			return fmt.Sprintf("tag-%d", g.nextTag)
		}
		return g.sentence(2)
	case "email":
		return fmt.Sprintf("%s@example.com", strings.ReplaceAll(g.sentence(2), " ", "."))
	case "role":
		return roles[g.rng.Intn(len(roles))]
	case "user_id":
		if len(g.users) == 0 {
			return ""
		}
		return g.users[g.rng.Intn(len(g.users))]
	case "content":
		return g.sentence(g.rng.Intn(300) + 5)
	default:
		return g.sentence(g.rng.Intn(6) + 1)
	}
}

func (g *generator) pick(options ...string) string {
	return options[g.rng.Intn(len(options))]
}

func (g *generator) sentence(n int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = words[g.rng.Intn(len(words))]
	}
	return strings.Join(parts, " ")
}

func (g *generator) randomTime() time.Time {
	start := time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)
	return start.Add(time.Duration(g.rng.Int63n(int64(2 * 365 * 24 * time.Hour)))).Truncate(time.Second)
}

func (g *generator) randomBytes(n int) []byte {
	b := make([]byte, n)
	g.rng.Read(b)
	return b
}

func (g *generator) randomJSON() string {
	doc := map[string]any{
		"title": g.sentence(3),
		"tags":  []string{g.sentence(1), g.sentence(1)},
		"model": g.pick("llama3", "mistral", "gpt-4o"),
		"score": g.rng.Intn(100),
	}
	b, err := json.Marshal(doc)
	if err != nil {
		panic(err)
	}
	return string(b)
}
