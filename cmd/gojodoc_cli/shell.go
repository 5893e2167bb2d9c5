package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sushant-115/gojodoc/core/database"
	"github.com/sushant-115/gojodoc/core/indexing/keys"
)

var (
	errExit  = errors.New("exit")
	errUsage = errors.New("usage")
)

type command struct {
	usage string
	// args is the number of leading arguments; the rest of the line, if
	// any, is passed as one more argument.
	args int
	rest bool
	run  func(s *shell, args []string) error
}

var commands = map[string]command{
	"create":      {"create <collection>", 1, false, (*shell).create},
	"drop":        {"drop <collection>", 1, false, (*shell).drop},
	"collections": {"collections", 0, false, (*shell).collections},
	"put":         {"put <collection> <id> <json>", 2, true, (*shell).put},
	"add":         {"add <collection> <json>", 1, true, (*shell).add},
	"update":      {"update <collection> <id> <json>", 2, true, (*shell).update},
	"get":         {"get <collection> <id>", 2, false, (*shell).get},
	"del":         {"del <collection> <id>", 2, false, (*shell).del},
	"index":       {"index <collection> <field> [unique]", 2, true, (*shell).index},
	"unindex":     {"unindex <collection> <field>", 2, false, (*shell).unindex},
	"indexes":     {"indexes <collection>", 1, false, (*shell).indexes},
	"find":        {"find <collection> <field> <=|<|<=|>|>=> <value>", 3, true, (*shell).find},
	"scan":        {"scan <collection> [limit]", 1, true, (*shell).scan},
	"count":       {"count <collection>", 1, false, (*shell).count},
	"meta":        {"meta <collection> [blob]", 1, true, (*shell).meta},
	"backup":      {"backup <path>", 1, false, (*shell).backup},
	"stats":       {"stats", 0, false, (*shell).stats},
	"check":       {"check", 0, false, (*shell).check},
}

type shell struct {
	ctx context.Context
	db  *database.Database
	out io.Writer
}

// split cuts n whitespace separated words off line and, with rest set,
// returns what remains as a final element when it is not empty.
func split(line string, n int, rest bool) ([]string, bool) {
	var out []string
	line = strings.TrimSpace(line)
	for i := 0; i < n; i++ {
		if line == "" {
			return nil, false
		}
		word, tail, _ := strings.Cut(line, " ")
		out = append(out, word)
		line = strings.TrimSpace(tail)
	}
	if line != "" {
		if !rest {
			return nil, false
		}
		out = append(out, line)
	}
	return out, true
}

func (s *shell) exec(line string) error {
	name, tail, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch strings.ToLower(name) {
	case "":
		return nil
	case "exit", "quit":
		return errExit
	case "help":
		s.help()
		return nil
	}
	cmd, ok := commands[strings.ToLower(name)]
	if !ok {
		return fmt.Errorf("unknown command %q, type 'help'", name)
	}
	args, ok := split(tail, cmd.args, cmd.rest)
	if !ok {
		return fmt.Errorf("usage: %s", cmd.usage)
	}
	if err := cmd.run(s, args); err != nil {
		if errors.Is(err, errUsage) {
			return fmt.Errorf("usage: %s", cmd.usage)
		}
		return err
	}
	return nil
}

func (s *shell) help() {
	fmt.Fprintln(s.out, "Commands:")
	for _, name := range []string{"create", "drop", "collections", "put", "add", "update", "get", "del",
		"index", "unindex", "indexes", "find", "scan", "count", "meta", "backup", "stats", "check"} {
		fmt.Fprintf(s.out, "  %s\n", commands[name].usage)
	}
	fmt.Fprintln(s.out, "  help")
	fmt.Fprintln(s.out, "  exit / quit")
}

// parseValue reads an id or bound: integers, floats, booleans and null
// become typed values, anything else is a string. Quotes force a string.
func parseValue(s string) any {
	if unq, err := strconv.Unquote(s); err == nil {
		return unq
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	switch s {
	case "true":
		return true
	case "false":
		return false
	case "null":
		return nil
	}
	return s
}

func document(raw string) ([]byte, error) {
	if !json.Valid([]byte(raw)) {
		return nil, fmt.Errorf("not a JSON document: %s", raw)
	}
	return []byte(raw), nil
}

func (s *shell) create(args []string) error {
	if _, err := s.db.CreateCollection(s.ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) drop(args []string) error {
	if err := s.db.DropCollection(s.ctx, args[0]); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) collections([]string) error {
	for _, name := range s.db.ListCollections() {
		fmt.Fprintln(s.out, name)
	}
	return nil
}

func (s *shell) put(args []string) error {
	if len(args) < 3 {
		return errUsage
	}
	c, err := s.db.Collection(args[0])
	if err != nil {
		return err
	}
	doc, err := document(args[2])
	if err != nil {
		return err
	}
	if err := c.Insert(s.ctx, parseValue(args[1]), doc); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) add(args []string) error {
	if len(args) < 2 {
		return errUsage
	}
	c, err := s.db.Collection(args[0])
	if err != nil {
		return err
	}
	doc, err := document(args[1])
	if err != nil {
		return err
	}
	id, err := c.InsertAuto(s.ctx, doc)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, id)
	return nil
}

func (s *shell) update(args []string) error {
	if len(args) < 3 {
		return errUsage
	}
	c, err := s.db.Collection(args[0])
	if err != nil {
		return err
	}
	doc, err := document(args[2])
	if err != nil {
		return err
	}
	if err := c.Update(s.ctx, parseValue(args[1]), doc); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) get(args []string) error {
	c, err := s.db.Collection(args[0])
	if err != nil {
		return err
	}
	doc, err := c.Read(s.ctx, parseValue(args[1]))
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, string(doc))
	return nil
}

func (s *shell) del(args []string) error {
	c, err := s.db.Collection(args[0])
	if err != nil {
		return err
	}
	if err := c.Remove(s.ctx, parseValue(args[1])); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) index(args []string) error {
	c, err := s.db.Collection(args[0])
	if err != nil {
		return err
	}
	unique := len(args) > 2 && strings.EqualFold(args[2], "unique")
	if len(args) > 2 && !unique {
		return errUsage
	}
	if err := c.CreateIndex(s.ctx, args[1], unique); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) unindex(args []string) error {
	c, err := s.db.Collection(args[0])
	if err != nil {
		return err
	}
	if err := c.RemoveIndex(s.ctx, args[1]); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}

func (s *shell) indexes(args []string) error {
	c, err := s.db.Collection(args[0])
	if err != nil {
		return err
	}
	list, err := c.Indexes()
	if err != nil {
		return err
	}
	for _, idx := range list {
		kind := "non-unique"
		if idx.Unique {
			kind = "unique"
		}
		fmt.Fprintf(s.out, "%s (%s)\n", idx.Field, kind)
	}
	return nil
}

func bounds(op string, v keys.NormalisedValue) (database.FindOptions, error) {
	var opts database.FindOptions
	switch op {
	case "=", "==":
		opts.Lower = &database.Bound{Value: v, Inclusive: true}
		opts.Upper = opts.Lower
	case "<":
		opts.Upper = &database.Bound{Value: v}
	case "<=":
		opts.Upper = &database.Bound{Value: v, Inclusive: true}
	case ">":
		opts.Lower = &database.Bound{Value: v}
	case ">=":
		opts.Lower = &database.Bound{Value: v, Inclusive: true}
	default:
		return opts, fmt.Errorf("unknown operator %q", op)
	}
	return opts, nil
}

func (s *shell) find(args []string) error {
	if len(args) < 4 {
		return errUsage
	}
	c, err := s.db.Collection(args[0])
	if err != nil {
		return err
	}
	v, err := keys.Normalise(parseValue(args[3]))
	if err != nil {
		return err
	}
	opts, err := bounds(args[2], v)
	if err != nil {
		return err
	}
	cur, err := c.Find(s.ctx, args[1], opts)
	if err != nil {
		return err
	}
	defer cur.Close()
	n := 0
	for cur.Next() {
		doc, err := cur.Document()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s\t%s\n", cur.PrimaryKey(), doc)
		n++
	}
	if err := cur.Err(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "(%d documents)\n", n)
	return cur.Close()
}

func (s *shell) scan(args []string) error {
	c, err := s.db.Collection(args[0])
	if err != nil {
		return err
	}
	var opts database.FindOptions
	if len(args) > 1 {
		if opts.Limit, err = strconv.Atoi(args[1]); err != nil || opts.Limit < 0 {
			return errUsage
		}
	}
	cur, err := c.Scan(s.ctx, opts)
	if err != nil {
		return err
	}
	defer cur.Close()
	n := 0
	for cur.Next() {
		doc, err := cur.Document()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%s\t%s\n", cur.PrimaryKey(), doc)
		n++
	}
	if err := cur.Err(); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "(%d documents)\n", n)
	return cur.Close()
}

func (s *shell) count(args []string) error {
	c, err := s.db.Collection(args[0])
	if err != nil {
		return err
	}
	n, err := c.Count(s.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, n)
	return nil
}

func (s *shell) meta(args []string) error {
	c, err := s.db.Collection(args[0])
	if err != nil {
		return err
	}
	if len(args) > 1 {
		if err := c.SetMetadata(s.ctx, []byte(args[1])); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
		return nil
	}
	blob, err := c.Metadata(s.ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(s.out, string(blob))
	return nil
}

func (s *shell) backup(args []string) error {
	res, err := s.db.Backup(s.ctx, args[0])
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "copied %d bytes, sha256 %x\n", res.Bytes, res.SHA256)
	return nil
}

func (s *shell) stats([]string) error {
	st := s.db.Stats()
	fmt.Fprintf(s.out, "file magic:     %#x\n", st.FileMagic)
	fmt.Fprintf(s.out, "pages:          %d (%d used)\n", st.PageCount, st.UsedPages)
	fmt.Fprintf(s.out, "bitmaps:        %d\n", st.Bitmaps)
	fmt.Fprintf(s.out, "cached pages:   %d\n", st.CachedPages)
	fmt.Fprintf(s.out, "next object id: %d\n", st.NextObjectID)
	return nil
}

func (s *shell) check([]string) error {
	if err := s.db.Check(s.ctx); err != nil {
		return err
	}
	fmt.Fprintln(s.out, "OK")
	return nil
}
