// Command quarry is the interactive shell for quarry database files.
// It opens a single file, reads SQL statements line by line, and prints
// result rows in aligned columns. Statements end with a semicolon; dot
// commands (.tables, .schema, .exit) act on the shell itself.
package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/chzyer/readline"

	"github.com/quarrydb/quarry"
	"github.com/quarrydb/quarry/config"
	"github.com/quarrydb/quarry/core/vfs"
	"github.com/quarrydb/quarry/pkg/logger"
)

const version = "0.1.0"

var cli struct {
	Path string `arg:"" help:"Database file to open (created if missing)" type:"path"`

	Exec       string `name:"exec" short:"e" help:"Execute the given statements and exit"`
	Config     string `name:"config" short:"c" help:"YAML configuration file" type:"existingfile"`
	PageSize   int    `name:"page-size" default:"4096" help:"Page size for new database files"`
	CachePages int    `name:"cache-pages" default:"1000" help:"Pages held in the connection cache"`
	Sync       string `name:"sync" default:"full" enum:"off,normal,full" help:"Durability level (off, normal, full)"`
	Backend    string `name:"backend" default:"sync" enum:"sync,queue" help:"I/O backend"`
	LogLevel   string `name:"log-level" default:"" help:"Enable logging at the given level (debug, info, warn, error)"`
	Version    bool   `name:"version" short:"V" help:"Print version and exit"`
}

func main() {
	kctx := kong.Parse(&cli,
		kong.Name("quarry"),
		kong.Description("SQL shell for quarry database files."),
		kong.UsageOnError(),
	)
	if cli.Version {
		fmt.Println("quarry", version)
		return
	}
	kctx.FatalIfErrorf(run())
}

func run() error {
	cfg := config.Default()
	if cli.Config != "" {
		var err error
		if cfg, err = config.FromFile(cli.Config); err != nil {
			return err
		}
	} else {
		cfg.PageSize = cli.PageSize
		cfg.CachePages = cli.CachePages
		cfg.Synchronous = config.SyncLevel(cli.Sync)
		cfg.IOBackend = vfs.Backend(cli.Backend)
	}
	if cli.LogLevel != "" {
		cfg.Log = logger.Config{Level: cli.LogLevel, Format: "console"}
	}

	db, err := quarry.Open(cli.Path, quarry.WithConfig(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	conn, err := db.Conn()
	if err != nil {
		return err
	}
	defer conn.Close()

	sh := &shell{db: db, conn: conn, out: os.Stdout}
	if cli.Exec != "" {
		return sh.runScript(cli.Exec)
	}
	return sh.interact()
}

// shell holds the state of one interactive session.
type shell struct {
	db   *quarry.DB
	conn *quarry.Conn
	out  io.Writer
}

// runScript executes a semicolon-separated batch and stops at the
// first error.
func (sh *shell) runScript(src string) error {
	for _, stmt := range splitStatements(src) {
		if err := sh.execute(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (sh *shell) interact() error {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "quarry> ",
		HistoryFile:     historyPath(),
		AutoComplete:    sh.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       ".exit",
	})
	if err != nil {
		return err
	}
	defer rl.Close()

	fmt.Fprintf(sh.out, "quarry %s\nEnter \".help\" for usage hints.\n", version)

	var buf strings.Builder
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			buf.Reset()
			rl.SetPrompt("quarry> ")
			continue
		}
		if err != nil {
			return nil
		}
		trimmed := strings.TrimSpace(line)

		if buf.Len() == 0 {
			if trimmed == "" {
				continue
			}
			if strings.HasPrefix(trimmed, ".") {
				if sh.dotCommand(trimmed) {
					return nil
				}
				continue
			}
		}

		buf.WriteString(line)
		buf.WriteString("\n")
		if !strings.HasSuffix(trimmed, ";") {
			rl.SetPrompt("   ...> ")
			continue
		}

		stmtText := buf.String()
		buf.Reset()
		rl.SetPrompt("quarry> ")
		for _, stmt := range splitStatements(stmtText) {
			if err := sh.execute(stmt); err != nil {
				fmt.Fprintf(sh.out, "error: %v\n", err)
				break
			}
		}
	}
}

// dotCommand handles shell directives. It returns true when the shell
// should exit.
func (sh *shell) dotCommand(line string) bool {
	fields := strings.Fields(line)
	switch fields[0] {
	case ".exit", ".quit":
		return true
	case ".help":
		fmt.Fprint(sh.out, ".exit            Exit this shell\n"+
			".schema ?TABLE?  Show CREATE statements\n"+
			".tables          List table names\n")
	case ".tables":
		tables, err := sh.conn.Tables()
		if err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", err)
			return false
		}
		for _, name := range tables {
			fmt.Fprintln(sh.out, name)
		}
	case ".schema":
		sh.showSchema(fields[1:])
	default:
		fmt.Fprintf(sh.out, "unknown command %q, enter \".help\" for usage\n", fields[0])
	}
	return false
}

func (sh *shell) showSchema(args []string) {
	tables, err := sh.conn.Tables()
	if err != nil {
		fmt.Fprintf(sh.out, "error: %v\n", err)
		return
	}
	for _, name := range tables {
		if len(args) > 0 && args[0] != name {
			continue
		}
		sql, err := sh.conn.TableSQL(name)
		if err != nil {
			fmt.Fprintf(sh.out, "error: %v\n", err)
			return
		}
		fmt.Fprintf(sh.out, "%s;\n", sql)
	}
}

// execute prepares one statement, streams its rows, and prints them as
// an aligned table. Pending results poll the I/O layer; Busy is
// reported to the user rather than retried.
func (sh *shell) execute(sql string) error {
	stmt, err := sh.conn.Prepare(sql)
	if err != nil {
		return err
	}
	defer stmt.Finalize()

	cols := stmt.Columns()
	var rows [][]string
	for {
		res, err := stmt.Step()
		if err != nil {
			return err
		}
		switch res {
		case quarry.RowAvailable:
			vals := stmt.Row()
			row := make([]string, len(vals))
			for i, v := range vals {
				row[i] = v.String()
			}
			rows = append(rows, row)
		case quarry.Pending:
			sh.db.Poll()
		case quarry.Busy:
			return fmt.Errorf("database is locked")
		case quarry.Done:
			if len(cols) > 0 {
				sh.printTable(cols, rows)
			}
			return nil
		}
	}
}

func (sh *shell) printTable(cols []string, rows [][]string) {
	widths := make([]int, len(cols))
	for i, c := range cols {
		widths[i] = len(c)
	}
	for _, row := range rows {
		for i, cell := range row {
			if i < len(widths) && len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}
	writeRow := func(cells []string) {
		parts := make([]string, len(cells))
		for i, cell := range cells {
			parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
		}
		fmt.Fprintln(sh.out, strings.Join(parts, "  "))
	}
	writeRow(cols)
	rules := make([]string, len(cols))
	for i := range cols {
		rules[i] = strings.Repeat("-", widths[i])
	}
	writeRow(rules)
	for _, row := range rows {
		writeRow(row)
	}
}

// completer offers SQL keywords, dot commands, and current table and
// column names. Table names are looked up live so completions track
// DDL executed in the session.
func (sh *shell) completer() readline.AutoCompleter {
	tableNames := func(string) []string {
		tables, err := sh.conn.Tables()
		if err != nil {
			return nil
		}
		return tables
	}
	columnNames := func(line string) []string {
		tables, err := sh.conn.Tables()
		if err != nil {
			return nil
		}
		var names []string
		for _, t := range tables {
			cols, err := sh.conn.Columns(t)
			if err != nil {
				continue
			}
			names = append(names, cols...)
		}
		return names
	}
	items := []readline.PrefixCompleterInterface{
		readline.PcItem(".exit"),
		readline.PcItem(".help"),
		readline.PcItem(".quit"),
		readline.PcItem(".schema", readline.PcItemDynamic(tableNames)),
		readline.PcItem(".tables"),
		readline.PcItem("BEGIN"),
		readline.PcItem("COMMIT"),
		readline.PcItem("CREATE", readline.PcItem("TABLE"), readline.PcItem("INDEX"), readline.PcItem("UNIQUE", readline.PcItem("INDEX"))),
		readline.PcItem("DELETE", readline.PcItem("FROM", readline.PcItemDynamic(tableNames))),
		readline.PcItem("DROP", readline.PcItem("TABLE", readline.PcItemDynamic(tableNames)), readline.PcItem("INDEX")),
		readline.PcItem("EXPLAIN"),
		readline.PcItem("INSERT", readline.PcItem("INTO", readline.PcItemDynamic(tableNames))),
		readline.PcItem("RELEASE"),
		readline.PcItem("ROLLBACK", readline.PcItem("TO")),
		readline.PcItem("SAVEPOINT"),
		readline.PcItem("SELECT", readline.PcItemDynamic(columnNames)),
		readline.PcItem("UPDATE", readline.PcItemDynamic(tableNames)),
	}
	return readline.NewPrefixCompleter(items...)
}

// splitStatements cuts a batch on semicolons, honoring single-quoted
// strings and double-quoted identifiers.
func splitStatements(src string) []string {
	var (
		out   []string
		start int
		quote byte
	)
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch {
		case quote != 0:
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
		case c == ';':
			if stmt := strings.TrimSpace(src[start:i]); stmt != "" {
				out = append(out, stmt)
			}
			start = i + 1
		}
	}
	if stmt := strings.TrimSpace(src[start:]); stmt != "" {
		out = append(out, stmt)
	}
	return out
}

func historyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".quarry_history")
}
