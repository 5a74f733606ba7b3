// Package sqllog writes one row per client session to a SQL database when
// the client disconnects.
//
//	sql_log driver sqlite dsn /var/lib/rook/sessions.db
//	sql_log driver postgres dsn postgres://rook@db/rook table smtp_sessions
//
// The dsn argument falls back to the ROOK_SQL_DSN environment variable.
package sqllog

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"time"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/synqronlabs/rook"
	"github.com/synqronlabs/rook/plugin"
	"github.com/synqronlabs/rook/utils"
)

// Name is the name used in the plugins configuration.
const Name = "sql_log"

// drivers maps the driver argument to a registered database/sql driver.
var drivers = map[string]string{
	"sqlite":   "sqlite",
	"mysql":    "mysql",
	"postgres": "pgx",
	"pgx":      "pgx",
}

var tableName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

const createTable = `create table if not exists %s (
    id varchar(26) primary key,
    connection_id varchar(26) not null,
    remote_ip varchar(45) not null,
    remote_host varchar(255) not null,
    helo varchar(255) not null,
    auth_user varchar(255) not null,
    tls boolean not null,
    karma integer not null,
    naughty varchar(512) not null,
    commands bigint not null,
    transactions bigint not null,
    connected_at timestamp not null,
    disconnected_at timestamp not null)`

const insertSession = `insert into %s (id, connection_id, remote_ip, remote_host, helo, auth_user, tls, karma, naughty, commands, transactions, connected_at, disconnected_at)
    values (:id, :connection_id, :remote_ip, :remote_host, :helo, :auth_user, :tls, :karma, :naughty, :commands, :transactions, :connected_at, :disconnected_at)`

// Session is one logged client session.
type Session struct {
	ID             string    `db:"id"`
	ConnectionID   string    `db:"connection_id"`
	RemoteIP       string    `db:"remote_ip"`
	RemoteHost     string    `db:"remote_host"`
	Helo           string    `db:"helo"`
	AuthUser       string    `db:"auth_user"`
	TLS            bool      `db:"tls"`
	Karma          int       `db:"karma"`
	Naughty        string    `db:"naughty"`
	Commands       int64     `db:"commands"`
	Transactions   int64     `db:"transactions"`
	ConnectedAt    time.Time `db:"connected_at"`
	DisconnectedAt time.Time `db:"disconnected_at"`
}

func init() {
	plugin.RegisterFactory(Name, New)
}

// Logger is the sql_log plugin.
type Logger struct {
	plugin.Base
	db      *sqlx.DB
	insert  string
	timeout time.Duration
}

func New(_ *plugin.Loader, base plugin.Base) (plugin.Plugin, error) {
	name := base.Args.Get("driver", "sqlite")
	driver, ok := drivers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown driver %q", plugin.ErrArgs, name)
	}
	dsn := base.Args.Get("dsn", os.Getenv("ROOK_SQL_DSN"))
	if dsn == "" {
		return nil, fmt.Errorf("%w: dsn is required", plugin.ErrArgs)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", plugin.ErrConfig, err)
	}
	l, err := NewWithDB(base, db)
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// NewWithDB returns the plugin over an open database. The table is
// created unless the create argument is 0.
func NewWithDB(base plugin.Base, db *sqlx.DB) (*Logger, error) {
	table := base.Args.Get("table", "sessions")
	if !tableName.MatchString(table) {
		return nil, fmt.Errorf("%w: bad table name %q", plugin.ErrArgs, table)
	}
	create, err := base.Args.Bool("create", true)
	if err != nil {
		return nil, err
	}
	timeout, err := base.Args.Duration("timeout", 5*time.Second)
	if err != nil {
		return nil, err
	}
	if create {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if _, err := db.ExecContext(ctx, fmt.Sprintf(createTable, table)); err != nil {
			return nil, fmt.Errorf("%w: creating %s: %w", plugin.ErrConfig, table, err)
		}
	}
	return &Logger{
		Base:    base,
		db:      db,
		insert:  fmt.Sprintf(insertSession, table),
		timeout: timeout,
	}, nil
}

func (l *Logger) Register(reg *rook.Registry) error {
	return l.Hook(reg, rook.HookDisconnect, l.log)
}

// Close closes the database.
func (l *Logger) Close() error {
	return l.db.Close()
}

// NewSession captures the state of conn at disconnect.
func NewSession(conn *rook.Connection) Session {
	s := Session{
		ID:             utils.NewID(),
		ConnectionID:   conn.ID(),
		RemoteHost:     conn.RemoteHost(),
		Helo:           conn.HeloHost(),
		AuthUser:       conn.AuthIdentity(),
		TLS:            conn.IsTLS(),
		Karma:          conn.Karma(),
		Naughty:        conn.NaughtyReason(),
		Commands:       conn.Trace.CommandCount,
		Transactions:   conn.Trace.TransactionCount,
		ConnectedAt:    conn.Trace.ConnectedAt.UTC(),
		DisconnectedAt: time.Now().UTC(),
	}
	if ip := conn.RemoteIP(); ip != nil {
		s.RemoteIP = ip.String()
	}
	return s
}

func (l *Logger) log(ctx *rook.Context) rook.Result {
	s := NewSession(ctx.Connection)
	// The connection context may already be cancelled by the time the
	// client is gone.
	dbctx, cancel := context.WithTimeout(context.WithoutCancel(ctx.Context()), l.timeout)
	defer cancel()
	if _, err := l.db.NamedExecContext(dbctx, l.insert, s); err != nil {
		ctx.Logger.Error("session log failed", slog.String("connection", s.ConnectionID), slog.Any("error", err))
	}
	return rook.Decline()
}
