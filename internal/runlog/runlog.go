// Package runlog records acquisition bookkeeping in a ClickHouse database:
// one row per recorder invocation and one per channel recording. The
// connection is optional; without credentials or a reachable server every
// operation degrades to a no-op so recording never depends on the database.
package runlog

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
)

const databaseName = "syncrec"

// ActivityMessage is one row in the recorderactivity table: one recorder
// process invocation.
type ActivityMessage struct {
	ID        string
	Hostname  string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// RecordingMessage is one row in the recordings table: one channel of one
// scheduled acquisition.
type RecordingMessage struct {
	ID            string
	ActivityID    string
	Channel       string
	Directory     string
	RateNumerator uint64
	RateDenom     uint64
	StartIndex    int64
	CenterFreq    float64
	Gain          float64
	Start         time.Time
	End           time.Time
}

// Connection wraps the ClickHouse connection and its message pump.
type Connection struct {
	conn     clickhouse.Conn
	err      error
	activity *ActivityMessage
	recmsg   chan *RecordingMessage
	sync.WaitGroup
}

// ActivityID returns the identifier of the activity row this connection
// logged, or "" for a dummy connection.
func (db *Connection) ActivityID() string {
	if db == nil || db.activity == nil {
		return ""
	}
	return db.activity.ID
}

// IsConnected reports whether database operations will do anything.
func (db *Connection) IsConnected() bool {
	return db != nil && db.conn != nil && db.err == nil
}

// Dummy returns a Connection on which every operation is a no-op.
func Dummy() *Connection {
	db := &Connection{}
	db.Add(1)
	return db
}

// Start opens the connection, logs the activity row, and starts the message
// pump. It never fails: an unreachable server yields a no-op connection.
func Start(activity *ActivityMessage, abort <-chan struct{}) *Connection {
	db := connect()
	db.activity = activity
	db.logActivity()
	go db.pump(abort)
	return db
}

func connect() *Connection {
	db := &Connection{}
	db.Add(1)

	user := os.Getenv("SYNCREC_DB_USER")
	pass := os.Getenv("SYNCREC_DB_PASSWORD")
	if user == "" {
		db.err = fmt.Errorf("no database credentials in environment")
		return db
	}
	opt := clickhouse.Options{
		Addr: []string{addr()},
		Auth: clickhouse.Auth{
			Database: databaseName,
			Username: user,
			Password: pass,
		},
	}
	conn, err := clickhouse.Open(&opt)
	if err != nil {
		db.err = err
		return db
	}
	if err := conn.Ping(context.Background()); err != nil {
		db.err = err
		return db
	}
	db.conn = conn
	db.recmsg = make(chan *RecordingMessage)
	return db
}

func addr() string {
	if a := os.Getenv("SYNCREC_DB_ADDR"); a != "" {
		return a
	}
	return "localhost:9000"
}

func (db *Connection) logActivity() {
	if !db.IsConnected() || db.activity == nil {
		return
	}
	a := db.activity
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO recorderactivity VALUES (?, ?, ?, ?, ?, ?, ?)`, false,
		a.ID, a.Hostname, a.Version, a.GoVersion, a.CPUs,
		a.Start.Format("2006-01-02 15:04:05.000000"),
		a.End.Format("2006-01-02 15:04:05.000000"),
	); err != nil {
		db.err = err
	}
}

func (db *Connection) pump(abort <-chan struct{}) {
	defer db.Done()
	for {
		select {
		case <-abort:
			db.Disconnect()
			return
		case msg := <-db.recmsg:
			db.insertRecording(msg)
		}
	}
}

// RecordStart stores a recording row. The call blocks until the pump has
// accepted it, so the row exists before any later updates referring to it.
func (db *Connection) RecordStart(msg *RecordingMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	db.recmsg <- msg
}

// RecordFinish stamps the end time and stores the final recording row.
func (db *Connection) RecordFinish(msg *RecordingMessage) {
	if !db.IsConnected() || msg == nil {
		return
	}
	msg.End = time.Now()
	go func() { db.recmsg <- msg }()
}

func (db *Connection) insertRecording(m *RecordingMessage) {
	if !db.IsConnected() {
		return
	}
	if err := db.conn.AsyncInsert(context.Background(),
		`INSERT INTO recordings VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`, false,
		m.ID, m.ActivityID, m.Channel, m.Directory,
		m.RateNumerator, m.RateDenom, m.StartIndex,
		m.CenterFreq, m.Gain,
		m.Start.Format("2006-01-02 15:04:05.000000"),
		m.End.Format("2006-01-02 15:04:05.000000"),
	); err != nil {
		db.err = err
	}
}

// Disconnect stamps the activity end time and closes the connection.
func (db *Connection) Disconnect() {
	if !db.IsConnected() {
		return
	}
	db.activity.End = time.Now()
	db.logActivity()
	db.conn.Close()
	db.conn = nil
}
