// Package pgsync feeds a pkg/collection.Collection from a live PostgreSQL
// logical replication stream, grounded on the teacher's standalone
// replication reader (db/stream/main.go): pgconn.Connect with
// "replication=database", pglogrepl.IdentifySystem/StartReplication against
// the wal2json output plugin, and a ReceiveMessage loop dispatching on
// PrimaryKeepaliveMessageByteID/XLogDataByteID with periodic standby status
// updates. Where the teacher's reader only broadcast raw WAL bytes over TCP
// for internal/wal/consumer.go to decode, Adapter decodes wal2json directly
// into collection.Change values, using a richcatalog.Catalog to resolve each
// table's primary key columns.
package pgsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"go.uber.org/zap"

	"github.com/tursodatabase/qflux/pkg/collection"
	"github.com/tursodatabase/qflux/pkg/dynval"
	"github.com/tursodatabase/qflux/pkg/richcatalog"
)

// wal2jsonChange mirrors one element of wal2json's "pretty-print" change
// array: keys identifying the previous row (for update/delete) plus the
// full column set (for insert/update).
type wal2jsonChange struct {
	Schema       string        `json:"schema"`
	Table        string        `json:"table"`
	Kind         string        `json:"kind"`
	ColumnNames  []string      `json:"columnnames"`
	ColumnValues []interface{} `json:"columnvalues"`
	OldKeys      struct {
		KeyNames  []string      `json:"keynames"`
		KeyValues []interface{} `json:"keyvalues"`
	} `json:"oldkeys"`
}

type wal2jsonEnvelope struct {
	Change []wal2jsonChange `json:"change"`
}

// Adapter is a collection.SyncAdapter backed by one logical replication
// slot. One Adapter feeds exactly one collection, scoped to a single
// qualified table name ("schema.table").
type Adapter struct {
	ConnString string
	SlotName   string
	Table      string // qualified "schema.table" this adapter feeds
	Catalog    richcatalog.Catalog
	Log        *zap.Logger
}

// NewAdapter builds an Adapter for one replication slot and table. slotName
// should be unique per adapter since PostgreSQL replication slots are
// exclusive.
func NewAdapter(connString, slotName, table string, catalog richcatalog.Catalog, log *zap.Logger) *Adapter {
	if log == nil {
		log = zap.NewNop()
	}
	return &Adapter{ConnString: connString, SlotName: slotName, Table: table, Catalog: catalog, Log: log}
}

// Start implements collection.SyncAdapter: it launches a background
// goroutine that reconnects and resumes streaming until ctx is cancelled or
// stop is called.
func (a *Adapter) Start(ctx context.Context, sink func(collection.Change)) (stop func(), err error) {
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		for {
			if runCtx.Err() != nil {
				return
			}
			if err := a.connectAndStream(runCtx, sink); err != nil {
				a.Log.Warn("pgsync_replication_error", zap.String("table", a.Table), zap.Error(err))
			}
			select {
			case <-runCtx.Done():
				return
			case <-time.After(5 * time.Second):
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}, nil
}

// LoadSubset is a no-op: a replication adapter always streams every change
// for its table, so there is nothing further to fetch on demand.
func (a *Adapter) LoadSubset(ctx context.Context, where dynval.Value) error {
	return nil
}

func (a *Adapter) connectAndStream(ctx context.Context, sink func(collection.Change)) error {
	conn, err := pgconn.Connect(ctx, a.ConnString)
	if err != nil {
		return fmt.Errorf("pgsync connect: %w", err)
	}
	defer conn.Close(ctx)

	sys, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("pgsync identify system: %w", err)
	}
	a.Log.Info("pgsync_stream_started",
		zap.String("slot", a.SlotName),
		zap.String("system_id", sys.SystemID),
		zap.String("table", a.Table))

	pluginArgs := []string{"\"pretty-print\" 'true'"}
	if err := pglogrepl.StartReplication(ctx, conn, a.SlotName, sys.XLogPos,
		pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return fmt.Errorf("pgsync start replication: %w", err)
	}

	var lastLSN pglogrepl.LSN
	standbyTimeout := 10 * time.Second
	nextStandby := time.Now().Add(standbyTimeout)

	for {
		if time.Now().After(nextStandby) && lastLSN != 0 {
			if err := pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{WALWritePosition: lastLSN}); err != nil {
				return fmt.Errorf("pgsync standby update: %w", err)
			}
			nextStandby = time.Now().Add(standbyTimeout)
		}

		recvCtx, cancel := context.WithDeadline(ctx, nextStandby)
		rawMsg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
				continue
			}
			return err
		}

		if errMsg, ok := rawMsg.(*pgproto3.ErrorResponse); ok {
			return fmt.Errorf("pgsync wal error: %s", errMsg.Message)
		}

		cd, ok := rawMsg.(*pgproto3.CopyData)
		if !ok || len(cd.Data) == 0 {
			continue
		}

		switch cd.Data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			pkm, err := pglogrepl.ParsePrimaryKeepaliveMessage(cd.Data[1:])
			if err != nil {
				continue
			}
			if pkm.ReplyRequested {
				nextStandby = time.Time{}
			}

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(cd.Data[1:])
			if err != nil {
				a.Log.Warn("pgsync_parse_xlog_failed", zap.Error(err))
				continue
			}
			var env wal2jsonEnvelope
			if err := json.Unmarshal(xld.WALData, &env); err != nil {
				continue
			}
			for _, ch := range env.Change {
				if fq := ch.Schema + "." + ch.Table; fq != a.Table {
					continue
				}
				if change, ok := a.translate(ch); ok {
					sink(change)
				}
			}
			if lsn, ok := extractLSN(xld.WALData); ok {
				lastLSN = lsn
			}
		}
	}
}

func extractLSN(raw []byte) (pglogrepl.LSN, bool) {
	var probe struct {
		LSN string `json:"lsn"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil || probe.LSN == "" {
		return 0, false
	}
	lsn, err := pglogrepl.ParseLSN(probe.LSN)
	if err != nil {
		return 0, false
	}
	return lsn, true
}

// translate converts one wal2json change entry into a collection.Change,
// resolving the row key via the catalog's primary key columns.
func (a *Adapter) translate(ch wal2jsonChange) (collection.Change, bool) {
	fq := ch.Schema + "." + ch.Table
	pkCols, ok := a.Catalog.PrimaryKeys(fq)
	if !ok || len(pkCols) == 0 {
		return collection.Change{}, false
	}

	switch ch.Kind {
	case "insert":
		row := columnsToValue(ch.ColumnNames, ch.ColumnValues)
		key, ok := keyFromRow(row, pkCols)
		if !ok {
			return collection.Change{}, false
		}
		return collection.Change{Kind: collection.ChangeInsert, Key: key, Value: row}, true

	case "update":
		row := columnsToValue(ch.ColumnNames, ch.ColumnValues)
		key, ok := keyFromRow(row, pkCols)
		if !ok {
			return collection.Change{}, false
		}
		prev := columnsToValue(ch.OldKeys.KeyNames, ch.OldKeys.KeyValues)
		return collection.Change{Kind: collection.ChangeUpdate, Key: key, Value: row, Previous: prev}, true

	case "delete":
		prev := columnsToValue(ch.OldKeys.KeyNames, ch.OldKeys.KeyValues)
		key, ok := keyFromRow(prev, pkCols)
		if !ok {
			return collection.Change{}, false
		}
		return collection.Change{Kind: collection.ChangeDelete, Key: key, Previous: prev}, true

	default:
		return collection.Change{}, false
	}
}

func columnsToValue(names []string, values []interface{}) dynval.Value {
	obj := make(map[string]dynval.Value, len(names))
	for i, name := range names {
		var raw interface{}
		if i < len(values) {
			raw = values[i]
		}
		obj[name] = anyToValue(raw)
	}
	return dynval.Object(obj)
}

// anyToValue converts a JSON-decoded wal2json scalar (nil, bool, float64,
// string) into a dynval.Value. wal2json always emits numbers as JSON
// numbers, which encoding/json decodes as float64; integral columns lose
// nothing observable since dynval.Float/dynval.Int compare numerically.
func anyToValue(raw interface{}) dynval.Value {
	switch v := raw.(type) {
	case nil:
		return dynval.Null()
	case bool:
		return dynval.Bool(v)
	case float64:
		if v == float64(int64(v)) {
			return dynval.Int(int64(v))
		}
		return dynval.Float(v)
	case string:
		return dynval.String(v)
	default:
		return dynval.Null()
	}
}

func keyFromRow(row dynval.Value, pkCols []string) (dynval.Key, bool) {
	if len(pkCols) == 1 {
		v, ok := row.Obj[pkCols[0]]
		if !ok {
			return dynval.Key{}, false
		}
		k, err := dynval.KeyFromValue(v)
		if err != nil {
			return dynval.Key{}, false
		}
		return k, true
	}
	// composite key: join each column's fingerprint into one string key.
	s := ""
	for i, col := range pkCols {
		v, ok := row.Obj[col]
		if !ok {
			return dynval.Key{}, false
		}
		if i > 0 {
			s += "\x1f"
		}
		s += dynval.Fingerprint(v)
	}
	return dynval.StringKey(s), true
}
