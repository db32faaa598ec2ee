package sink

import (
	"context"

	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"lookout/pkg/database"
)

// clickhouseConn is the slice of the native driver the sink uses.
type clickhouseConn interface {
	PrepareBatch(ctx context.Context, query string) (clickhouseBatch, error)
	Query(ctx context.Context, query string, args ...interface{}) (clickhouseRows, error)
	Exec(ctx context.Context, query string, args ...interface{}) error
	Ping(ctx context.Context) error
	Close() error
}

type clickhouseBatch interface {
	Append(v ...interface{}) error
	Send() error
	Abort() error
}

type clickhouseRows interface {
	Next() bool
	Scan(dest ...interface{}) error
	Err() error
	Close() error
}

type nativeConn struct {
	conn database.ClickHouseNativeConn
}

func (n nativeConn) PrepareBatch(ctx context.Context, query string) (clickhouseBatch, error) {
	return n.conn.PrepareBatch(ctx, query)
}

func (n nativeConn) Query(ctx context.Context, query string, args ...interface{}) (clickhouseRows, error) {
	rows, err := n.conn.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

func (n nativeConn) Exec(ctx context.Context, query string, args ...interface{}) error {
	return n.conn.Exec(ctx, query, args...)
}

func (n nativeConn) Ping(ctx context.Context) error { return n.conn.Ping(ctx) }

func (n nativeConn) Close() error { return n.conn.Close() }

var (
	_ clickhouseBatch = (driver.Batch)(nil)
	_ clickhouseRows  = (driver.Rows)(nil)
)
