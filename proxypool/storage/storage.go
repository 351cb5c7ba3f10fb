package storage

import (
	"context"
	"errors"
	"fmt"

	"wxpush_gateway/internal/shared/types"
	"wxpush_gateway/proxypool/model"
)

// ErrStorage 标记所有来自代理库存的读写失败, 调用方可用 errors.Is 判断。
var ErrStorage = errors.New("proxy storage error")

// Storage 接口定义了代理库存的读写行为。库存本身由关系型数据库持有,
// 核心逻辑只读取候选代理并回写健康检查结论。
type Storage interface {
	// FetchAvailable returns rows with status = 1 ordered by id.
	FetchAvailable(ctx context.Context) ([]*model.Record, error)
	// FetchAll returns every row ordered by id.
	FetchAll(ctx context.Context) ([]*model.Record, error)
	// BulkInsert inserts all records in a single batch. IDs are assigned by the store.
	BulkInsert(ctx context.Context, records []*model.Record) error
	// BulkUpdateStatus writes Status and UpdatedAt of every record, matched by ID, in a single batch.
	BulkUpdateStatus(ctx context.Context, records []*model.Record) error
	Close() error
}

// Open 根据配置的驱动创建 Storage。
func Open(ctx context.Context, cfg types.DatabaseConf) (Storage, error) {
	switch cfg.Driver {
	case "postgres", "postgresql", "":
		return NewPostgres(ctx, cfg.DSN)
	case "sqlite", "sqlite3":
		return NewSQLite(ctx, cfg.DSN)
	default:
		return nil, fmt.Errorf("storage: unknown driver %q", cfg.Driver)
	}
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}
