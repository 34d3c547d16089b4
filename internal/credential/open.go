package credential

import (
	"context"
	"fmt"
	"io"

	"grepud/internal/config"
	"grepud/internal/db"

	"github.com/redis/go-redis/v9"
)

// Open builds the backend named by cfg.CredentialStore. The returned closer
// releases any connection the backend holds.
func Open(ctx context.Context, cfg config.Config) (Store, io.Closer, error) {
	switch cfg.CredentialStore {
	case config.StoreMemory:
		return NewMemoryStore(), nopCloser{}, nil
	case config.StoreFile, "":
		return NewFileStore(cfg.CredentialFile, cfg.CredentialKey), nopCloser{}, nil
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			rdb.Close()
			return nil, nil, fmt.Errorf("redis not responding: %w", err)
		}
		return NewRedisStore(rdb, cfg.CredentialKey), rdb, nil
	case config.StoreMySQL:
		database, err := db.InitDB(ctx, cfg.DBUrl)
		if err != nil {
			return nil, nil, err
		}
		if err := db.RunMigrations(ctx, database); err != nil {
			database.Close()
			return nil, nil, err
		}
		return NewSQLStore(database, cfg.CredentialKey), database, nil
	default:
		return nil, nil, fmt.Errorf("unknown credential store %q", cfg.CredentialStore)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
