// Package redis disponibiliza a implementação do WindowStore baseada em Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/JeanGrijp/admission-controller/internal/adapters/clock"
	"github.com/JeanGrijp/admission-controller/internal/core/domain"
	"github.com/JeanGrijp/admission-controller/internal/core/ports"
)

const (
	defaultKeyPrefix  = "admission"
	defaultMaxRetries = 16

	fieldCount = "count"
	fieldStart = "start"
)

// ErrConflict indica que a transação otimista falhou em todas as tentativas.
var ErrConflict = errors.New("redis: too many concurrent updates")

type Config struct {
	Addr     string
	Password string
	DB       int
}

// StoreConfig delimita um conjunto de registros dentro do Redis.
type StoreConfig struct {
	KeyPrefix      string
	Namespace      string
	MaxTrackedKeys int
	Window         time.Duration
	MaxRetries     int
	// Clock deve ser o mesmo do controlador, pois é ele que define WindowStart.
	Clock ports.Clock
}

// Storage guarda cada registro num hash e indexa as chaves num sorted set
// pontuado pelo início da janela, que define a ordem de remoção.
type Storage struct {
	client *redis.Client
	owned  bool
	cfg    StoreConfig
}

var _ ports.WindowStore = (*Storage)(nil)

// hashReader é satisfeita tanto por *redis.Client quanto por *redis.Tx.
type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

// Connect abre um cliente e confirma a conexão com um PING.
func Connect(cfg Config) (*redis.Client, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// New conecta e cria um Storage dono do próprio cliente.
func New(cfg Config, storeCfg StoreConfig) (*Storage, error) {
	client, err := Connect(cfg)
	if err != nil {
		return nil, err
	}
	s, err := NewWithClient(client, storeCfg)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewWithClient cria um Storage sobre um cliente compartilhado; Close não o fecha.
func NewWithClient(client *redis.Client, cfg StoreConfig) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if cfg.MaxTrackedKeys <= 0 {
		return nil, fmt.Errorf("%w: max tracked keys must be positive, got %d", domain.ErrInvalidConfig, cfg.MaxTrackedKeys)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("%w: window must be positive, got %s", domain.ErrInvalidConfig, cfg.Window)
	}
	if strings.TrimSpace(cfg.KeyPrefix) == "" {
		cfg.KeyPrefix = defaultKeyPrefix
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.System{}
	}
	return &Storage{client: client, cfg: cfg}, nil
}

func (s *Storage) Close() error {
	if !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *Storage) recordKey(key string) string {
	if s.cfg.Namespace == "" {
		return fmt.Sprintf("%s:rec:%s", s.cfg.KeyPrefix, key)
	}
	return fmt.Sprintf("%s:%s:rec:%s", s.cfg.KeyPrefix, s.cfg.Namespace, key)
}

func (s *Storage) indexKey() string {
	if s.cfg.Namespace == "" {
		return s.cfg.KeyPrefix + ":index"
	}
	return fmt.Sprintf("%s:%s:index", s.cfg.KeyPrefix, s.cfg.Namespace)
}

func (s *Storage) Get(ctx context.Context, key string) (domain.WindowRecord, bool, error) {
	return s.read(ctx, s.client, key)
}

func (s *Storage) Upsert(ctx context.Context, key string, record domain.WindowRecord) error {
	created, err := s.client.Exists(ctx, s.recordKey(key)).Result()
	if err != nil {
		return err
	}
	if _, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		s.write(ctx, pipe, key, record)
		return nil
	}); err != nil {
		return err
	}
	if created == 0 {
		_, err = s.EvictIfNeeded(ctx)
	}
	return err
}

// Update observa a chave do registro com WATCH: um escritor concorrente aborta
// a transação e fn roda de novo sobre o registro atualizado.
func (s *Storage) Update(ctx context.Context, key string, fn ports.UpdateFunc) error {
	recordKey := s.recordKey(key)

	for attempt := 0; attempt < s.cfg.MaxRetries; attempt++ {
		var inserted bool
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			current, found, err := s.read(ctx, tx, key)
			if err != nil {
				return err
			}
			next, persist := fn(current, found)
			if !persist {
				return nil
			}
			inserted = !found
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				s.write(ctx, pipe, key, next)
				return nil
			})
			return err
		}, recordKey)

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return err
		}
		if inserted {
			_, err = s.EvictIfNeeded(ctx)
		}
		return err
	}
	return fmt.Errorf("%w: key %q after %d attempts", ErrConflict, key, s.cfg.MaxRetries)
}

// EvictIfNeeded descarta entradas do índice cujos registros já expiraram e
// depois remove os registros mais antigos até respeitar MaxTrackedKeys.
// Entre processos concorrentes o limite é eventualmente consistente.
func (s *Storage) EvictIfNeeded(ctx context.Context) (int, error) {
	index := s.indexKey()
	if err := s.pruneExpired(ctx); err != nil {
		return 0, err
	}

	size, err := s.client.ZCard(ctx, index).Result()
	if err != nil {
		return 0, err
	}
	excess := size - int64(s.cfg.MaxTrackedKeys)
	if excess <= 0 {
		return 0, nil
	}

	popped, err := s.client.ZPopMin(ctx, index, excess).Result()
	if err != nil {
		return 0, err
	}
	if len(popped) == 0 {
		return 0, nil
	}

	keys := make([]string, 0, len(popped))
	for _, z := range popped {
		if member, ok := z.Member.(string); ok {
			keys = append(keys, s.recordKey(member))
		}
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// Len conta as chaves do índice depois de descartar as expiradas. Registros
// cuja TTL venceu há menos de duas janelas ainda podem entrar na contagem,
// portanto o valor é um limite superior.
func (s *Storage) Len(ctx context.Context) (int, error) {
	if err := s.pruneExpired(ctx); err != nil {
		return 0, err
	}
	n, err := s.client.ZCard(ctx, s.indexKey()).Result()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

// pruneExpired remove do índice as chaves iniciadas há mais de duas janelas.
// Um registro só é gravado dentro da sua janela e vive Window após a última
// escrita, então nesse ponto ele já expirou.
func (s *Storage) pruneExpired(ctx context.Context) error {
	cutoff := s.cfg.Clock.Now().Add(-2 * s.cfg.Window).UnixMilli()
	return s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", "("+strconv.FormatInt(cutoff, 10)).Err()
}

func (s *Storage) read(ctx context.Context, c hashReader, key string) (domain.WindowRecord, bool, error) {
	fields, err := c.HGetAll(ctx, s.recordKey(key)).Result()
	if err != nil {
		return domain.WindowRecord{}, false, err
	}
	if len(fields) == 0 {
		return domain.WindowRecord{}, false, nil
	}

	count, err := strconv.Atoi(fields[fieldCount])
	if err != nil {
		return domain.WindowRecord{}, false, fmt.Errorf("invalid count for %s: %w", key, err)
	}
	start, err := strconv.ParseInt(fields[fieldStart], 10, 64)
	if err != nil {
		return domain.WindowRecord{}, false, fmt.Errorf("invalid window start for %s: %w", key, err)
	}

	return domain.WindowRecord{Key: key, Count: count, WindowStart: time.Unix(0, start)}, true, nil
}

func (s *Storage) write(ctx context.Context, pipe redis.Pipeliner, key string, record domain.WindowRecord) {
	recordKey := s.recordKey(key)
	pipe.HSet(ctx, recordKey, fieldCount, record.Count, fieldStart, record.WindowStart.UnixNano())
	pipe.PExpire(ctx, recordKey, s.cfg.Window)
	pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(record.WindowStart.UnixMilli()), Member: key})
}
