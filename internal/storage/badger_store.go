package storage

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/annel0/voxelcarve/internal/vec"
	"github.com/dgraph-io/badger/v3"
	"github.com/klauspost/compress/zstd"
)

// BadgerStore хранит записи чанков в BadgerDB под ключом chunk:x:y:z.
// Значение - та же бинарная запись, сжатая zstd.
type BadgerStore struct {
	db      *badger.DB
	dbPath  string
	mutex   sync.RWMutex
	isReady bool

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// NewBadgerStore открывает (или создает) базу в dataPath/chunks
func NewBadgerStore(dataPath string) (*BadgerStore, error) {
	dbPath := filepath.Join(dataPath, "chunks")
	opts := badger.DefaultOptions(dbPath)
	opts.Logger = nil // Отключаем логирование BadgerDB

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("не удалось открыть BadgerDB: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		encoder.Close()
		db.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}

	return &BadgerStore{
		db:      db,
		dbPath:  dbPath,
		isReady: true,
		encoder: encoder,
		decoder: decoder,
	}, nil
}

func chunkKey(coord vec.Vec3) []byte {
	return []byte(fmt.Sprintf("chunk:%d:%d:%d", coord.X, coord.Y, coord.Z))
}

// Load читает и распаковывает запись чанка
func (bs *BadgerStore) Load(coord vec.Vec3) ([]float32, error) {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return nil, fmt.Errorf("хранилище не готово")
	}

	var compressed []byte
	err := bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(chunkKey(coord))
		if err != nil {
			return err
		}
		compressed, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения из BadgerDB: %w", err)
	}

	raw, err := bs.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: zstd: %v", ErrCorrupt, err)
	}
	return decodeFor(coord, raw)
}

// Save сжимает запись и сохраняет ее
func (bs *BadgerStore) Save(coord vec.Vec3, data []float32) error {
	bs.mutex.RLock()
	defer bs.mutex.RUnlock()

	if !bs.isReady {
		return fmt.Errorf("хранилище не готово")
	}

	value := bs.encoder.EncodeAll(EncodeChunk(coord, data), nil)
	err := bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(chunkKey(coord), value)
	})
	if err != nil {
		return fmt.Errorf("ошибка сохранения в BadgerDB: %w", err)
	}
	return nil
}

// Close закрывает хранилище данных
func (bs *BadgerStore) Close() error {
	bs.mutex.Lock()
	defer bs.mutex.Unlock()

	if !bs.isReady {
		return nil
	}

	bs.isReady = false
	bs.encoder.Close()
	bs.decoder.Close()
	return bs.db.Close()
}

// Open создает хранилище по имени бэкенда: "file" или "badger"
func Open(backend, path string) (ChunkStore, error) {
	switch backend {
	case "", "file":
		return NewFileStore(path)
	case "badger":
		return NewBadgerStore(path)
	default:
		return nil, fmt.Errorf("неизвестный бэкенд хранилища: %q", backend)
	}
}
