package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/annel0/voxelcarve/internal/vec"
)

// FileStore хранит каждый чанк в отдельном файле chunk_x_y_z.bin
type FileStore struct {
	basePath string
	mu       sync.RWMutex
}

// NewFileStore создаёт файловое хранилище, создавая директорию при необходимости
func NewFileStore(basePath string) (*FileStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("не удалось создать директорию %s: %w", basePath, err)
	}
	return &FileStore{basePath: basePath}, nil
}

// Path возвращает путь к файлу чанка
func (fs *FileStore) Path(coord vec.Vec3) string {
	return filepath.Join(fs.basePath, fmt.Sprintf("chunk_%d_%d_%d.bin", coord.X, coord.Y, coord.Z))
}

// Load читает файл чанка
func (fs *FileStore) Load(coord vec.Vec3) ([]float32, error) {
	fs.mu.RLock()
	defer fs.mu.RUnlock()

	filename := fs.Path(coord)
	buf, err := os.ReadFile(filename)
	if os.IsNotExist(err) {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ошибка чтения файла чанка %s: %w", filename, err)
	}
	return decodeFor(coord, buf)
}

// Save записывает чанк во временный файл и атомарно переименовывает его
func (fs *FileStore) Save(coord vec.Vec3, data []float32) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	filename := fs.Path(coord)
	tmp := filename + ".tmp"
	if err := os.WriteFile(tmp, EncodeChunk(coord, data), 0644); err != nil {
		return fmt.Errorf("ошибка записи файла чанка %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, filename); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("ошибка переименования %s: %w", tmp, err)
	}
	return nil
}

// Close ничего не держит открытым
func (fs *FileStore) Close() error {
	return nil
}
