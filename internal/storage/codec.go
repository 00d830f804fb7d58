// Package storage сохраняет поля расстояний чанков на диск.
// Формат записи фиксирован: 3×int32 координаты, int32 число отсчетов,
// затем отсчеты float32, все little-endian, без сжатия и контрольной суммы.
package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/annel0/voxelcarve/internal/vec"
)

// headerSize - координата (3×int32) и число отсчетов (int32)
const headerSize = 16

var (
	// ErrChunkNotFound - запись чанка отсутствует (промах кеша, не ошибка ввода-вывода)
	ErrChunkNotFound = errors.New("чанк не найден в хранилище")
	// ErrCorrupt - запись повреждена или обрезана
	ErrCorrupt = errors.New("поврежденная запись чанка")
)

// EncodeChunk сериализует чанк в бинарную запись
func EncodeChunk(coord vec.Vec3, data []float32) []byte {
	buf := make([]byte, headerSize+4*len(data))
	binary.LittleEndian.PutUint32(buf[0:], uint32(int32(coord.X)))
	binary.LittleEndian.PutUint32(buf[4:], uint32(int32(coord.Y)))
	binary.LittleEndian.PutUint32(buf[8:], uint32(int32(coord.Z)))
	binary.LittleEndian.PutUint32(buf[12:], uint32(int32(len(data))))
	for i, v := range data {
		binary.LittleEndian.PutUint32(buf[headerSize+4*i:], math.Float32bits(v))
	}
	return buf
}

// DecodeChunk разбирает бинарную запись
func DecodeChunk(buf []byte) (vec.Vec3, []float32, error) {
	if len(buf) < headerSize {
		return vec.Vec3{}, nil, fmt.Errorf("%w: длина %d меньше заголовка", ErrCorrupt, len(buf))
	}
	coord := vec.New(
		int(int32(binary.LittleEndian.Uint32(buf[0:]))),
		int(int32(binary.LittleEndian.Uint32(buf[4:]))),
		int(int32(binary.LittleEndian.Uint32(buf[8:]))),
	)
	count := int(int32(binary.LittleEndian.Uint32(buf[12:])))
	if count < 0 || len(buf) != headerSize+4*count {
		return coord, nil, fmt.Errorf("%w: %d отсчетов при длине %d", ErrCorrupt, count, len(buf))
	}

	data := make([]float32, count)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[headerSize+4*i:]))
	}
	return coord, data, nil
}

// ChunkStore - хранилище полей чанков
type ChunkStore interface {
	// Load возвращает отсчеты чанка или ErrChunkNotFound
	Load(coord vec.Vec3) ([]float32, error)
	Save(coord vec.Vec3, data []float32) error
	Close() error
}

func decodeFor(coord vec.Vec3, buf []byte) ([]float32, error) {
	got, data, err := DecodeChunk(buf)
	if err != nil {
		return nil, err
	}
	if !got.Equals(coord) {
		return nil, fmt.Errorf("%w: запись %v вместо %v", ErrCorrupt, got, coord)
	}
	return data, nil
}
