package util

import (
	"github.com/aquilax/go-perlin"
)

const (
	alpha = 2.0 // Сглаживание шума (вес октав)
	beta  = 2.0 // Множитель частоты между октавами
)

// Noise - фрактальный шум Перлина с собственными таблицами градиентов.
// Таблицы строятся один раз в конструкторе и далее только читаются,
// поэтому один экземпляр безопасно использовать из многих горутин.
type Noise struct {
	p      *perlin.Perlin
	offset float64
}

// NewNoise создает генератор шума для сида с заданным числом октав
func NewNoise(seed int64, octaves int) *Noise {
	if octaves < 1 {
		octaves = 1
	}
	return &Noise{
		p: perlin.NewPerlin(alpha, beta, int32(octaves), seed),
		// Сдвиг уводит выборку с узлов решетки, где шум Перлина равен нулю
		offset: 0.5 + float64(seed&0xff)/512.0,
	}
}

// Fractal2D возвращает значение шума примерно в диапазоне [-1, 1]
func (n *Noise) Fractal2D(x, y, frequency float64) float64 {
	return n.p.Noise2D(x*frequency+n.offset, y*frequency+n.offset)
}

// Fractal3D возвращает значение шума примерно в диапазоне [-1, 1]
func (n *Noise) Fractal3D(x, y, z, frequency float64) float64 {
	return n.p.Noise3D(x*frequency+n.offset, y*frequency+n.offset, z*frequency+n.offset)
}

// Normalized2D возвращает значение шума в диапазоне от 0 до 1
func (n *Noise) Normalized2D(x, y, frequency float64) float64 {
	return (n.Fractal2D(x, y, frequency) + 1.0) / 2.0
}
