package vec

import "fmt"

// Vec3 представляет трехмерный вектор с целочисленными координатами.
// Используется для разрешений воксельных сеток и координат чанков.
type Vec3 struct {
	X int
	Y int
	Z int
}

// Neighbors6 - смещения к соседям по граням (6-связность)
var Neighbors6 = [6]Vec3{
	{X: 1}, {X: -1},
	{Y: 1}, {Y: -1},
	{Z: 1}, {Z: -1},
}

// New создает вектор из трех координат
func New(x, y, z int) Vec3 {
	return Vec3{X: x, Y: y, Z: z}
}

// Splat создает вектор с одинаковыми координатами
func Splat(v int) Vec3 {
	return Vec3{X: v, Y: v, Z: v}
}

// DistanceTo возвращает квадрат расстояния до другого вектора
func (v Vec3) DistanceTo(other Vec3) float64 {
	dx := v.X - other.X
	dy := v.Y - other.Y
	dz := v.Z - other.Z
	return float64(dx*dx + dy*dy + dz*dz)
}

// ManhattanTo возвращает манхэттенское расстояние (число шагов по граням)
func (v Vec3) ManhattanTo(other Vec3) int {
	return abs(v.X-other.X) + abs(v.Y-other.Y) + abs(v.Z-other.Z)
}

// Equals проверяет равенство векторов
func (v Vec3) Equals(other Vec3) bool {
	return v.X == other.X && v.Y == other.Y && v.Z == other.Z
}

// Add складывает два вектора
func (v Vec3) Add(other Vec3) Vec3 {
	return Vec3{
		X: v.X + other.X,
		Y: v.Y + other.Y,
		Z: v.Z + other.Z,
	}
}

// Sub вычитает вектор
func (v Vec3) Sub(other Vec3) Vec3 {
	return Vec3{
		X: v.X - other.X,
		Y: v.Y - other.Y,
		Z: v.Z - other.Z,
	}
}

// Volume возвращает произведение координат (число ячеек сетки)
func (v Vec3) Volume() int {
	return v.X * v.Y * v.Z
}

// Min возвращает покомпонентный минимум
func (v Vec3) Min(other Vec3) Vec3 {
	return Vec3{X: min(v.X, other.X), Y: min(v.Y, other.Y), Z: min(v.Z, other.Z)}
}

// Max возвращает покомпонентный максимум
func (v Vec3) Max(other Vec3) Vec3 {
	return Vec3{X: max(v.X, other.X), Y: max(v.Y, other.Y), Z: max(v.Z, other.Z)}
}

// Clamp ограничивает каждую координату диапазоном [lo, hi]
func (v Vec3) Clamp(lo, hi Vec3) Vec3 {
	return v.Max(lo).Min(hi)
}

// AtLeast поднимает каждую координату до минимума m
func (v Vec3) AtLeast(m int) Vec3 {
	return v.Max(Splat(m))
}

// Less задает лексикографический порядок (z, y, x) для детерминированной сортировки
func (v Vec3) Less(other Vec3) bool {
	if v.Z != other.Z {
		return v.Z < other.Z
	}
	if v.Y != other.Y {
		return v.Y < other.Y
	}
	return v.X < other.X
}

func (v Vec3) String() string {
	return fmt.Sprintf("(%d,%d,%d)", v.X, v.Y, v.Z)
}

// FloorDiv делит с округлением вниз (корректно для отрицательных координат)
func FloorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
