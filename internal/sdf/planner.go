package sdf

import (
	"math"

	"github.com/annel0/voxelcarve/internal/vec"
	"github.com/go-gl/mathgl/mgl32"
)

// ResolutionLimits - ограничения адаптивного разрешения
type ResolutionLimits struct {
	Min    int
	Max    int
	Budget int
}

// PlanResolution подбирает число отсчетов по осям пропорционально
// размерам box: самая длинная ось получает Max, при превышении бюджета
// все оси равномерно уменьшаются (кубический корень из перебора),
// каждая ось не опускается ниже Min.
func PlanResolution(size mgl32.Vec3, lim ResolutionLimits) vec.Vec3 {
	minRes := max(lim.Min, MinAxisResolution)
	maxRes := max(lim.Max, minRes)

	longest := max(size[0], size[1], size[2])
	if longest <= 0 {
		return vec.Splat(minRes)
	}

	axis := func(extent float32) int {
		return int(math.Round(float64(maxRes) * float64(extent/longest)))
	}
	res := vec.New(axis(size[0]), axis(size[1]), axis(size[2])).AtLeast(minRes)

	if lim.Budget <= 0 {
		return res
	}

	// Равномерное масштабирование; после отсечения по минимуму может
	// понадобиться еще одна итерация
	for i := 0; i < 4 && res.Volume() > lim.Budget; i++ {
		s := math.Cbrt(float64(lim.Budget) / float64(res.Volume()))
		res = vec.New(
			int(math.Floor(float64(res.X)*s)),
			int(math.Floor(float64(res.Y)*s)),
			int(math.Floor(float64(res.Z)*s)),
		).AtLeast(minRes)
	}

	// Добиваем остаток, уменьшая самую длинную ось
	for res.Volume() > lim.Budget {
		switch {
		case res.X >= res.Y && res.X >= res.Z && res.X > minRes:
			res.X--
		case res.Y >= res.Z && res.Y > minRes:
			res.Y--
		case res.Z > minRes:
			res.Z--
		case res.X > minRes:
			res.X--
		case res.Y > minRes:
			res.Y--
		default:
			return res
		}
	}
	return res
}
