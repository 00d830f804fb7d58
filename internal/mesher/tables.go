package mesher

// Таблицы marching cubes строятся при инициализации пакета из топологии куба.
//
// Угол c имеет смещение (c&1, (c>>1)&1, (c>>2)&1). Ребро соединяет углы,
// отличающиеся одним битом. Для каждой грани углы обходятся против часовой
// стрелки, если смотреть снаружи куба. На неоднозначной грани (два
// диагональных угла внутри) внутренние углы всегда разделены, поэтому два
// соседних куба строят на общей грани одинаковые отрезки и меш замкнут.

var (
	// edgeCorners - пары углов для каждого из 12 ребер
	edgeCorners [12][2]int
	// edgeIndex - номер ребра по паре углов (-1, если ребра нет)
	edgeIndex [8][8]int
	// faceCycles - углы 6 граней в порядке обхода снаружи
	faceCycles [6][4]int
	// triTable - для каждого из 256 случаев список ребер, по 3 на треугольник
	triTable [256][]int8
	// maxCaseVertices - наибольшее число вершин, порождаемых одним кубом
	maxCaseVertices int
)

func init() {
	buildEdges()
	buildFaces()
	for mask := 0; mask < 256; mask++ {
		triTable[mask] = buildCase(mask)
		maxCaseVertices = max(maxCaseVertices, len(triTable[mask]))
	}
}

func buildEdges() {
	for a := range edgeIndex {
		for b := range edgeIndex[a] {
			edgeIndex[a][b] = -1
		}
	}
	n := 0
	for axis := 0; axis < 3; axis++ {
		bit := 1 << axis
		for c := 0; c < 8; c++ {
			if c&bit != 0 {
				continue
			}
			edgeCorners[n] = [2]int{c, c | bit}
			edgeIndex[c][c|bit] = n
			edgeIndex[c|bit][c] = n
			n++
		}
	}
}

func buildFaces() {
	uv := [4][2]int{{0, 0}, {1, 0}, {1, 1}, {0, 1}}
	n := 0
	for axis := 0; axis < 3; axis++ {
		// (u, v, axis) - правая тройка, обход uv против часовой стрелки со стороны +axis
		u, v := (axis+1)%3, (axis+2)%3
		for side := 0; side < 2; side++ {
			var cyc [4]int
			for i, p := range uv {
				cyc[i] = side<<axis | p[0]<<u | p[1]<<v
			}
			if side == 0 {
				cyc = [4]int{cyc[0], cyc[3], cyc[2], cyc[1]}
			}
			faceCycles[n] = cyc
			n++
		}
	}
}

// buildCase строит треугольники для маски внутренних углов.
// На каждой грани каждая серия внутренних углов дает отрезок от ребра
// выхода (внутри -> снаружи) к ребру входа. Отрезки сцепляются в петли,
// петли триангулируются веером с нормалями наружу (к положительным значениям).
func buildCase(mask int) []int8 {
	inside := func(c int) bool { return mask&(1<<c) != 0 }

	var next [12]int
	for i := range next {
		next[i] = -1
	}

	for _, cyc := range faceCycles {
		for i := 0; i < 4; i++ {
			cur, nxt := cyc[i], cyc[(i+1)%4]
			if !inside(cur) || inside(nxt) {
				continue
			}
			j := i
			for inside(cyc[(j+3)%4]) {
				j = (j + 3) % 4
			}
			exit := edgeIndex[cur][nxt]
			entry := edgeIndex[cyc[(j+3)%4]][cyc[j]]
			next[exit] = entry
		}
	}

	var tris []int8
	var used [12]bool
	for e := 0; e < 12; e++ {
		if next[e] < 0 || used[e] {
			continue
		}
		var loop []int8
		for cur := e; !used[cur]; cur = next[cur] {
			used[cur] = true
			loop = append(loop, int8(cur))
		}
		for i := 1; i+1 < len(loop); i++ {
			tris = append(tris, loop[0], loop[i+1], loop[i])
		}
	}
	return tris
}
