package backend

// M4 reduces a sorted series to at most four points per pixel column: the
// first, minimum, maximum and last sample of each column, in timestamp order.
// Samples outside r are dropped.
func M4(points []Point, r TimeRange, width int) []Point {
	if width <= 0 || !r.Valid() || len(points) == 0 {
		return nil
	}

	span := float64(r.To - r.From)
	type column struct {
		first, min, max, last int
		used                  bool
	}
	cols := make([]column, width)

	for i, p := range points {
		if p.Timestamp < r.From || p.Timestamp > r.To {
			continue
		}
		c := int(float64(p.Timestamp-r.From) / span * float64(width))
		if c >= width {
			c = width - 1
		}
		col := &cols[c]
		if !col.used {
			*col = column{first: i, min: i, max: i, last: i, used: true}
			continue
		}
		if p.Value < points[col.min].Value {
			col.min = i
		}
		if p.Value > points[col.max].Value {
			col.max = i
		}
		col.last = i
	}

	out := make([]Point, 0, width*4)
	for _, col := range cols {
		if !col.used {
			continue
		}
		idx := []int{col.first, col.min, col.max, col.last}
		// min and max may sit on either side of each other; keep time order
		if idx[1] > idx[2] {
			idx[1], idx[2] = idx[2], idx[1]
		}
		prev := -1
		for _, j := range idx {
			if j == prev {
				continue
			}
			out = append(out, points[j])
			prev = j
		}
	}
	return out
}
