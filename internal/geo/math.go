package geo

import "math"

// MaxLat is the latitude limit of the Web Mercator projection.
const MaxLat = 85.05112878

// Tile is an XYZ tile address.
type Tile struct {
	Z, X, Y int
}

// TMSY returns the row index counted from the bottom, as used by TMS servers.
func (t Tile) TMSY() int {
	return (1 << t.Z) - 1 - t.Y
}

// Valid reports whether the tile exists at its zoom level.
func (t Tile) Valid() bool {
	if t.Z < 0 || t.Z > 30 {
		return false
	}
	n := 1 << t.Z
	return t.X >= 0 && t.X < n && t.Y >= 0 && t.Y < n
}

// TileAt returns the Web Mercator tile containing the coordinate at zoom z.
//
// Latitude is clamped to the projection limits and longitude 180 maps to the
// last column.
func TileAt(c Coordinate, z int) Tile {
	lat := c.Lat
	if lat > MaxLat {
		lat = MaxLat
	} else if lat < -MaxLat {
		lat = -MaxLat
	}

	n := float64(int(1) << z)
	x := (c.Lon + 180.0) / 360.0 * n

	latRad := lat * math.Pi / 180.0
	mercatorY := math.Log(math.Tan(latRad) + 1/math.Cos(latRad))
	y := (1.0 - mercatorY/math.Pi) / 2.0 * n

	return Tile{Z: z, X: clampIndex(int(math.Floor(x)), z), Y: clampIndex(int(math.Floor(y)), z)}
}

// TilesAround returns the square of tiles within radius tiles of the tile
// containing c, skipping rows and columns outside the world.
func TilesAround(c Coordinate, z, radius int) []Tile {
	center := TileAt(c, z)
	tiles := make([]Tile, 0, (2*radius+1)*(2*radius+1))

	for dx := -radius; dx <= radius; dx++ {
		for dy := -radius; dy <= radius; dy++ {
			t := Tile{Z: z, X: center.X + dx, Y: center.Y + dy}
			if t.Valid() {
				tiles = append(tiles, t)
			}
		}
	}

	return tiles
}

func clampIndex(v, z int) int {
	maxIndex := (1 << z) - 1
	if v < 0 {
		return 0
	}
	if v > maxIndex {
		return maxIndex
	}
	return v
}
