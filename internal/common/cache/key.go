package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
)

// Precision is the number of decimal places coordinates are rounded to before hashing (about 1.1 m).
const Precision = 5

var scale = math.Pow10(Precision)

// RoundCoordinate rounds half away from zero to Precision decimals; -0 becomes 0.
func RoundCoordinate(v float64) float64 {
	r := math.Round(v*scale) / scale
	if r == 0 {
		return 0
	}
	return r
}

// Key is the deterministic hex SHA-256 of the rounded "lat,lng" pair.
func Key(lat, lng float64) string {
	canonical := fmt.Sprintf("%.5f,%.5f", RoundCoordinate(lat), RoundCoordinate(lng))
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
