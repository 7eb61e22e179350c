package pipeline

import "strings"

// weightTable is the fixed per-item weight in kilograms.
var weightTable = map[string]float64{
	"pizza":     0.120,
	"muffin":    0.090,
	"croissant": 0.069,
	"nothing":   0.0,
}

// WeightKg returns the weight of one item of category. Unknown categories
// weigh nothing.
func WeightKg(category string) float64 {
	return weightTable[strings.ToLower(category)]
}

// IsFood reports whether category is a known food item.
func IsFood(category string) bool {
	c := strings.ToLower(category)
	_, ok := weightTable[c]
	return ok && c != "nothing"
}
