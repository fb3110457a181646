// Package hotness tracks how frequently map areas are being viewed.
// The pre-warmer consults scores to decide whether warming a viewport's
// surroundings is worth the extra backend calls.
package hotness

// Interface tracks decayed view counts per area cell.
type Interface interface {
	Inc(cell string)
	Score(cell string) float64
	Reset(cells ...string)
}
