package router

import (
	"strings"

	"github.com/sureshkrishnan-v/signalbus/internal/constants"
)

// Complexity scores a pattern so that literal segments outrank wildcards and
// earlier literals outrank later ones.
//
//	segments*2000
//	+ sum over literals of 3000*(segments-index)
//	- sum over "**" of (2000 - index*200)
//	- sum over "*" of (1000 - index*100)
func Complexity(path string) int {
	return complexity(strings.Split(path, constants.PathSeparator))
}

func complexity(segments []string) int {
	n := len(segments)
	score := n * constants.ComplexitySegmentWeight
	for i, seg := range segments {
		switch seg {
		case constants.WildcardMulti:
			score -= constants.ComplexityMultiPenalty - i*constants.ComplexityMultiDecay
		case constants.WildcardSingle:
			score -= constants.ComplexitySinglePenalty - i*constants.ComplexitySingleDecay
		default:
			score += constants.ComplexityLiteralWeight * (n - i)
		}
	}
	return score
}
