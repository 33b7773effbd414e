// Package viz renders sequences and analysis tables in the terminal.
//
//   - [Table] and [Summary]: lipgloss tables of a result
//   - [PlotColumn]: asciigraph line plot of one column against s
//   - [Floor]: Braille floor plan of a survey
//   - [Browser]: interactive Bubble Tea sequence browser
//
// # Browser Keys
//
//	Enter - Open sequence
//	Esc   - Back to the sequence list
//	T     - Run twiss and plot beta functions
//	C     - Cycle color themes
//	Q     - Quit
package viz
