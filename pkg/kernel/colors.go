// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package kernel

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/gomlx/exceptions"
)

// Axis roles, as returned by Colors.
const (
	ColorGlobal       = "blue"
	ColorLocal        = "cyan"
	ColorUpcastMid    = "white"
	ColorGroup        = "green"
	ColorReduce       = "red"
	ColorUpcastReduce = "magenta"
	ColorUpcast       = "yellow"
)

var roleStyles = map[string]lipgloss.Style{
	ColorGlobal:       lipgloss.NewStyle().Foreground(lipgloss.Color("4")),
	ColorLocal:        lipgloss.NewStyle().Foreground(lipgloss.Color("6")),
	ColorUpcastMid:    lipgloss.NewStyle().Foreground(lipgloss.Color("7")),
	ColorGroup:        lipgloss.NewStyle().Foreground(lipgloss.Color("2")),
	ColorReduce:       lipgloss.NewStyle().Foreground(lipgloss.Color("1")),
	ColorUpcastReduce: lipgloss.NewStyle().Foreground(lipgloss.Color("5")),
	ColorUpcast:       lipgloss.NewStyle().Foreground(lipgloss.Color("3")),
}

// Colors returns the role of each axis of the iteration space, named by the color used to print it:
// global (blue), local (cyan), grouped for reduce and upcasted in the middle of the reduction (white)
// or reduced in the second stage (green), reduce (red), and upcasted reduce (magenta) or upcasted
// non-reduce (yellow).
func (k *Kernel) Colors() []string {
	firstReduce := k.FirstReduce()
	colors := make([]string, 0, k.ShapeLen())
	for range k.GlobalDims() {
		colors = append(colors, ColorGlobal)
	}
	for range k.localDims {
		colors = append(colors, ColorLocal)
	}
	mid := make(map[int]bool)
	for _, ax := range k.UpcastInMidReduceAxes() {
		mid[ax] = true
	}
	for ax := firstReduce; ax < firstReduce+len(k.groupForReduce); ax++ {
		if mid[ax] {
			colors = append(colors, ColorUpcastMid)
		} else {
			colors = append(colors, ColorGroup)
		}
	}
	for range k.ShapeLen() - k.upcasted - firstReduce - len(k.groupForReduce) {
		colors = append(colors, ColorReduce)
	}
	for _, ax := range k.UpcastedAxis(0) {
		if ax.Reduce {
			colors = append(colors, ColorUpcastReduce)
		} else {
			colors = append(colors, ColorUpcast)
		}
	}
	if len(colors) != k.ShapeLen() {
		exceptions.Panicf("kernel.Colors: %d colors for %d axes", len(colors), k.ShapeLen())
	}
	return colors
}

// ColoredShape renders the full shape with each axis colored by its role (see Colors).
func (k *Kernel) ColoredShape() string {
	parts := make([]string, k.ShapeLen())
	for i, color := range k.Colors() {
		parts[i] = roleStyles[color].Render(k.FullShape()[i].String())
	}
	return strings.Join(parts, " ")
}
