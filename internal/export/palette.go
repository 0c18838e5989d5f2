package export

import (
	"image"
	"image/color"

	"geoslice/internal/layering"
)

// Palette maps landcover classes to the colours of the vegetation rendering.
// Classes outside the vegetation group are black.
var Palette = map[layering.Class]color.RGBA{
	layering.Background:          {0, 0, 0, 255},
	layering.Water:               {0, 0, 0, 255},
	layering.Broadleaf:           {80, 200, 120, 255},
	layering.OtherVegetation:     {50, 200, 80, 255},
	layering.UndefinedVegetation: {25, 50, 60, 255},
	layering.Parcel:              {25, 50, 60, 255},
	layering.Built:               {0, 0, 0, 255},
	layering.Road:                {0, 0, 0, 255},
	layering.Rail:                {0, 0, 0, 255},
}

// RenderVegetation colours a class grid with Palette
func RenderVegetation(g *layering.Grid) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, g.Width, g.Height))
	var lut [256]color.RGBA
	for i := range lut {
		lut[i] = color.RGBA{0, 0, 0, 255}
	}
	for class, c := range Palette {
		lut[class] = c
	}

	for i, v := range g.Pix {
		c := lut[v]
		o := i * 4
		img.Pix[o], img.Pix[o+1], img.Pix[o+2], img.Pix[o+3] = c.R, c.G, c.B, c.A
	}
	return img
}
