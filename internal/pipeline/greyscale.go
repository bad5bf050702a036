package pipeline

// Greyscale replaces every pixel's colour channels with its BT.601 luma and
// returns img. Alpha and dimensions are left alone. The weights sum to 1<<16,
// so an already grey pixel maps to itself.
func Greyscale(img *Image) *Image {
	if img == nil || img.Pix == nil {
		return img
	}

	pix := img.Pix.Pix
	stride := img.Pix.Stride
	w, h := img.Width(), img.Height()
	for y := 0; y < h; y++ {
		row := pix[y*stride : y*stride+w*4]
		for i := 0; i < len(row); i += 4 {
			r, g, b := uint32(row[i]), uint32(row[i+1]), uint32(row[i+2])
			luma := uint8((19595*r + 38470*g + 7471*b + 1<<15) >> 16)
			row[i], row[i+1], row[i+2] = luma, luma, luma
		}
	}
	return img
}
