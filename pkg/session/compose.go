package session

// Off-screen frame composition for the composite recording pipeline: the
// remote frame is scaled to fill a fixed-size surface and the local frame
// is drawn as an inset in the lower-right corner, mirroring what the user
// sees during the call.

// SurfaceComposer renders one composite output frame from the most recent
// remote and local video samples. Either input may be nil when the
// corresponding party has produced no frame yet.
type SurfaceComposer interface {
	Compose(remote, local *Sample) (Sample, bool)
}

// InsetComposer composes raw I420 frames onto a fixed-resolution surface:
// remote scaled to fill, local as a quarter-size inset. Samples that do
// not carry raw frames (encoded payloads from a transport without a
// decoder) pass through remote-first, so recording still produces a
// playable remote-only file.
type InsetComposer struct {
	// Width and Height are the fixed output surface dimensions.
	Width, Height int

	// InsetDivisor controls the inset size relative to the surface.
	// 4 yields a quarter-width inset. Zero uses 4.
	InsetDivisor int

	// InsetMargin is the pixel gap between the inset and the surface
	// edge. Zero uses 16.
	InsetMargin int
}

// Compose renders the surface. The second return value is false when
// neither party has produced a frame.
func (c *InsetComposer) Compose(remote, local *Sample) (Sample, bool) {
	if remote == nil && local == nil {
		return Sample{}, false
	}

	// Preferring the remote frame when composition is impossible keeps
	// the artifact useful: the counterparty is the subject of the
	// recording, the self-view is auxiliary.
	primary := remote
	if primary == nil {
		primary = local
	}
	if !isRawI420(primary) {
		out := *primary
		return out, true
	}

	w, h := c.Width, c.Height
	if w <= 0 || h <= 0 {
		w, h = primary.Width, primary.Height
	}
	surface := scaleI420Fill(primary, w, h)

	if local != nil && remote != nil && isRawI420(local) {
		div := c.InsetDivisor
		if div <= 0 {
			div = 4
		}
		margin := c.InsetMargin
		if margin <= 0 {
			margin = 16
		}
		insetW, insetH := evenDim(w/div), evenDim(h/div)
		inset := scaleI420Fill(local, insetW, insetH)
		overlayI420(surface.Data, w, h, inset.Data, insetW, insetH,
			evenDim(w-insetW-margin), evenDim(h-insetH-margin))
	}

	surface.Timestamp = primary.Timestamp
	surface.Keyframe = true // every composed frame is self-contained
	return surface, true
}

// isRawI420 reports whether the sample carries a raw I420 frame: even
// dimensions of at least 2x2 with a payload of exactly w*h*3/2 bytes.
// Degenerate dimensions pass through as encoded payloads so the scaler
// never indexes an empty chroma plane.
func isRawI420(s *Sample) bool {
	if s == nil || s.Width < 2 || s.Height < 2 || s.Width%2 != 0 || s.Height%2 != 0 {
		return false
	}
	return len(s.Data) == i420Size(s.Width, s.Height)
}

func i420Size(w, h int) int {
	return w*h + 2*((w/2)*(h/2))
}

func evenDim(v int) int {
	if v < 2 {
		return 2
	}
	return v &^ 1
}

// scaleI420Fill scales src to exactly dstW x dstH with nearest-neighbour
// sampling, cropping the longer axis so the output is filled rather than
// letterboxed.
func scaleI420Fill(src *Sample, dstW, dstH int) Sample {
	srcW, srcH := src.Width, src.Height
	out := make([]byte, i420Size(dstW, dstH))

	// Scale factor that fills the destination; the overflowing axis is
	// cropped symmetrically.
	scaleX := float64(srcW) / float64(dstW)
	scaleY := float64(srcH) / float64(dstH)
	scale := scaleX
	if scaleY < scaleX {
		scale = scaleY
	}
	cropX := (float64(srcW) - float64(dstW)*scale) / 2
	cropY := (float64(srcH) - float64(dstH)*scale) / 2

	srcY := src.Data[:srcW*srcH]
	srcU := src.Data[srcW*srcH : srcW*srcH+(srcW/2)*(srcH/2)]
	srcV := src.Data[srcW*srcH+(srcW/2)*(srcH/2):]

	dstY := out[:dstW*dstH]
	dstU := out[dstW*dstH : dstW*dstH+(dstW/2)*(dstH/2)]
	dstV := out[dstW*dstH+(dstW/2)*(dstH/2):]

	for y := 0; y < dstH; y++ {
		sy := clampInt(int(float64(y)*scale+cropY), 0, srcH-1)
		for x := 0; x < dstW; x++ {
			sx := clampInt(int(float64(x)*scale+cropX), 0, srcW-1)
			dstY[y*dstW+x] = srcY[sy*srcW+sx]
		}
	}
	for y := 0; y < dstH/2; y++ {
		sy := clampInt(int(float64(y*2)*scale+cropY)/2, 0, srcH/2-1)
		for x := 0; x < dstW/2; x++ {
			sx := clampInt(int(float64(x*2)*scale+cropX)/2, 0, srcW/2-1)
			dstU[y*(dstW/2)+x] = srcU[sy*(srcW/2)+sx]
			dstV[y*(dstW/2)+x] = srcV[sy*(srcW/2)+sx]
		}
	}

	return Sample{
		Data:   out,
		Width:  dstW,
		Height: dstH,
	}
}

// overlayI420 copies the inset frame into the surface at (dstX, dstY).
// Coordinates and dimensions must be even so chroma planes stay aligned.
func overlayI420(surface []byte, w, h int, inset []byte, iw, ih, dstX, dstY int) {
	if dstX < 0 || dstY < 0 || dstX+iw > w || dstY+ih > h {
		return
	}
	surfY := surface[:w*h]
	surfU := surface[w*h : w*h+(w/2)*(h/2)]
	surfV := surface[w*h+(w/2)*(h/2):]
	insY := inset[:iw*ih]
	insU := inset[iw*ih : iw*ih+(iw/2)*(ih/2)]
	insV := inset[iw*ih+(iw/2)*(ih/2):]

	for y := 0; y < ih; y++ {
		copy(surfY[(dstY+y)*w+dstX:(dstY+y)*w+dstX+iw], insY[y*iw:(y+1)*iw])
	}
	for y := 0; y < ih/2; y++ {
		row := (dstY/2 + y)
		copy(surfU[row*(w/2)+dstX/2:row*(w/2)+dstX/2+iw/2], insU[y*(iw/2):(y+1)*(iw/2)])
		copy(surfV[row*(w/2)+dstX/2:row*(w/2)+dstX/2+iw/2], insV[y*(iw/2):(y+1)*(iw/2)])
	}
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
