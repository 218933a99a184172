package camera

import (
	"log/slog"
	"math"
	"sort"
)

// aspectTolerance is the largest aspect ratio difference treated as a match.
const aspectTolerance = 0.05

// PickPictureSize chooses the still picture size for the given target.
//
// Candidates above the pixel cap, or whose estimated JPEG size exceeds the
// target file size, are skipped. With a target width and height the smallest
// candidate covering both is chosen; otherwise the largest candidate. When
// nothing qualifies the first candidate is returned. sizes must not be empty.
func PickPictureSize(sizes []Size, target SelectionTarget) Size {
	if len(sizes) == 0 {
		panic("camera: PickPictureSize called with no candidate sizes")
	}

	maxRes := target.maxPixels()
	estimatedMax := target.estimatedJPEG()

	var best Size
	found := false
	for _, size := range sizes {
		mp := size.Pixels()
		if mp > maxRes {
			continue
		}

		estimate := float64(mp) * float64(estimatedMax) / float64(maxRes)
		if target.TargetFileSize > 0 && estimate > float64(target.TargetFileSize) {
			continue
		}

		if target.hasTargetSize() {
			if size.Width < target.TargetWidth || size.Height < target.TargetHeight {
				continue
			}
			if !found || mp < best.Pixels() {
				best, found = size, true
			}
			continue
		}

		if !found || mp > best.Pixels() {
			best, found = size, true
		}
	}

	if !found {
		return sizes[0]
	}
	return best
}

// PickThumbnailSize chooses the thumbnail size for pictureSize.
//
// Only candidates within aspectTolerance of the picture's aspect ratio are
// considered. The smallest one that fills the screen in both orientations
// wins, else the largest matching one. ok is false when no candidate matches
// the aspect ratio; callers treat that as "no thumbnail".
func PickThumbnailSize(sizes []Size, pictureSize Size, screen Screen, logger *slog.Logger) (Size, bool) {
	if len(sizes) == 0 || pictureSize.Height == 0 {
		return Size{}, false
	}

	pictureRatio := pictureSize.AspectRatio()
	matching := make([]Size, 0, len(sizes))
	for _, size := range sizes {
		if size.Height == 0 {
			continue
		}
		if math.Abs(size.AspectRatio()-pictureRatio) < aspectTolerance {
			matching = append(matching, size)
		}
	}

	if len(matching) == 0 {
		if logger == nil {
			logger = slog.Default()
		}
		logger.Warn("no thumbnail size matches picture aspect ratio",
			"picture_size", pictureSize.String(),
			"candidates", len(sizes))
		return Size{}, false
	}

	sort.SliceStable(matching, func(i, j int) bool {
		return matching[i].Pixels() < matching[j].Pixels()
	})

	screenW, screenH := screen.Pixels()
	fillsScreen := func(s Size) bool {
		w, h := float64(s.Width), float64(s.Height)
		portrait := w >= screenW || h >= screenH
		landscape := w >= screenH || h >= screenW
		return portrait && landscape
	}

	for _, size := range matching {
		if fillsScreen(size) {
			return size, true
		}
	}
	return matching[len(matching)-1], true
}

// PickVideoProfile chooses the recorder profile.
//
// A target file size forces "qcif" when available. Otherwise the first
// preferred name the hardware supports wins, then "cif", then the first
// profile the hardware enumerated. Rotation starts at 0.
func PickVideoProfile(profiles []RecorderProfile, preferred []string, target SelectionTarget) (VideoProfile, error) {
	if len(profiles) == 0 {
		return VideoProfile{}, ErrEmptyCandidates
	}

	byName := make(map[string]RecorderProfile, len(profiles))
	for _, p := range profiles {
		if _, dup := byName[p.Name]; !dup {
			byName[p.Name] = p
		}
	}

	var matched string
	for _, name := range preferred {
		if _, ok := byName[name]; ok {
			matched = name
			break
		}
	}

	var chosen RecorderProfile
	switch {
	case target.TargetFileSize > 0 && has(byName, "qcif"):
		chosen = byName["qcif"]
	case matched != "":
		chosen = byName[matched]
	case has(byName, "cif"):
		chosen = byName["cif"]
	default:
		chosen = profiles[0]
	}

	return VideoProfile{
		Name:   chosen.Name,
		Width:  chosen.Width,
		Height: chosen.Height,
	}, nil
}

func has(m map[string]RecorderProfile, name string) bool {
	_, ok := m[name]
	return ok
}

// SelectOptimalPreviewSize picks the preview size for a viewport.
//
// Sizes matching the viewport aspect ratio are preferred, choosing the one
// whose height is closest to the viewport's short side. Without any aspect
// match the closest height overall is used. ok is false for an empty list.
func SelectOptimalPreviewSize(viewport Size, sizes []Size) (Size, bool) {
	if len(sizes) == 0 {
		return Size{}, false
	}

	long, short := viewport.Width, viewport.Height
	if short > long {
		long, short = short, long
	}
	if short == 0 {
		return sizes[0], true
	}
	targetRatio := float64(long) / float64(short)

	closest := func(candidates []Size) (Size, bool) {
		var best Size
		found := false
		minDiff := math.MaxFloat64
		for _, s := range candidates {
			h := s.Height
			if s.Width < h {
				h = s.Width
			}
			diff := math.Abs(float64(h - short))
			if diff < minDiff {
				best, minDiff, found = s, diff, true
			}
		}
		return best, found
	}

	matching := make([]Size, 0, len(sizes))
	for _, s := range sizes {
		w, h := s.Width, s.Height
		if h > w {
			w, h = h, w
		}
		if h == 0 {
			continue
		}
		if math.Abs(float64(w)/float64(h)-targetRatio) <= aspectTolerance {
			matching = append(matching, s)
		}
	}

	if best, ok := closest(matching); ok {
		return best, true
	}
	return closest(sizes)
}

// maxPictureBytes is the capture buffer budget for a picture size.
func maxPictureBytes(size Size) int64 {
	return int64(size.Width)*int64(size.Height)*4 + pictureBufferOverhead
}
