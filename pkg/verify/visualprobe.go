package verify

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/opentiger/worker-runtime/pkg/types"
)

// VisualProbe samples an image artifact for clear/near-black ratios and
// luminance standard deviation.
type VisualProbe interface {
	Sample(repoPath string) (types.VisualProbeResult, error)
}

// GlobProbe samples the first image matching Glob relative to the repo root.
// It is suspicious when the sampled image is mostly near-black (a common
// signature of a broken render) or has near-zero luminance variance (a
// blank frame).
type GlobProbe struct {
	Glob                 string
	NearBlackThreshold   float64 // ratio above which the image is flagged
	MinLuminanceStdDev   float64 // standard deviation below which the image is flagged
}

// Sample walks the matched files and samples the first one found.
func (p GlobProbe) Sample(repoPath string) (types.VisualProbeResult, error) {
	matches, err := filepath.Glob(filepath.Join(repoPath, p.Glob))
	if err != nil {
		return types.VisualProbeResult{}, err
	}
	if len(matches) == 0 {
		return types.VisualProbeResult{}, fmt.Errorf("verify: no artifacts matched %q", p.Glob)
	}
	return sampleImage(matches[0], p.NearBlackThreshold, p.MinLuminanceStdDev)
}

func sampleImage(path string, nearBlackThreshold, minStdDev float64) (types.VisualProbeResult, error) {
	file, err := os.Open(path)
	if err != nil {
		return types.VisualProbeResult{}, err
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return types.VisualProbeResult{}, err
	}

	bounds := img.Bounds()
	total := 0
	nearBlack := 0
	clear := 0
	var sum, sumSq float64

	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			r, g, b, _ := img.At(x, y).RGBA()
			lum := luminance(r, g, b)
			sum += lum
			sumSq += lum * lum
			total++
			if lum < 0.05 {
				nearBlack++
			} else {
				clear++
			}
		}
	}

	if total == 0 {
		return types.VisualProbeResult{}, fmt.Errorf("verify: empty image %s", path)
	}

	mean := sum / float64(total)
	variance := sumSq/float64(total) - mean*mean
	if variance < 0 {
		variance = 0
	}
	stdDev := math.Sqrt(variance)

	nearBlackRatio := float64(nearBlack) / float64(total)
	clearRatio := float64(clear) / float64(total)

	return types.VisualProbeResult{
		ProbeID:         uuid.New().String(),
		Path:            path,
		ClearRatio:      clearRatio,
		NearBlackRatio:  nearBlackRatio,
		LuminanceStdDev: stdDev,
		Suspicious:      nearBlackRatio > nearBlackThreshold || stdDev < minStdDev,
	}, nil
}

func luminance(r, g, b uint32) float64 {
	// RGBA() returns 16-bit-scaled channel values; normalize to [0,1].
	rf := float64(r) / 65535.0
	gf := float64(g) / 65535.0
	bf := float64(b) / 65535.0
	return 0.2126*rf + 0.7152*gf + 0.0722*bf
}
