package roi

// package roi loads the regions of interest that accompany an input image.
// A region of interest file has the same stem as its image, and the extension ".roi".
// It holds whitespace-separated groups of four integers: x y width height.

import (
	"bufio"
	"errors"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bmharper/flatbush-go"
	"github.com/cyclopcam/nnserver/pkg/nn"
)

const Extension = ".roi"

// Set is an ordered list of rectangles. The zero value is an empty set.
type Set struct {
	Rects []nn.Rect
	index *flatbush.Flatbush[int32]
}

// SidecarPath returns the ROI filename that belongs to imagePath
func SidecarPath(imagePath string) string {
	return strings.TrimSuffix(imagePath, filepath.Ext(imagePath)) + Extension
}

// IsSidecar returns true if filename is an ROI file
func IsSidecar(filename string) bool {
	return strings.EqualFold(filepath.Ext(filename), Extension)
}

// Load reads the ROI file that belongs to imagePath.
// If there is no such file, the result is an empty set and a nil error.
func Load(imagePath string) (Set, error) {
	f, err := os.Open(SidecarPath(imagePath))
	if errors.Is(err, fs.ErrNotExist) {
		return Set{}, nil
	} else if err != nil {
		return Set{}, err
	}
	defer f.Close()
	return Parse(f), nil
}

// Parse reads groups of four integers from r.
// Groups with a negative origin or a non-positive size are skipped.
// Parsing stops at the first token that is not an integer, and an incomplete final
// group is dropped.
func Parse(r io.Reader) Set {
	scanner := bufio.NewScanner(r)
	scanner.Split(bufio.ScanWords)
	s := Set{}
	group := [4]int{}
	n := 0
	for scanner.Scan() {
		v, err := strconv.Atoi(scanner.Text())
		if err != nil {
			break
		}
		group[n] = v
		n++
		if n == 4 {
			n = 0
			// The spatial index holds int32 coordinates, so the far corner must fit too
			if group[0] >= 0 && group[1] >= 0 && group[2] > 0 && group[3] > 0 &&
				group[2] <= math.MaxInt32-group[0] && group[3] <= math.MaxInt32-group[1] {
				s.Rects = append(s.Rects, nn.Rect{X: group[0], Y: group[1], Width: group[2], Height: group[3]})
			}
		}
	}
	return s
}

func (s *Set) Len() int {
	return len(s.Rects)
}

func (s *Set) buildIndex() {
	s.index = flatbush.NewFlatbush[int32]()
	s.index.Reserve(len(s.Rects))
	for _, r := range s.Rects {
		s.index.Add(int32(r.X), int32(r.Y), int32(r.X2()), int32(r.Y2()))
	}
	s.index.Finish()
}

// FirstIntersecting returns the first rectangle (in file order) that overlaps box
// by a positive area. This is not necessarily the rectangle with the greatest overlap.
func (s *Set) FirstIntersecting(box nn.Rect) (nn.Rect, int, bool) {
	if len(s.Rects) == 0 || box.Empty() {
		return nn.Rect{}, -1, false
	}
	if s.index == nil {
		s.buildIndex()
	}
	best := -1
	// The index also returns rectangles that merely touch box, so we still need to check the area.
	candidates := s.index.SearchFast(int32(box.X), int32(box.Y), int32(box.X2()), int32(box.Y2()), nil)
	for _, i := range candidates {
		if (best == -1 || i < best) && s.Rects[i].Intersection(box).Area() > 0 {
			best = i
		}
	}
	if best == -1 {
		return nn.Rect{}, -1, false
	}
	return s.Rects[best], best, true
}
