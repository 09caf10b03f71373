package nn

import (
	"github.com/bmharper/tiledinference"
)

// TiledDetection is an object found by TiledInference.
// Box is relative to the whole crop that was given to TiledInference, while TileBox
// is relative to the tile that produced the object.
type TiledDetection struct {
	ObjectDetection
	TileBox Rect
	Tile    int
}

// TilingOptions controls how TiledInference splits and merges
type TilingOptions struct {
	MinPadding   int  // Minimum overlap between adjacent tiles, in pixels
	CombineTiles bool // Merge objects that were split across tile boundaries
	Clip         bool // Clip the final boxes to the image
}

// Run tiled inference on the image.
// We look at the width and height of the model, and if the image is larger, then we split the image
// up into tiles, and run each of those tiles through the model. Then, we merge the tiles back
// into a single dataset.
// If the model is larger than the image, then we just run the model directly, so it is safe
// to call TiledInference on any image, without incurring any performance loss.
// Tiles are processed sequentially, on the calling goroutine.
func TiledInference(model ObjectDetector, img ImageCrop, _params *DetectionParams, options TilingOptions) ([]TiledDetection, TileGrid, error) {
	config := model.Config()

	// Late clipping, so that objects cut by a tile edge keep their full extent until merged
	params := *_params
	params.Unclipped = true

	minPadding := options.MinPadding
	if minPadding <= 0 {
		minPadding = 32
	}

	// Our final results are relative to the crop, not of the original 'img'.
	tiling := tiledinference.MakeTiling(img.CropWidth, img.CropHeight, config.Width, config.Height, minPadding)

	first := tiling.TileRect(0, 0)
	grid := TileGrid{
		Horizontal: tiling.NumX,
		Vertical:   tiling.NumY,
		Width:      int(first.Width()),
		Height:     int(first.Height()),
	}

	allObjects := []TiledDetection{}
	allBoxes := []tiledinference.Box{}
	for ty := 0; ty < tiling.NumY; ty++ {
		for tx := 0; tx < tiling.NumX; tx++ {
			objects, boxes, err := detectTile(model, &params, tiling, tx, ty, img)
			if err != nil {
				return nil, grid, err
			}
			allObjects = append(allObjects, objects...)
			allBoxes = append(allBoxes, boxes...)
		}
	}

	finalClip := Rect{
		X:      0,
		Y:      0,
		Width:  img.CropWidth,
		Height: img.CropHeight,
	}

	merged := []TiledDetection{}

	if tiling.IsSingle() || !options.CombineTiles {
		merged = allObjects
	} else {
		groups, mergedBoxes := tiledinference.MergeBoxes(tiling, allBoxes, nil)
		for igroup, group := range groups {
			// Start with the first object in the group
			newObj := allObjects[group[0]]
			r := mergedBoxes[igroup]

			// Use the merged box, which can be larger than the first object in the group
			newObj.Box = Rect{X: int(r.Rect.X1), Y: int(r.Rect.Y1), Width: int(r.Rect.Width()), Height: int(r.Rect.Height())}

			// Use max(confidence) from all objects in the group
			for _, el := range group[1:] {
				newObj.Confidence = max(newObj.Confidence, allObjects[el].Confidence)
			}

			merged = append(merged, newObj)
		}
	}

	if options.Clip {
		// We disabled clipping for tiling sake, so we need to clip now
		for i := range merged {
			merged[i].Box = merged[i].Box.Intersection(finalClip)
		}
	}

	return merged, grid, nil
}

// Returns two parallel arrays
func detectTile(model ObjectDetector, params *DetectionParams, tiling tiledinference.Tiling, tx, ty int, img ImageCrop) ([]TiledDetection, []tiledinference.Box, error) {
	tileRect := tiling.TileRect(tx, ty)
	crop := img.Crop(int(tileRect.X1), int(tileRect.Y1), int(tileRect.X2), int(tileRect.Y2))
	objects, err := model.DetectObjects(crop, params)
	if err != nil {
		return nil, nil, err
	}
	tileIdx := ty*tiling.NumX + tx
	result := make([]TiledDetection, 0, len(objects))
	boxes := []tiledinference.Box{}
	for _, obj := range objects {
		box := tiledinference.Box{
			Rect: tiledinference.Rect{
				X1: int32(obj.Box.X),
				Y1: int32(obj.Box.Y),
				X2: int32(obj.Box.X + obj.Box.Width),
				Y2: int32(obj.Box.Y + obj.Box.Height),
			},
			Class: int32(obj.Class),
			Tile:  tiling.MakeTileIndex(tx, ty),
		}
		box.Rect.Offset(int32(tileRect.X1), int32(tileRect.Y1))
		td := TiledDetection{
			ObjectDetection: obj,
			TileBox:         obj.Box,
			Tile:            tileIdx,
		}
		td.Box.Offset(int(tileRect.X1), int(tileRect.Y1))
		result = append(result, td)
		boxes = append(boxes, box)
	}
	return result, boxes, nil
}
