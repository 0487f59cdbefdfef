package cardtemplate

import "math"

// ISO/IEC 7810 ID-1 card, landscape face.
const (
	CardWidthMM  = 85.6
	CardHeightMM = 53.98

	// DesignDPI 是设计空间对应的名义分辨率：元素几何均以该分辨率下的像素表示。
	DesignDPI = 300

	mmPerInch = 25.4
)

// CardSizeMM returns the physical card face for the orientation.
func CardSizeMM(o Orientation) (width, height float64) {
	if o == Portrait {
		return CardHeightMM, CardWidthMM
	}
	return CardWidthMM, CardHeightMM
}

// PixelsFor converts a physical length to pixels at dpi: round(mm * dpi / 25.4).
func PixelsFor(mm float64, dpi int) int {
	return int(math.Round(mm * float64(dpi) / mmPerInch))
}

// PixelSize 返回卡面在指定 DPI 下的像素尺寸。
func PixelSize(o Orientation, dpi int) (width, height int) {
	w, h := CardSizeMM(o)
	return PixelsFor(w, dpi), PixelsFor(h, dpi)
}

// DesignSize 返回设计空间画布尺寸（landscape 为 1011×638）。
func DesignSize(o Orientation) Size {
	w, h := PixelSize(o, DesignDPI)
	return Size{Width: float64(w), Height: float64(h)}
}
