package binder

import (
	"bytes"
	"image/color"
	"sync"

	"github.com/disintegration/imaging"
)

const (
	placeholderWidth  = 300
	placeholderHeight = 380
)

var (
	placeholderOnce  sync.Once
	placeholderAsset Asset
)

// MissingPhoto returns the constant "missing photo" image: a grey silhouette
// on a light background.
func MissingPhoto() Asset {
	placeholderOnce.Do(func() {
		placeholderAsset = renderMissingPhoto()
	})
	return placeholderAsset
}

func renderMissingPhoto() Asset {
	img := imaging.New(placeholderWidth, placeholderHeight, color.NRGBA{R: 0xe5, G: 0xe7, B: 0xeb, A: 0xff})
	fg := color.NRGBA{R: 0x9c, G: 0xa3, B: 0xaf, A: 0xff}

	headX, headY, headR := placeholderWidth/2, placeholderHeight*38/100, placeholderWidth*22/100
	bodyX, bodyY := placeholderWidth/2, placeholderHeight
	bodyRX, bodyRY := placeholderWidth*42/100, placeholderHeight*36/100

	for y := 0; y < placeholderHeight; y++ {
		for x := 0; x < placeholderWidth; x++ {
			dx, dy := x-headX, y-headY
			inHead := dx*dx+dy*dy <= headR*headR

			bx, by := float64(x-bodyX)/float64(bodyRX), float64(y-bodyY)/float64(bodyRY)
			inBody := bx*bx+by*by <= 1

			if inHead || inBody {
				img.SetNRGBA(x, y, fg)
			}
		}
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		// 编码内存图像不会失败，这里仅保底返回空白资源。
		return Asset{ContentType: "image/png", Placeholder: true}
	}
	return Asset{Data: buf.Bytes(), ContentType: "image/png", Placeholder: true}
}
