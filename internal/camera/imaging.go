package camera

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"math"
)

// GammaTable は輝度補正用の256段階の変換表を作る
//
// 値は ((i/255)^(1/gamma))*255 を切り捨てたもの。
func GammaTable(gamma float64) [256]uint8 {
	var table [256]uint8
	if gamma <= 0 {
		gamma = 1
	}
	inv := 1.0 / gamma
	for i := range table {
		v := math.Pow(float64(i)/255.0, inv) * 255
		if v > 255 {
			v = 255
		}
		table[i] = uint8(v)
	}
	return table
}

// ApplyGamma は変換表を全サンプルに適用した新しいフレームを返す
func ApplyGamma(f *Frame, gamma float64) *Frame {
	table := GammaTable(gamma)
	out := f.Clone()
	for i, v := range out.Pix {
		out.Pix[i] = table[v]
	}
	return out
}

// Image はフレームを image.Image に変換する
func (f *Frame) Image() (image.Image, error) {
	if f.Width <= 0 || f.Height <= 0 {
		return nil, fmt.Errorf("無効な画像サイズ: %dx%d", f.Width, f.Height)
	}
	if len(f.Pix) != f.Width*f.Height*f.Channels {
		return nil, fmt.Errorf("画素数が一致しません: len=%d, %dx%dx%d", len(f.Pix), f.Width, f.Height, f.Channels)
	}

	rect := image.Rect(0, 0, f.Width, f.Height)
	switch f.Channels {
	case 1:
		img := image.NewGray(rect)
		copy(img.Pix, f.Pix)
		return img, nil
	case 3:
		img := image.NewRGBA(rect)
		for i, j := 0, 0; i < len(f.Pix); i, j = i+3, j+4 {
			img.Pix[j] = f.Pix[i]
			img.Pix[j+1] = f.Pix[i+1]
			img.Pix[j+2] = f.Pix[i+2]
			img.Pix[j+3] = 0xFF
		}
		return img, nil
	default:
		return nil, fmt.Errorf("サポートされていないチャンネル数: %d", f.Channels)
	}
}

// EncodePNG はフレームを可逆圧縮の PNG にエンコードする
func EncodePNG(f *Frame) ([]byte, error) {
	img, err := f.Image()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("PNGエンコードに失敗: %w", err)
	}
	return buf.Bytes(), nil
}
