package camera

import (
	"bytes"
	"image"
	"image/png"
	"math"
	"testing"
	"time"
)

func TestGammaTable(t *testing.T) {
	table := GammaTable(1.5)

	if table[0] != 0 {
		t.Errorf("Expected table[0] = 0, got %d", table[0])
	}
	if table[255] != 255 {
		t.Errorf("Expected table[255] = 255, got %d", table[255])
	}

	// 値は切り捨てで求める
	want := uint8(math.Pow(128.0/255.0, 1/1.5) * 255)
	if table[128] != want {
		t.Errorf("Expected table[128] = %d, got %d", want, table[128])
	}

	// gamma > 1 は暗部を持ち上げる
	for i := 1; i < 255; i++ {
		if table[i] < uint8(i) {
			t.Fatalf("Expected table[%d] >= %d, got %d", i, i, table[i])
		}
	}
}

func TestGammaTable_Identity(t *testing.T) {
	table := GammaTable(1.0)
	for i := 0; i < 256; i++ {
		// 浮動小数点誤差で1つ下がることがある
		if d := int(table[i]) - i; d > 0 || d < -1 {
			t.Fatalf("Expected identity at %d, got %d", i, table[i])
		}
	}
}

func TestApplyGamma_DoesNotModifyInput(t *testing.T) {
	f := &Frame{Pix: []byte{10, 20, 30}, Width: 1, Height: 1, Channels: 3}
	out := ApplyGamma(f, 2.0)

	if !bytes.Equal(f.Pix, []byte{10, 20, 30}) {
		t.Errorf("Input frame was modified: %v", f.Pix)
	}
	table := GammaTable(2.0)
	for i, v := range f.Pix {
		if out.Pix[i] != table[v] {
			t.Errorf("Sample %d: expected %d, got %d", i, table[v], out.Pix[i])
		}
	}
}

func TestMeanIntensity(t *testing.T) {
	f := &Frame{Pix: []byte{0, 0, 0, 10, 10, 10}, Width: 2, Height: 1, Channels: 3}
	if got := f.MeanIntensity(); got != 5 {
		t.Errorf("Expected mean 5, got %v", got)
	}

	var empty *Frame
	if got := empty.MeanIntensity(); got != 0 {
		t.Errorf("Expected mean 0 for nil frame, got %v", got)
	}
}

func TestClone_IsIndependent(t *testing.T) {
	f := &Frame{Pix: []byte{1, 2, 3}, Width: 1, Height: 1, Channels: 3, CapturedAt: time.Now()}
	c := f.Clone()
	c.Pix[0] = 99

	if f.Pix[0] != 1 {
		t.Error("Expected clone to own its pixel buffer")
	}
	if !c.CapturedAt.Equal(f.CapturedAt) {
		t.Error("Expected capture time to be copied")
	}
}

func TestEncodePNG_RoundTrip(t *testing.T) {
	f := &Frame{
		Pix:      []byte{255, 0, 0, 0, 255, 0, 0, 0, 255, 10, 20, 30},
		Width:    2,
		Height:   2,
		Channels: 3,
	}

	data, err := EncodePNG(f)
	if err != nil {
		t.Fatalf("EncodePNG failed: %v", err)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("png.Decode failed: %v", err)
	}

	back := FrameFromImage(img, time.Time{})
	if !bytes.Equal(back.Pix, f.Pix) {
		t.Errorf("Expected lossless round trip, got %v", back.Pix)
	}
}

func TestEncodePNG_RejectsMismatchedBuffer(t *testing.T) {
	f := &Frame{Pix: []byte{1, 2}, Width: 2, Height: 2, Channels: 3}
	if _, err := EncodePNG(f); err == nil {
		t.Error("Expected error for mismatched buffer size")
	}
}

func TestFrameFromImage_Gray(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.Pix[0] = 40
	img.Pix[1] = 80

	f := FrameFromImage(img, time.Time{})
	want := []byte{40, 40, 40, 80, 80, 80}
	if !bytes.Equal(f.Pix, want) {
		t.Errorf("Expected %v, got %v", want, f.Pix)
	}
}
